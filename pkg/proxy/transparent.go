package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/httpseal/sealtap/pkg/logger"
)

// DomainResolver maps the loopback address a client dialed back to a domain
type DomainResolver interface {
	GetDomainForIP(ip string) (string, bool)
}

// TransparentServer accepts connections redirected through the DNS mapping:
// TLS on the HTTPS port and, optionally, plain HTTP on the HTTP port
type TransparentServer struct {
	proxy     *Proxy
	resolver  DomainResolver
	logger    logger.Logger
	httpsPort int
	httpPort  int // 0 disables plain HTTP

	servers   []*http.Server
	listeners []net.Listener
}

// NewTransparentServer creates a transparent front end for p
func NewTransparentServer(p *Proxy, resolver DomainResolver, httpsPort, httpPort int) *TransparentServer {
	return &TransparentServer{
		proxy:     p,
		resolver:  resolver,
		logger:    p.logger,
		httpsPort: httpsPort,
		httpPort:  httpPort,
	}
}

// Start listens on all interfaces to catch traffic sent to every mapped 127.x.x.x address
func (s *TransparentServer) Start() error {
	if s.proxy.ca == nil {
		return errors.New("transparent mode requires a CA")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.httpsPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.httpsPort, err)
	}
	tlsListener := tls.NewListener(ln, &tls.Config{
		GetCertificate: s.getCertificate,
		NextProtos:     []string{"http/1.1"},
	})
	s.serve(tlsListener, "https")

	if s.httpPort > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.httpPort))
		if err != nil {
			s.Stop(context.Background())
			return fmt.Errorf("failed to listen on port %d: %w", s.httpPort, err)
		}
		s.serve(ln, "http")
	}
	return nil
}

// Addrs returns the bound addresses, HTTPS first
func (s *TransparentServer) Addrs() []string {
	addrs := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}

// Stop shuts every listener down
func (s *TransparentServer) Stop(ctx context.Context) error {
	var errs []error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *TransparentServer) serve(ln net.Listener, scheme string) {
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, ok := s.hostFor(r)
			if !ok {
				http.Error(w, "no domain mapping for destination", http.StatusBadGateway)
				return
			}
			s.proxy.serveExchange(w, r, scheme, host)
		}),
		ReadHeaderTimeout: s.proxy.timeout,
		IdleTimeout:       s.proxy.timeout,
	}
	s.servers = append(s.servers, srv)
	s.listeners = append(s.listeners, ln)

	s.logger.Debug("Transparent %s listener started on %s", scheme, ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Transparent %s server error: %v", scheme, err)
		}
	}()
}

// hostFor prefers the Host header and falls back to the DNS mapping of the
// local address the client connected to
func (s *TransparentServer) hostFor(r *http.Request) (string, bool) {
	if r.Host != "" {
		return r.Host, true
	}
	addr, _ := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	return s.domainForAddr(addr)
}

func (s *TransparentServer) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName != "" {
		return s.proxy.ca.GenerateCertForHost(hello.ServerName)
	}
	var local net.Addr
	if hello.Conn != nil {
		local = hello.Conn.LocalAddr()
	}
	domain, ok := s.domainForAddr(local)
	if !ok {
		s.logger.Warn("No domain mapping found for destination %v", local)
		return nil, fmt.Errorf("no domain mapping for %v", local)
	}
	return s.proxy.ca.GenerateCertForHost(domain)
}

func (s *TransparentServer) domainForAddr(addr net.Addr) (string, bool) {
	if addr == nil || s.resolver == nil {
		return "", false
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", false
	}
	return s.resolver.GetDomainForIP(host)
}

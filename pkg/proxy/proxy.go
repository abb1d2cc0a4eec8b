// Package proxy intercepts HTTP, HTTPS and WebSocket traffic and reports every
// exchange to a capture.Observer.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/httpseal/sealtap/pkg/capture"
	"github.com/httpseal/sealtap/pkg/cert"
	"github.com/httpseal/sealtap/pkg/logger"
)

// DialContextFunc opens upstream connections
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Proxy
type Options struct {
	Observer capture.Observer
	// CA signs leaf certificates for intercepted TLS; nil disables HTTPS interception
	CA     *cert.CA
	Logger logger.Logger
	// Insecure skips upstream certificate verification
	Insecure bool
	// RootCAs overrides the system pool for upstream verification
	RootCAs *x509.CertPool
	// Timeout bounds upstream response headers and idle client connections
	Timeout time.Duration
	// Dial overrides the upstream dialer, e.g. with SOCKS5Dialer
	Dial DialContextFunc
	// NewFlowID defaults to random UUIDs
	NewFlowID func() string
}

// Proxy is an http.Handler acting as an explicit forward proxy
type Proxy struct {
	observer  capture.Observer
	ca        *cert.CA
	logger    logger.Logger
	timeout   time.Duration
	dial      DialContextFunc
	tlsConfig *tls.Config
	transport *http.Transport
	newFlowID func() string

	tunnels sync.WaitGroup
}

// New creates a proxy
func New(opts Options) *Proxy {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}).DialContext
	}
	if opts.NewFlowID == nil {
		opts.NewFlowID = uuid.NewString
	}

	upstreamTLS := &tls.Config{
		InsecureSkipVerify: opts.Insecure,
		RootCAs:            opts.RootCAs,
	}

	return &Proxy{
		observer:  opts.Observer,
		ca:        opts.CA,
		logger:    opts.Logger,
		timeout:   opts.Timeout,
		dial:      opts.Dial,
		tlsConfig: upstreamTLS,
		newFlowID: opts.NewFlowID,
		transport: &http.Transport{
			DialContext:           opts.Dial,
			TLSClientConfig:       upstreamTLS,
			DisableCompression:    true,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: opts.Timeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// ServeHTTP handles absolute-form requests and CONNECT tunnels
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "sealtap is a proxy; send absolute-form requests", http.StatusBadRequest)
		return
	}
	p.serveExchange(w, r, r.URL.Scheme, r.URL.Host)
}

// Wait blocks until every CONNECT tunnel has finished
func (p *Proxy) Wait() {
	p.tunnels.Wait()
}

// Close releases idle upstream connections
func (p *Proxy) Close() {
	p.transport.CloseIdleConnections()
}

// Server runs a Proxy on a TCP listener
type Server struct {
	addr     string
	proxy    *Proxy
	server   *http.Server
	listener net.Listener
	logger   logger.Logger
}

// NewServer creates a server for the explicit proxy on addr
func NewServer(addr string, p *Proxy) *Server {
	return &Server{
		addr:   addr,
		proxy:  p,
		logger: p.logger,
		server: &http.Server{
			Handler:           p,
			ReadHeaderTimeout: p.timeout,
			IdleTimeout:       p.timeout,
		},
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Debug("Proxy server started on %s", s.listener.Addr())

	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Proxy server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop stops accepting and waits for in-flight exchanges until ctx ends.
// Hijacked tunnels are closed by their clients or by ctx.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.proxy.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Proxy stopped with tunnels still open")
	}
	s.proxy.Close()
	return err
}

package proxy

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
)

// tlsRecordHandshake is the first byte of a TLS ClientHello
const tlsRecordHandshake = 0x16

// handleConnect accepts a tunnel and serves the HTTP inside it. Tunnels whose
// first byte starts a TLS handshake are intercepted with a leaf certificate
// from the CA; anything else is treated as plain HTTP.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	authority := r.Host
	if authority == "" {
		authority = r.URL.Host
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "tunneling not supported", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		p.logger.Error("Failed to hijack CONNECT to %s: %v", authority, err)
		return
	}

	p.tunnels.Add(1)
	defer p.tunnels.Done()
	defer conn.Close()

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.logger.Debug("Failed to acknowledge CONNECT to %s: %v", authority, err)
		return
	}

	client := &peekedConn{Conn: conn, r: rw.Reader}
	first, err := client.r.Peek(1)
	if err != nil {
		p.logger.Debug("Tunnel to %s closed before any data: %v", authority, err)
		return
	}

	p.logger.Info(">> Tunnel to %s", authority)

	if first[0] != tlsRecordHandshake {
		p.serveTunnel(client, "http", authority)
		return
	}

	if p.ca == nil {
		p.logger.Warn("TLS tunnel to %s cannot be intercepted without a CA", authority)
		return
	}

	hostname, _, err := net.SplitHostPort(authority)
	if err != nil {
		hostname = authority
	}
	tlsConn := tls.Server(client, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName != "" {
				return p.ca.GenerateCertForHost(hello.ServerName)
			}
			return p.ca.GenerateCertForHost(hostname)
		},
		NextProtos: []string{"http/1.1"},
	})
	if err := tlsConn.Handshake(); err != nil {
		p.logger.Error("TLS handshake failed for %s: %v", authority, err)
		return
	}
	p.serveTunnel(tlsConn, "https", authority)
}

// serveTunnel runs an HTTP server over a single tunneled connection until it
// closes or is hijacked
func (p *Proxy) serveTunnel(conn net.Conn, scheme, authority string) {
	ln := newOneShotListener(conn)

	// Hijacked exchanges outlive Serve; the tunnel stays open until they finish
	var handlers sync.WaitGroup
	defer handlers.Wait()

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlers.Add(1)
			defer handlers.Done()

			host := r.Host
			if host == "" {
				host = authority
			}
			p.serveExchange(w, r, scheme, host)
		}),
		IdleTimeout: p.timeout,
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed || state == http.StateHijacked {
				ln.Close()
			}
		},
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
		p.logger.Debug("Tunnel to %s ended: %v", authority, err)
	}
}

// peekedConn reads through the buffered reader that peeked at the tunnel
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// oneShotListener yields one connection, then blocks until closed
type oneShotListener struct {
	conn net.Conn
	addr net.Addr
	once sync.Once
	mu   sync.Mutex
	done chan struct{}
}

func newOneShotListener(conn net.Conn) *oneShotListener {
	return &oneShotListener{conn: conn, addr: conn.LocalAddr(), done: make(chan struct{})}
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *oneShotListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *oneShotListener) Addr() net.Addr {
	return l.addr
}

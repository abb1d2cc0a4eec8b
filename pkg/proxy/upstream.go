package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// SOCKS5Dialer routes upstream connections through a SOCKS5 proxy.
// Empty credentials disable authentication.
func SOCKS5Dialer(addr, username, password string, timeout time.Duration) (DialContextFunc, error) {
	var auth *xproxy.Auth
	if username != "" || password != "" {
		auth = &xproxy.Auth{User: username, Password: password}
	}

	forward := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	dialer, err := xproxy.SOCKS5("tcp", addr, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", addr, err)
	}

	contextDialer, ok := dialer.(xproxy.ContextDialer)
	if !ok {
		return func(ctx context.Context, network, address string) (net.Conn, error) {
			return dialer.Dial(network, address)
		}, nil
	}
	return contextDialer.DialContext, nil
}

package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http/httpguts"

	"github.com/httpseal/sealtap/pkg/capture"
)

// Hop-by-hop headers, RFC 7230 section 6.1
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// serveExchange forwards one request to scheme://host and reports it
func (p *Proxy) serveExchange(w http.ResponseWriter, r *http.Request, scheme, host string) {
	body, err := readBody(r)
	if err != nil {
		p.logger.Error("Failed to read request body from %s: %v", r.RemoteAddr, err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	target := fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
	// net/http moves Host out of r.Header; the recorded headers keep it
	headers := r.Header.Clone()
	if r.Host != "" {
		headers.Set("Host", r.Host)
	} else {
		headers.Set("Host", host)
	}
	flow := &capture.Flow{
		ID: p.newFlowID(),
		Request: &capture.Request{
			Method:      r.Method,
			URL:         target,
			HTTPVersion: r.Proto,
			Headers:     headers,
			Content:     body,
		},
	}

	p.logger.Debug(">> %s %s (flow %s)", r.Method, target, flow.ID)
	p.notify(func(o capture.Observer) { o.RequestHeaders(flow) })

	if websocket.IsWebSocketUpgrade(r) {
		p.relayWebSocket(w, r, flow, scheme, host)
		return
	}
	if isUpgrade(r.Header) {
		p.logger.Warn("Unsupported upgrade to %q for %s", r.Header.Get("Upgrade"), target)
		http.Error(w, "unsupported protocol upgrade", http.StatusNotImplemented)
		return
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		p.logger.Error("Failed to create upstream request for %s: %v", target, err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	outReq.Header = r.Header.Clone()
	removeHopHeaders(outReq.Header)
	outReq.Host = host
	outReq.ContentLength = int64(len(body))
	if len(body) == 0 {
		outReq.Body = http.NoBody
	}

	resp, err := p.transport.RoundTrip(outReq)
	if err != nil {
		p.logger.Error("Failed to forward request to %s: %v", target, err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		p.logger.Error("Failed to read response from %s: %v", target, err)
		http.Error(w, "upstream response failed", http.StatusBadGateway)
		return
	}

	flow.Response = &capture.Response{
		StatusCode:  resp.StatusCode,
		HTTPVersion: resp.Proto,
		Headers:     resp.Header.Clone(),
		Content:     respBody,
	}
	p.notify(func(o capture.Observer) { o.Response(flow) })
	p.logger.Debug("<< %d %s (flow %s, %d bytes)", resp.StatusCode, target, flow.ID, len(respBody))

	header := w.Header()
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	removeHopHeaders(header)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		p.logger.Debug("Failed to write response for flow %s: %v", flow.ID, err)
	}
}

func (p *Proxy) notify(fn func(capture.Observer)) {
	if p.observer != nil {
		fn(p.observer)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// removeHopHeaders drops hop-by-hop headers and any header named in Connection
func removeHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			token = textproto.TrimString(token)
			if httpguts.ValidHeaderFieldName(token) {
				h.Del(token)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// isUpgrade reports whether h asks to switch protocols
func isUpgrade(h http.Header) bool {
	return httpguts.HeaderValuesContainsToken(h["Connection"], "upgrade")
}

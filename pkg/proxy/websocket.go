package proxy

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/httpseal/sealtap/pkg/capture"
)

// closeGrace is how long the second direction may keep running after the
// first one ends, so close frames can travel both ways
const closeGrace = 2 * time.Second

// Headers gorilla sets itself on both sides of the handshake
var handshakeHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
	"Sec-Websocket-Accept",
}

// relayWebSocket completes the upgrade upstream first, then with the client,
// and copies messages in both directions until either side closes
func (p *Proxy) relayWebSocket(w http.ResponseWriter, r *http.Request, flow *capture.Flow, scheme, host string) {
	wsScheme := "ws"
	if scheme == "https" {
		wsScheme = "wss"
	}
	target := wsScheme + "://" + host + r.URL.RequestURI()

	dialer := websocket.Dialer{
		NetDialContext:   p.dial,
		TLSClientConfig:  p.tlsConfig.Clone(),
		HandshakeTimeout: p.timeout,
		Subprotocols:     websocket.Subprotocols(r),
	}

	upstream, resp, err := dialer.DialContext(r.Context(), target, upstreamHandshakeHeader(r.Header))
	if err != nil {
		p.logger.Error("WebSocket dial to %s failed: %v", target, err)
		if resp != nil {
			p.rejectUpgrade(w, flow, resp)
			return
		}
		http.Error(w, "upstream websocket failed", http.StatusBadGateway)
		return
	}

	flow.Response = &capture.Response{
		StatusCode:  resp.StatusCode,
		HTTPVersion: resp.Proto,
		Headers:     resp.Header.Clone(),
	}
	p.notify(func(o capture.Observer) { o.Response(flow) })

	upgrader := websocket.Upgrader{
		HandshakeTimeout: p.timeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	if proto := upstream.Subprotocol(); proto != "" {
		upgrader.Subprotocols = []string{proto}
	}
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Error("WebSocket upgrade for %s failed: %v", target, err)
		upstream.Close()
		return
	}

	p.logger.Info("WebSocket %s opened to %s", flow.ID, target)

	done := make(chan struct{}, 2)
	go func() {
		p.pump(flow, client, upstream, true)
		done <- struct{}{}
	}()
	go func() {
		p.pump(flow, upstream, client, false)
		done <- struct{}{}
	}()

	<-done
	timer := time.NewTimer(closeGrace)
	select {
	case <-done:
		timer.Stop()
		client.Close()
		upstream.Close()
	case <-timer.C:
		client.Close()
		upstream.Close()
		<-done
	}

	p.notify(func(o capture.Observer) { o.StreamEnd(flow) })
	p.logger.Info("WebSocket %s closed", flow.ID)
}

// pump reports each message from src before copying it to dst, and forwards
// the close frame that ends src
func (p *Proxy) pump(flow *capture.Flow, src, dst *websocket.Conn, fromClient bool) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			dst.WriteControl(websocket.CloseMessage, closeMessageFor(err), time.Now().Add(time.Second))
			return
		}

		msg := capture.Message{FromClient: fromClient, Content: data}
		p.notify(func(o capture.Observer) {
			o.StreamMessage(&capture.Flow{ID: flow.ID, Request: flow.Request, Messages: []capture.Message{msg}})
		})

		if err := dst.WriteMessage(msgType, data); err != nil {
			p.logger.Debug("WebSocket %s write failed: %v", flow.ID, err)
			return
		}
	}
}

// closeMessageFor maps a read error to the close frame sent to the other side.
// A close without a status code is relayed as a normal closure.
func closeMessageFor(err error) []byte {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNoStatusReceived:
			return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			// Reserved codes that must not appear on the wire
			return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		default:
			return websocket.FormatCloseMessage(ce.Code, ce.Text)
		}
	}
	return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
}

// rejectUpgrade relays a non-101 upstream answer to the client
func (p *Proxy) rejectUpgrade(w http.ResponseWriter, flow *capture.Flow, resp *http.Response) {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
	}

	flow.Response = &capture.Response{
		StatusCode:  resp.StatusCode,
		HTTPVersion: resp.Proto,
		Headers:     resp.Header.Clone(),
		Content:     body,
	}
	p.notify(func(o capture.Observer) { o.Response(flow) })

	header := w.Header()
	for name, values := range resp.Header {
		header[name] = append([]string(nil), values...)
	}
	removeHopHeaders(header)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

func upstreamHandshakeHeader(h http.Header) http.Header {
	out := h.Clone()
	removeHopHeaders(out)
	for _, name := range handshakeHeaders {
		out.Del(name)
	}
	return out
}

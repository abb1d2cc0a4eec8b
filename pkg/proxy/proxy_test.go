package proxy

import (
	"bufio"
	"compress/gzip"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httpseal/sealtap/pkg/capture"
	"github.com/httpseal/sealtap/pkg/cert"
)

type recordingObserver struct {
	mu        sync.Mutex
	requests  []*capture.Flow
	responses []*capture.Flow
	messages  []capture.Message
	ended     []string
}

func (o *recordingObserver) RequestHeaders(flow *capture.Flow) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, flow)
}

func (o *recordingObserver) Response(flow *capture.Flow) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses = append(o.responses, flow)
}

func (o *recordingObserver) StreamMessage(flow *capture.Flow) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, flow.Messages...)
}

func (o *recordingObserver) StreamEnd(flow *capture.Flow) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, flow.ID)
}

func (o *recordingObserver) counts() (requests, responses, messages, ended int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests), len(o.responses), len(o.messages), len(o.ended)
}

type testProxy struct {
	server   *httptest.Server
	observer *recordingObserver
	ca       *cert.CA
}

func newTestProxy(t *testing.T, observer capture.Observer, upstreamRoots *x509.CertPool) *testProxy {
	t.Helper()
	ca, err := cert.NewCA(t.TempDir(), nil)
	require.NoError(t, err)

	rec, _ := observer.(*recordingObserver)
	p := New(Options{
		Observer: observer,
		CA:       ca,
		RootCAs:  upstreamRoots,
		Timeout:  5 * time.Second,
	})
	srv := httptest.NewServer(p)
	t.Cleanup(func() {
		srv.Close()
		p.Close()
	})
	return &testProxy{server: srv, observer: rec, ca: ca}
}

func (tp *testProxy) client(t *testing.T) *http.Client {
	proxyURL, err := url.Parse(tp.server.URL)
	require.NoError(t, err)
	return &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{RootCAs: tp.ca.CertPool()},
		},
		Timeout: 10 * time.Second,
	}
}

func TestPlainHTTPExchange(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, "got %s", body)
	}))
	defer upstream.Close()

	tp := newTestProxy(t, &recordingObserver{}, nil)
	resp, err := tp.client(t).Post(upstream.URL+"/echo?x=1", "text/plain", strings.NewReader("ping"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "got ping", string(body))
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))

	obs := tp.observer
	require.Len(t, obs.requests, 1)
	require.Len(t, obs.responses, 1)
	req := obs.requests[0].Request
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, upstream.URL+"/echo?x=1", req.URL)
	assert.Equal(t, "HTTP/1.1", req.HTTPVersion)
	assert.Equal(t, "ping", string(req.Content))
	assert.Equal(t, strings.TrimPrefix(upstream.URL, "http://"), req.Headers.Get("Host"))
	assert.NotEmpty(t, obs.requests[0].ID)
	assert.Equal(t, obs.requests[0].ID, obs.responses[0].ID)
	assert.Equal(t, http.StatusCreated, obs.responses[0].Response.StatusCode)
	assert.Equal(t, "got ping", string(obs.responses[0].Response.Content))
}

func TestHTTPSInterceptionFeedsRecorder(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		fmt.Fprint(zw, `{"secure":true}`)
		zw.Close()
	}))
	defer upstream.Close()

	roots := x509.NewCertPool()
	roots.AddCert(upstream.Certificate())

	storage := capture.NewMemoryStorage()
	rec, err := capture.NewRecorder(capture.Options{Level: capture.LevelPerformance, Storage: storage})
	require.NoError(t, err)

	tp := newTestProxy(t, rec, roots)
	resp, err := tp.client(t).Get(upstream.URL + "/secure")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, `{"secure":true}`, string(body))
	assert.NotNil(t, resp.TLS, "client talked TLS to the proxy's leaf certificate")

	summary, err := rec.Done()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalRequests)
	assert.Equal(t, 1, summary.TotalResponses)
	assert.Equal(t, 1, summary.PerformanceMetricsCount)

	data, _ := storage.Artifact(capture.ActivityArtifact)
	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, upstream.URL+"/secure", entries[0]["url"])
	assert.Equal(t, `{"secure":true}`, entries[1]["body_preview"])
	assert.NotNil(t, entries[1]["duration_ms"])
}

func TestWebSocketRelay(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"chat"}}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	tp := newTestProxy(t, &recordingObserver{}, nil)
	proxyURL, _ := url.Parse(tp.server.URL)
	dialer := websocket.Dialer{
		Proxy:        http.ProxyURL(proxyURL),
		Subprotocols: []string{"chat"},
	}

	wsURL := "ws" + strings.TrimPrefix(upstream.URL, "http") + "/feed"
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.Equal(t, "chat", conn.Subprotocol())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(data))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "close code is relayed: %v", err)
			break
		}
	}
	conn.Close()

	assert.Eventually(t, func() bool {
		_, _, _, ended := tp.observer.counts()
		return ended == 1
	}, 5*time.Second, 20*time.Millisecond)

	obs := tp.observer
	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.messages, 2)
	assert.True(t, obs.messages[0].FromClient)
	assert.Equal(t, "hello", string(obs.messages[0].Content))
	assert.False(t, obs.messages[1].FromClient)
	assert.Equal(t, "echo:hello", string(obs.messages[1].Content))
	require.Len(t, obs.responses, 1)
	assert.Equal(t, http.StatusSwitchingProtocols, obs.responses[0].Response.StatusCode)
	assert.Equal(t, obs.requests[0].ID, obs.ended[0])
}

func TestWebSocketRejectedUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no sockets here", http.StatusForbidden)
	}))
	defer upstream.Close()

	tp := newTestProxy(t, &recordingObserver{}, nil)
	proxyURL, _ := url.Parse(tp.server.URL)
	dialer := websocket.Dialer{Proxy: http.ProxyURL(proxyURL)}

	_, resp, err := dialer.Dial("ws"+strings.TrimPrefix(upstream.URL, "http")+"/", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, responses, _, ended := tp.observer.counts()
	assert.Equal(t, 1, responses)
	assert.Zero(t, ended)
	assert.Equal(t, http.StatusForbidden, tp.observer.responses[0].Response.StatusCode)
}

func TestUpstreamFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	ln.Close()

	tp := newTestProxy(t, &recordingObserver{}, nil)
	resp, err := tp.client(t).Get("http://" + deadAddr + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	requests, responses, _, _ := tp.observer.counts()
	assert.Equal(t, 1, requests)
	assert.Zero(t, responses, "no response event without an upstream response")
}

func TestOriginFormRequestRejected(t *testing.T) {
	tp := newTestProxy(t, &recordingObserver{}, nil)
	resp, err := http.Get(tp.server.URL + "/not-a-proxy-request")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Session-Token")
	h.Set("X-Session-Token", "secret")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Authorization", "Basic Zm9vOmJhcg==")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Type", "text/plain")

	removeHopHeaders(h)
	assert.Equal(t, http.Header{"Content-Type": {"text/plain"}}, h)
}

func TestCloseMessageFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"normal", &websocket.CloseError{Code: websocket.CloseNormalClosure}, websocket.CloseNormalClosure},
		{"no status", &websocket.CloseError{Code: websocket.CloseNoStatusReceived}, websocket.CloseNormalClosure},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, websocket.CloseGoingAway},
		{"policy", &websocket.CloseError{Code: websocket.ClosePolicyViolation}, websocket.ClosePolicyViolation},
		{"io", io.ErrUnexpectedEOF, websocket.CloseGoingAway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := closeMessageFor(tt.err)
			require.GreaterOrEqual(t, len(msg), 2)
			assert.Equal(t, tt.code, int(msg[0])<<8|int(msg[1]))
		})
	}
}

type staticResolver map[string]string

func (r staticResolver) GetDomainForIP(ip string) (string, bool) {
	d, ok := r[ip]
	return d, ok
}

func TestTransparentServer(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "path=%s", r.URL.Path)
	}))
	defer upstream.Close()
	roots := x509.NewCertPool()
	roots.AddCert(upstream.Certificate())

	ca, err := cert.NewCA(t.TempDir(), nil)
	require.NoError(t, err)
	observer := &recordingObserver{}
	p := New(Options{Observer: observer, CA: ca, RootCAs: roots, Timeout: 5 * time.Second})

	ts := NewTransparentServer(p, staticResolver{"127.0.0.1": "mapped.test"}, 0, 0)
	require.NoError(t, ts.Start())
	defer ts.Stop(t.Context())

	addrs := ts.Addrs()
	require.Len(t, addrs, 1)
	_, port, err := net.SplitHostPort(addrs[0])
	require.NoError(t, err)

	// No SNI for IP literals, so the certificate comes from the DNS mapping
	conn, err := tls.Dial("tcp", net.JoinHostPort("127.0.0.1", port), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, []string{"mapped.test"}, conn.ConnectionState().PeerCertificates[0].DNSNames)

	upstreamHost := strings.TrimPrefix(upstream.URL, "https://")
	_, err = fmt.Fprintf(conn, "GET /through HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", upstreamHost)
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "path=/through", string(body))

	require.Len(t, observer.requests, 1)
	assert.Equal(t, "https://"+upstreamHost+"/through", observer.requests[0].Request.URL)
}

func TestTransparentServerRequiresCA(t *testing.T) {
	ts := NewTransparentServer(New(Options{}), staticResolver{}, 0, 0)
	assert.Error(t, ts.Start())
}

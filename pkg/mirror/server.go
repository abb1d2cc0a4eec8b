// Package mirror replays intercepted exchanges as plaintext HTTP over the
// loopback interface so packet tools such as Wireshark can decode them.
package mirror

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/httpseal/sealtap/pkg/capture"
	"github.com/httpseal/sealtap/pkg/logger"
)

const (
	// Headers tagging every mirrored exchange
	HeaderMirrorID     = "X-Sealtap-Mirror-Id"
	HeaderOriginalHost = "X-Sealtap-Original-Host"
	HeaderFlowID       = "X-Sealtap-Flow-Id"
	HeaderTimestamp    = "X-Sealtap-Timestamp"

	queueSize = 100

	// requestTTL bounds how long a request waits for its response; flows that
	// fail upstream never get one
	requestTTL    = 5 * time.Minute
	pruneInterval = time.Minute
)

// Exchange is one request/response pair waiting to be replayed
type Exchange struct {
	ID           uint64
	FlowID       string
	Timestamp    time.Time
	OriginalHost string
	Method       string
	RequestURI   string
	RequestHead  http.Header
	RequestBody  []byte
	StatusCode   int
	ResponseHead http.Header
	ResponseBody []byte
}

// Server is a capture.Observer. Each completed exchange is sent as a real
// HTTP request to its own listener, which answers with the recorded response.
type Server struct {
	port     int
	listener net.Listener
	logger   logger.Logger
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once

	nextID    atomic.Uint64
	mirrored  atomic.Uint64
	exchanges chan *Exchange

	now func() time.Time

	mu        sync.Mutex
	requests  map[string]pendingRequest // by flow ID, until the response arrives
	pending   map[uint64]*Exchange      // by mirror ID, until replayed
	lastPrune time.Time
}

type pendingRequest struct {
	req  *capture.Request
	seen time.Time
}

var _ capture.Observer = (*Server)(nil)

// NewServer creates a mirror bound to 127.0.0.1:port; port 0 picks a free one
func NewServer(port int, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		port:      port,
		logger:    log,
		stopCh:    make(chan struct{}),
		exchanges: make(chan *Exchange, queueSize),
		now:       time.Now,
		requests:  make(map[string]pendingRequest),
		pending:   make(map[uint64]*Exchange),
	}
}

// Start starts the HTTP mirror server
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on mirror port %d: %w", s.port, err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	s.logger.Info("HTTP mirror started on %s", listener.Addr())
	s.logger.Info("Capture interface 'lo' with filter 'tcp port %d' to see decrypted traffic", s.port)

	s.wg.Add(2)
	go s.acceptLoop()
	go s.processExchanges()
	return nil
}

// Stop closes the listener and waits for in-flight replays
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()

	s.mu.Lock()
	unanswered := len(s.requests)
	s.requests = make(map[string]pendingRequest)
	s.pending = make(map[uint64]*Exchange)
	s.mu.Unlock()
	s.logger.Debug("HTTP mirror stopped after %d exchanges, %d requests unanswered", s.mirrored.Load(), unanswered)
	return nil
}

// Port returns the port the mirror listens on
func (s *Server) Port() int {
	return s.port
}

// Mirrored returns the number of exchanges replayed so far
func (s *Server) Mirrored() uint64 {
	return s.mirrored.Load()
}

func (s *Server) RequestHeaders(flow *capture.Flow) {
	if flow == nil || flow.Request == nil {
		return
	}
	now := s.now()
	s.mu.Lock()
	s.requests[flow.ID] = pendingRequest{req: flow.Request, seen: now}
	if now.Sub(s.lastPrune) >= pruneInterval {
		s.pruneLocked(now)
	}
	s.mu.Unlock()
}

// pruneLocked drops requests that have waited longer than requestTTL
func (s *Server) pruneLocked(now time.Time) {
	s.lastPrune = now
	for id, p := range s.requests {
		if now.Sub(p.seen) > requestTTL {
			delete(s.requests, id)
			s.logger.Debug("Mirror dropped flow %s, no response after %v", id, requestTTL)
		}
	}
}

func (s *Server) Response(flow *capture.Flow) {
	if flow == nil || flow.Response == nil {
		return
	}
	s.mu.Lock()
	p, ok := s.requests[flow.ID]
	delete(s.requests, flow.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.mirror(flow.ID, p.req, flow.Response)
}

// WebSocket frames are not mirrored; the upgrade exchange is
func (s *Server) StreamMessage(flow *capture.Flow) {}

func (s *Server) StreamEnd(flow *capture.Flow) {}

func (s *Server) mirror(flowID string, req *capture.Request, resp *capture.Response) {
	exchange := &Exchange{
		ID:           s.nextID.Add(1),
		FlowID:       flowID,
		Timestamp:    time.Now(),
		Method:       req.Method,
		RequestURI:   "/",
		RequestHead:  plainHeaders(req.Headers),
		StatusCode:   resp.StatusCode,
		ResponseHead: plainHeaders(resp.Headers),
	}
	if u, err := url.Parse(req.URL); err == nil {
		exchange.OriginalHost = u.Host
		exchange.RequestURI = u.RequestURI()
	}

	// Replay decoded bodies so the capture shows readable payloads
	exchange.RequestBody = plainBody(req.Content, req.Body)
	exchange.ResponseBody = plainBody(resp.Content, resp.Body)

	s.mu.Lock()
	s.pending[exchange.ID] = exchange
	s.mu.Unlock()

	select {
	case s.exchanges <- exchange:
	case <-s.stopCh:
		s.drop(exchange.ID)
	default:
		s.drop(exchange.ID)
		s.logger.Warn("Mirror queue full, dropping flow %s", flowID)
	}
}

func (s *Server) drop(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// acceptLoop serves the replayed requests
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Error("Error accepting mirror connection: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection answers a replayed request with its recorded response.
// Requests without a mirror ID get a health check reply.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		s.logger.Debug("Failed to parse mirror request: %v", err)
		return
	}
	io.Copy(io.Discard, req.Body)

	idStr := req.Header.Get(HeaderMirrorID)
	if idStr == "" {
		writeText(conn, http.StatusOK, "sealtap mirror ready")
		return
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeText(conn, http.StatusBadRequest, "invalid mirror id")
		return
	}

	s.mu.Lock()
	exchange, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		writeText(conn, http.StatusNotFound, "exchange not found")
		return
	}

	header := exchange.ResponseHead.Clone()
	tagHeaders(header, exchange)
	resp := &http.Response{
		StatusCode:    exchange.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(exchange.ResponseBody)),
		ContentLength: int64(len(exchange.ResponseBody)),
		Close:         true,
	}
	if err := resp.Write(conn); err != nil {
		s.logger.Debug("Failed to write mirrored response %d: %v", id, err)
		return
	}
	s.mirrored.Add(1)
}

// processExchanges replays queued exchanges one at a time
func (s *Server) processExchanges() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case exchange := <-s.exchanges:
			if err := s.replay(exchange); err != nil {
				s.drop(exchange.ID)
				s.logger.Error("Failed to mirror flow %s: %v", exchange.FlowID, err)
			}
		}
	}
}

// replay sends the exchange's request over loopback and drains the answer
func (s *Server) replay(exchange *Exchange) error {
	conn, err := net.Dial("tcp", s.listener.Addr().String())
	if err != nil {
		return err
	}
	defer conn.Close()

	header := exchange.RequestHead.Clone()
	tagHeaders(header, exchange)
	req := &http.Request{
		Method:        exchange.Method,
		URL:           &url.URL{Opaque: exchange.RequestURI},
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Host:          exchange.OriginalHost,
		Header:        header,
		Body:          http.NoBody,
		ContentLength: int64(len(exchange.RequestBody)),
		Close:         true,
	}
	if len(exchange.RequestBody) > 0 {
		req.Body = io.NopCloser(bytes.NewReader(exchange.RequestBody))
	}
	if err := req.Write(conn); err != nil {
		return err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

func tagHeaders(h http.Header, exchange *Exchange) {
	h.Set(HeaderMirrorID, strconv.FormatUint(exchange.ID, 10))
	h.Set(HeaderOriginalHost, exchange.OriginalHost)
	h.Set(HeaderFlowID, exchange.FlowID)
	h.Set(HeaderTimestamp, exchange.Timestamp.Format(time.RFC3339))
}

// plainHeaders copies h without connection-specific headers. Bodies are
// replayed decoded, so Content-Encoding goes too.
func plainHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, name := range []string{"Connection", "Content-Length", "Transfer-Encoding", "Content-Encoding", "Host", "Upgrade"} {
		out.Del(name)
	}
	return out
}

// plainBody returns the decoded body, or nothing if it cannot be decoded
func plainBody(raw []byte, decode func() ([]byte, error)) []byte {
	if len(raw) == 0 {
		return nil
	}
	body, err := decode()
	if err != nil {
		return nil
	}
	return body
}

func writeText(w io.Writer, status int, message string) {
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(bytes.NewBufferString(message)),
		ContentLength: int64(len(message)),
		Close:         true,
	}
	resp.Write(w)
}

// Package capture records intercepted HTTP and WebSocket activity at a
// configurable level of detail and persists it when the session ends.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/httpseal/sealtap/pkg/content"
	"github.com/httpseal/sealtap/pkg/logger"
)

// Observer receives events from the interception engine
type Observer interface {
	// RequestHeaders is called once per flow when the request has been read
	RequestHeaders(flow *Flow)
	// Response is called once per flow when the response has been read
	Response(flow *Flow)
	// StreamMessage is called with the WebSocket messages received since the last call
	StreamMessage(flow *Flow)
	// StreamEnd is called when a WebSocket connection closes
	StreamEnd(flow *Flow)
}

// SessionIDLayout formats the session identifier from the session's creation time
const SessionIDLayout = "20060102_150405"

// Session describes one recording run
type Session struct {
	ID        string
	Level     Level
	CreatedAt time.Time
	Storage   Storage
}

// NewSessionID derives a session identifier from t
func NewSessionID(t time.Time) string {
	return t.Format(SessionIDLayout)
}

// Options configures a Recorder
type Options struct {
	Level   Level
	Storage Storage
	// Logger is the diagnostic sink; nil discards
	Logger logger.Logger
	// SessionID defaults to NewSessionID of the creation time
	SessionID string
	// Now defaults to time.Now
	Now func() time.Time
}

// Recorder is the capture pipeline. All handlers may be called concurrently;
// one mutex guards the level, the correlator and the aggregator.
type Recorder struct {
	session Session
	log     logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	level   Level
	timings *Correlator
	store   *Aggregator
	saved   map[string]bool // optional artifacts written by an earlier Done
}

var _ Observer = (*Recorder)(nil)

// NewRecorder creates a recorder for a new session
func NewRecorder(opts Options) (*Recorder, error) {
	if opts.Storage == nil {
		return nil, errors.New("capture: storage is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	created := opts.Now()
	id := opts.SessionID
	if id == "" {
		id = NewSessionID(created)
	}

	return &Recorder{
		session: Session{
			ID:        id,
			Level:     opts.Level,
			CreatedAt: created,
			Storage:   opts.Storage,
		},
		log:     opts.Logger,
		now:     opts.Now,
		level:   opts.Level,
		timings: NewCorrelator(),
		store:   NewAggregator(),
	}, nil
}

// Session returns the session this recorder belongs to
func (r *Recorder) Session() Session {
	return r.session
}

// Level returns the active capture level
func (r *Recorder) Level() Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

// Configure changes the capture level for every event processed afterwards.
// Entries already captured are left as they are.
func (r *Recorder) Configure(level Level) {
	r.mu.Lock()
	previous := r.level
	r.level = level
	r.mu.Unlock()

	if previous != level {
		r.log.Info("Capture level changed from %s to %s", previous, level)
	}
}

// RequestHeaders stamps the flow's start time and logs the request
func (r *Recorder) RequestHeaders(flow *Flow) {
	if flow == nil || flow.Request == nil {
		r.log.Warn("Ignoring request event without a request")
		return
	}
	now := r.now()
	req := flow.Request
	level := r.Level()

	entry := &RequestEntry{
		Timestamp:   now,
		Type:        KindRequest,
		Method:      req.Method,
		URL:         req.URL,
		Headers:     HeadersToMap(req.Headers),
		HTTPVersion: req.HTTPVersion,
		FlowID:      flow.ID,
	}
	if level.CaptureBodies() && len(req.Content) > 0 {
		body, decodeErr := req.Body()
		entry.BodySize, entry.BodyPreview = r.bodyFields(flow.ID, "request", req.Content, body, decodeErr, req.Headers.Get("Content-Type"))
	}

	r.mu.Lock()
	r.timings.RecordStart(flow.ID, now)
	r.store.AppendActivity(entry)
	r.mu.Unlock()

	r.log.Debug("Request %s: %s %s", flow.ID, req.Method, req.URL)
}

// Response times the flow against its request and logs the response
func (r *Recorder) Response(flow *Flow) {
	if flow == nil || flow.Response == nil {
		r.log.Warn("Ignoring response event without a response")
		return
	}
	now := r.now()
	resp := flow.Response

	var method, url string
	if flow.Request != nil {
		method = flow.Request.Method
		url = flow.Request.URL
	}

	r.mu.Lock()
	level := r.level
	elapsed, ok := r.timings.Elapsed(flow.ID, now)
	r.mu.Unlock()

	var duration *float64
	if ok {
		duration = durationMillis(elapsed)
	} else {
		r.log.Debug("No start time for flow %s, duration unknown", flow.ID)
	}

	var body []byte
	var decodeErr error
	if len(resp.Content) > 0 && (level.CaptureBodies() || level.RecordPerformance()) {
		body, decodeErr = resp.Body()
	}
	contentSize := len(body)
	if decodeErr != nil {
		contentSize = len(resp.Content)
	}

	entry := &ResponseEntry{
		Timestamp:   now,
		Type:        KindResponse,
		StatusCode:  resp.StatusCode,
		Headers:     HeadersToMap(resp.Headers),
		HTTPVersion: resp.HTTPVersion,
		DurationMs:  duration,
		URL:         url,
		FlowID:      flow.ID,
	}
	if level.CaptureBodies() && len(resp.Content) > 0 {
		entry.BodySize, entry.BodyPreview = r.bodyFields(flow.ID, "response", resp.Content, body, decodeErr, resp.Headers.Get("Content-Type"))
	}

	r.mu.Lock()
	if level.RecordPerformance() {
		r.store.UpsertPerformance(url, PerformanceRecord{
			Status:       resp.StatusCode,
			DurationMs:   duration,
			ContentSize:  contentSize,
			HeadersCount: headerFieldCount(resp.Headers),
			Method:       method,
			Timestamp:    now,
		})
	}
	r.store.AppendActivity(entry)
	r.mu.Unlock()

	if duration != nil {
		r.log.Debug("Response %s: %d %s (%.1fms)", flow.ID, resp.StatusCode, url, *duration)
	} else {
		r.log.Debug("Response %s: %d %s", flow.ID, resp.StatusCode, url)
	}
}

// StreamMessage records every message delivered with the event
func (r *Recorder) StreamMessage(flow *Flow) {
	if flow == nil || !r.Level().CaptureStreams() {
		return
	}

	var url string
	if flow.Request != nil {
		url = flow.Request.URL
	}

	entries := make([]StreamMessageEntry, 0, len(flow.Messages))
	for _, msg := range flow.Messages {
		entries = append(entries, StreamMessageEntry{
			Timestamp: r.now(),
			Direction: DirectionOf(msg.FromClient),
			Content:   content.Truncate(content.Lossy(msg.Content), MessagePreviewLimit),
			FlowID:    flow.ID,
			URL:       url,
		})
	}

	r.mu.Lock()
	for _, entry := range entries {
		r.store.AppendMessage(entry)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		r.log.Debug("WebSocket %s %s: %d bytes", flow.ID, entry.Direction, len(entry.Content))
	}
}

// StreamEnd notes the end of a WebSocket connection. It changes no state.
func (r *Recorder) StreamEnd(flow *Flow) {
	if flow == nil || !r.Level().CaptureStreams() {
		return
	}
	r.log.Debug("WebSocket %s closed", flow.ID)
}

// bodyFields computes body_size and body_preview. A body that cannot be
// decoded as text gets BinarySentinel as its preview.
func (r *Recorder) bodyFields(flowID, side string, raw, body []byte, decodeErr error, contentType string) (*int, *string) {
	size := len(body)
	if decodeErr != nil {
		size = len(raw)
	}

	preview := BinarySentinel
	if decodeErr == nil {
		if s, err := content.Text(body, contentType); err == nil {
			preview = content.Truncate(s, BodyPreviewLimit)
		} else {
			r.log.Debug("Flow %s %s body is not text: %v", flowID, side, err)
		}
	} else {
		r.log.Debug("Flow %s %s body could not be decoded: %v", flowID, side, decodeErr)
	}
	return &size, &preview
}

func (r *Recorder) snapshot() (Level, Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level, r.store.Snapshot()
}

func (r *Recorder) String() string {
	return fmt.Sprintf("session %s (level %s)", r.session.ID, r.Level())
}

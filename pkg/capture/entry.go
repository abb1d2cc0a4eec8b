package capture

import "time"

const (
	// BodyPreviewLimit caps request and response previews, in characters
	BodyPreviewLimit = 500
	// MessagePreviewLimit caps WebSocket message content, in characters
	MessagePreviewLimit = 1000
	// BinarySentinel replaces a body preview that cannot be decoded as text
	BinarySentinel = "<binary data>"
)

// EntryKind tags the two kinds of activity entries
type EntryKind string

const (
	KindRequest  EntryKind = "request"
	KindResponse EntryKind = "response"
)

// ActivityEntry is one record of the network activity log
type ActivityEntry interface {
	Kind() EntryKind
	At() time.Time
}

// RequestEntry records a request as its headers were observed
type RequestEntry struct {
	Timestamp   time.Time         `json:"timestamp"`
	Type        EntryKind         `json:"type"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	HTTPVersion string            `json:"http_version"`
	FlowID      string            `json:"flow_id"`
	BodySize    *int              `json:"body_size,omitempty"`
	BodyPreview *string           `json:"body_preview,omitempty"`
}

func (e *RequestEntry) Kind() EntryKind { return KindRequest }
func (e *RequestEntry) At() time.Time   { return e.Timestamp }

// ResponseEntry records a response. DurationMs is nil when the request start was never seen.
type ResponseEntry struct {
	Timestamp   time.Time         `json:"timestamp"`
	Type        EntryKind         `json:"type"`
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers"`
	HTTPVersion string            `json:"http_version"`
	DurationMs  *float64          `json:"duration_ms"`
	URL         string            `json:"url"`
	FlowID      string            `json:"flow_id"`
	BodySize    *int              `json:"body_size,omitempty"`
	BodyPreview *string           `json:"body_preview,omitempty"`
}

func (e *ResponseEntry) Kind() EntryKind { return KindResponse }
func (e *ResponseEntry) At() time.Time   { return e.Timestamp }

// PerformanceRecord is the latest response seen for a URL
type PerformanceRecord struct {
	Status       int       `json:"status"`
	DurationMs   *float64  `json:"duration_ms"`
	ContentSize  int       `json:"content_size"`
	HeadersCount int       `json:"headers_count"`
	Method       string    `json:"method"`
	Timestamp    time.Time `json:"timestamp"`
}

// Direction of a WebSocket message
type Direction string

const (
	DirectionClientToServer Direction = "client_to_server"
	DirectionServerToClient Direction = "server_to_client"
)

// DirectionOf maps the engine's origin flag to a Direction
func DirectionOf(fromClient bool) Direction {
	if fromClient {
		return DirectionClientToServer
	}
	return DirectionServerToClient
}

// StreamMessageEntry records one WebSocket message
type StreamMessageEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Direction Direction `json:"direction"`
	Content   string    `json:"content"`
	FlowID    string    `json:"flow_id"`
	URL       string    `json:"url"`
}

// ArtifactRefs points at the artifacts a finalize actually wrote.
// Optional artifacts that were not written are null.
type ArtifactRefs struct {
	NetworkActivity    string  `json:"network_activity"`
	PerformanceMetrics *string `json:"performance_metrics"`
	WebSocketMessages  *string `json:"websocket_messages"`
}

// SessionSummary is derived once per finalize and written last
type SessionSummary struct {
	SessionID               string       `json:"session_id"`
	Level                   Level        `json:"level"`
	StartTime               *time.Time   `json:"start_time"`
	EndTime                 time.Time    `json:"end_time"`
	TotalRequests           int          `json:"total_requests"`
	TotalResponses          int          `json:"total_responses"`
	PerformanceMetricsCount int          `json:"performance_metrics_count"`
	WebSocketMessagesCount  int          `json:"websocket_messages_count"`
	Files                   ArtifactRefs `json:"files"`
}

func durationMillis(d time.Duration) *float64 {
	ms := float64(d) / float64(time.Millisecond)
	return &ms
}

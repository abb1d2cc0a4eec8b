// Package har converts a recorded session into an HTTP Archive (HAR 1.2).
package har

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/httpseal/sealtap/pkg/capture"
)

// HAR represents the root HAR object
type HAR struct {
	Log Log `json:"log"`
}

// Log contains all HTTP transaction data
type Log struct {
	Version string  `json:"version"`
	Creator Creator `json:"creator"`
	Pages   []Page  `json:"pages"` // Required by HAR 1.2, must not use omitempty
	Entries []Entry `json:"entries"`
	Comment string  `json:"comment,omitempty"`
}

// Creator represents the application that created the HAR file
type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Comment string `json:"comment,omitempty"`
}

// Page represents a page; recorded sessions have none
type Page struct {
	StartedDateTime time.Time `json:"startedDateTime"`
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	PageTimings     Timings   `json:"pageTimings"`
}

// Entry represents a single HTTP transaction
type Entry struct {
	StartedDateTime time.Time `json:"startedDateTime"`
	Time            float64   `json:"time"`
	Request         Request   `json:"request"`
	Response        Response  `json:"response"`
	Cache           Cache     `json:"cache"`
	Timings         Timings   `json:"timings"`
	Connection      string    `json:"connection,omitempty"`
	Comment         string    `json:"comment,omitempty"`
	// WebSocketMessages follows the Chrome DevTools extension
	WebSocketMessages []WebSocketMessage `json:"_webSocketMessages,omitempty"`
}

// Request represents the HTTP request details
type Request struct {
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	HTTPVersion string      `json:"httpVersion"`
	Cookies     []Cookie    `json:"cookies"`
	Headers     []NameValue `json:"headers"`
	QueryString []NameValue `json:"queryString"`
	PostData    *PostData   `json:"postData,omitempty"`
	HeadersSize int         `json:"headersSize"`
	BodySize    int         `json:"bodySize"`
}

// Response represents the HTTP response details
type Response struct {
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText"`
	HTTPVersion string      `json:"httpVersion"`
	Cookies     []Cookie    `json:"cookies"`
	Headers     []NameValue `json:"headers"`
	Content     Content     `json:"content"`
	RedirectURL string      `json:"redirectURL"`
	HeadersSize int         `json:"headersSize"`
	BodySize    int         `json:"bodySize"`
	Comment     string      `json:"comment,omitempty"`
}

// Cookie represents a cookie
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
}

// NameValue represents a name-value pair for headers and query parameters
type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PostData represents request body data
type PostData struct {
	MimeType string      `json:"mimeType"`
	Params   []NameValue `json:"params"`
	Text     string      `json:"text"`
}

// Content represents response content
type Content struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// Cache is always empty for intercepted traffic
type Cache struct{}

// Timings represents timing information
type Timings struct {
	Blocked float64 `json:"blocked"`
	DNS     float64 `json:"dns"`
	Connect float64 `json:"connect"`
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// WebSocketMessage is one frame of a WebSocket entry
type WebSocketMessage struct {
	Type   string  `json:"type"` // send or receive
	Time   float64 `json:"time"` // seconds since the epoch
	Opcode int     `json:"opcode"`
	Data   string  `json:"data"`
}

// New creates an empty HAR document
func New(version string) *HAR {
	return &HAR{
		Log: Log{
			Version: "1.2",
			Creator: Creator{
				Name:    "sealtap",
				Version: version,
				Comment: "HTTP/WebSocket activity recorder",
			},
			Pages:   []Page{},
			Entries: []Entry{},
		},
	}
}

// Build pairs request and response records by flow ID, in request order, and
// attaches WebSocket messages to the entry of their flow. Bodies are the
// previews that were recorded, so they may be truncated.
func Build(version string, records []capture.ActivityRecord, messages []capture.StreamMessageEntry) *HAR {
	h := New(version)

	type pair struct {
		request  *capture.ActivityRecord
		response *capture.ActivityRecord
	}
	var order []string
	flows := make(map[string]*pair)
	for i := range records {
		rec := &records[i]
		p, ok := flows[rec.FlowID]
		if !ok {
			p = &pair{}
			flows[rec.FlowID] = p
			order = append(order, rec.FlowID)
		}
		switch rec.Type {
		case capture.KindRequest:
			if p.request == nil {
				p.request = rec
			}
		case capture.KindResponse:
			if p.response == nil {
				p.response = rec
			}
		}
	}

	byFlow := make(map[string][]WebSocketMessage)
	for _, msg := range messages {
		kind := "receive"
		if msg.Direction == capture.DirectionClientToServer {
			kind = "send"
		}
		byFlow[msg.FlowID] = append(byFlow[msg.FlowID], WebSocketMessage{
			Type:   kind,
			Time:   float64(msg.Timestamp.UnixNano()) / float64(time.Second),
			Opcode: 1,
			Data:   msg.Content,
		})
	}

	for _, id := range order {
		p := flows[id]
		entry := convertEntry(p.request, p.response)
		entry.WebSocketMessages = byFlow[id]
		h.Log.Entries = append(h.Log.Entries, entry)
	}
	return h
}

// FromSession builds a HAR document from a session directory
func FromSession(dir, version string) (*HAR, error) {
	records, err := capture.LoadActivity(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity: %w", err)
	}
	messages, err := capture.LoadMessages(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load websocket messages: %w", err)
	}
	h := Build(version, records, messages)
	if summary, err := capture.LoadSummary(dir); err == nil {
		h.Log.Comment = fmt.Sprintf("session %s, capture level %s", summary.SessionID, summary.Level)
	}
	return h, nil
}

func convertEntry(req, resp *capture.ActivityRecord) Entry {
	entry := Entry{
		Cache: Cache{},
		Timings: Timings{
			DNS:     -1, // Not applicable for intercepted traffic
			Connect: -1,
		},
	}

	if req != nil {
		entry.StartedDateTime = req.Timestamp
		entry.Request = convertRequest(req)
	} else if resp != nil {
		entry.StartedDateTime = resp.Timestamp
		entry.Request = Request{URL: resp.URL, HTTPVersion: normalizeVersion(resp.HTTPVersion)}
		entry.Comment = "request not captured"
	}
	if entry.Request.Cookies == nil {
		entry.Request.Cookies = []Cookie{}
		entry.Request.Headers = []NameValue{}
		entry.Request.QueryString = []NameValue{}
		entry.Request.HeadersSize = -1
		entry.Request.BodySize = -1
	}

	if resp == nil {
		entry.Response = Response{
			HTTPVersion: entry.Request.HTTPVersion,
			Cookies:     []Cookie{},
			Headers:     []NameValue{},
			Content:     Content{MimeType: "x-unknown"},
			HeadersSize: -1,
			BodySize:    -1,
			Comment:     "no response captured",
		}
		return entry
	}

	entry.Response = convertResponse(resp)
	if resp.DurationMs != nil {
		entry.Time = *resp.DurationMs
		entry.Timings.Wait = *resp.DurationMs
	}
	return entry
}

func convertRequest(rec *capture.ActivityRecord) Request {
	req := Request{
		Method:      rec.Method,
		URL:         rec.URL,
		HTTPVersion: normalizeVersion(rec.HTTPVersion),
		Cookies:     requestCookies(rec.Headers),
		Headers:     nameValues(rec.Headers),
		QueryString: queryString(rec.URL),
		HeadersSize: calculateHeadersSize(rec.Headers),
		BodySize:    0,
	}
	if rec.BodySize != nil {
		req.BodySize = *rec.BodySize
	}
	if rec.BodyPreview != nil && *rec.BodyPreview != capture.BinarySentinel {
		mimeType := headerValue(rec.Headers, "Content-Type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		req.PostData = &PostData{
			MimeType: mimeType,
			Params:   formParams(mimeType, *rec.BodyPreview),
			Text:     *rec.BodyPreview,
		}
	}
	return req
}

func convertResponse(rec *capture.ActivityRecord) Response {
	resp := Response{
		Status:      rec.StatusCode,
		StatusText:  http.StatusText(rec.StatusCode),
		HTTPVersion: normalizeVersion(rec.HTTPVersion),
		Cookies:     responseCookies(rec.Headers),
		Headers:     nameValues(rec.Headers),
		Content: Content{
			MimeType: headerValue(rec.Headers, "Content-Type"),
		},
		RedirectURL: headerValue(rec.Headers, "Location"),
		HeadersSize: calculateHeadersSize(rec.Headers),
		BodySize:    -1,
	}
	if rec.BodySize != nil {
		resp.Content.Size = *rec.BodySize
		resp.BodySize = *rec.BodySize
	}
	if rec.BodyPreview != nil {
		if *rec.BodyPreview == capture.BinarySentinel {
			resp.Content.Comment = "binary content not recorded"
		} else {
			resp.Content.Text = *rec.BodyPreview
		}
	}
	return resp
}

// Helper functions

// nameValues converts a header map to a list sorted by name
func nameValues(headers map[string]string) []NameValue {
	out := make([]NameValue, 0, len(headers))
	for name, value := range headers {
		out = append(out, NameValue{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// headerValue looks a header up case-insensitively
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func queryString(rawURL string) []NameValue {
	out := []NameValue{}
	u, err := url.Parse(rawURL)
	if err != nil {
		return out
	}
	for name, values := range u.Query() {
		for _, v := range values {
			out = append(out, NameValue{Name: name, Value: v})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func formParams(mimeType, body string) []NameValue {
	out := []NameValue{}
	if !strings.HasPrefix(mimeType, "application/x-www-form-urlencoded") {
		return out
	}
	values, err := url.ParseQuery(body)
	if err != nil {
		return out
	}
	for name, vs := range values {
		for _, v := range vs {
			out = append(out, NameValue{Name: name, Value: v})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func requestCookies(headers map[string]string) []Cookie {
	out := []Cookie{}
	line := headerValue(headers, "Cookie")
	if line == "" {
		return out
	}
	cookies, err := http.ParseCookie(line)
	if err != nil {
		return out
	}
	for _, c := range cookies {
		out = append(out, Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// responseCookies reads the one Set-Cookie value the activity log keeps
func responseCookies(headers map[string]string) []Cookie {
	out := []Cookie{}
	line := headerValue(headers, "Set-Cookie")
	if line == "" {
		return out
	}
	c, err := http.ParseSetCookie(line)
	if err != nil {
		return out
	}
	return append(out, Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		HTTPOnly: c.HttpOnly,
		Secure:   c.Secure,
	})
}

// normalizeVersion maps protocol strings to the HAR form
func normalizeVersion(proto string) string {
	switch proto {
	case "HTTP/1.0", "1.0":
		return "HTTP/1.0"
	case "HTTP/2.0", "HTTP/2", "2.0":
		return "HTTP/2.0"
	case "HTTP/3", "HTTP/3.0":
		return "HTTP/3.0"
	default:
		return "HTTP/1.1"
	}
}

// calculateHeadersSize estimates headers size (rough calculation)
func calculateHeadersSize(headers map[string]string) int {
	size := 0
	for name, value := range headers {
		size += len(name) + len(value) + 4 // name: value\r\n
	}
	return size
}

// ToJSON converts HAR to JSON bytes
func (h *HAR) ToJSON() ([]byte, error) {
	return json.MarshalIndent(h, "", "  ")
}

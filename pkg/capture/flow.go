package capture

import (
	"net/http"

	"github.com/httpseal/sealtap/pkg/content"
)

// Flow is one request/response exchange, or one WebSocket connection, as
// delivered by the interception engine. ID is opaque and stays the same for
// every message of a WebSocket connection.
type Flow struct {
	ID       string
	Request  *Request
	Response *Response
	// Messages holds the WebSocket messages delivered with this event
	Messages []Message
}

// Request is the client side of a flow
type Request struct {
	Method      string
	URL         string
	HTTPVersion string
	Headers     http.Header
	// Content is the body as seen on the wire, still content-encoded
	Content []byte
}

// Response is the server side of a flow
type Response struct {
	StatusCode  int
	HTTPVersion string
	Headers     http.Header
	Content     []byte
}

// Message is one WebSocket message
type Message struct {
	FromClient bool
	Content    []byte
}

// Body returns the request body with any Content-Encoding removed
func (r *Request) Body() ([]byte, error) {
	return content.Decompress(r.Content, r.Headers.Get("Content-Encoding"))
}

// Text returns the decoded request body as a string
func (r *Request) Text() (string, error) {
	return decodeText(r.Content, r.Headers)
}

// Body returns the response body with any Content-Encoding removed
func (r *Response) Body() ([]byte, error) {
	return content.Decompress(r.Content, r.Headers.Get("Content-Encoding"))
}

// Text returns the decoded response body as a string
func (r *Response) Text() (string, error) {
	return decodeText(r.Content, r.Headers)
}

func decodeText(raw []byte, headers http.Header) (string, error) {
	body, err := content.Decompress(raw, headers.Get("Content-Encoding"))
	if err != nil {
		return "", err
	}
	return content.Text(body, headers.Get("Content-Type"))
}

// HeadersToMap converts http.Header to map[string]string, keeping the first value of each key
func HeadersToMap(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) > 0 {
			result[name] = values[0]
		}
	}
	return result
}

// headerFieldCount counts header fields, so a repeated header counts once per occurrence
func headerFieldCount(headers http.Header) int {
	n := 0
	for _, values := range headers {
		n += len(values)
	}
	return n
}

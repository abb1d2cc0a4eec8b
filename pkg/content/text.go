// Package content turns captured HTTP payloads into bounded text previews.
package content

import (
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

var (
	// ErrNotText means the payload is not valid text in its declared or default charset
	ErrNotText = errors.New("content is not valid text")
	// ErrUnknownCharset means the Content-Type names a charset we do not know
	ErrUnknownCharset = errors.New("unknown charset")
)

// Replacement is substituted for undecodable bytes in lossy decoding
const Replacement = "\uFFFD"

// Text decodes body according to the charset parameter of contentType.
// Without a charset the body must be valid UTF-8.
func Text(body []byte, contentType string) (string, error) {
	enc, err := charsetFor(contentType)
	if err != nil {
		return "", err
	}

	if enc == nil || enc == unicode.UTF8 {
		if !utf8.Valid(body) {
			return "", ErrNotText
		}
		return string(body), nil
	}

	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotText, err)
	}
	if !utf8.Valid(decoded) {
		return "", ErrNotText
	}
	return string(decoded), nil
}

// charsetFor returns nil when the content type carries no charset
func charsetFor(contentType string) (encoding.Encoding, error) {
	if contentType == "" {
		return nil, nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, nil
	}
	name, ok := params["charset"]
	if !ok || name == "" {
		return nil, nil
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCharset, name)
	}
	return enc, nil
}

// Lossy interprets b as UTF-8, replacing every invalid sequence with Replacement
func Lossy(b []byte) string {
	return strings.ToValidUTF8(string(b), Replacement)
}

// Truncate returns at most limit characters of s
func Truncate(s string, limit int) string {
	if limit < 0 {
		return s
	}
	if len(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

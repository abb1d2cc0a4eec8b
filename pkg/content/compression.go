package content

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned for a Content-Encoding token we cannot undo
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// CompressionType represents the type of compression used
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionGzip
	CompressionDeflate
	CompressionBrotli
	CompressionZstd
	CompressionUnknown
)

// String returns the string representation of compression type
func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionDeflate:
		return "deflate"
	case CompressionBrotli:
		return "br"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a single Content-Encoding token to a CompressionType
func ParseCompressionType(token string) CompressionType {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "", "identity":
		return CompressionNone
	case "gzip", "x-gzip":
		return CompressionGzip
	case "deflate":
		return CompressionDeflate
	case "br", "brotli":
		return CompressionBrotli
	case "zstd":
		return CompressionZstd
	default:
		return CompressionUnknown
	}
}

// MaxDecodedSize caps how far a compressed body is expanded
const MaxDecodedSize = 1 << 20

// ErrTooLarge is returned when a body expands past the decode limit
var ErrTooLarge = errors.New("decoded body exceeds size limit")

// Decompress undoes every coding listed in contentEncoding, expanding at most
// MaxDecodedSize bytes.
func Decompress(body []byte, contentEncoding string) ([]byte, error) {
	return DecompressLimit(body, contentEncoding, MaxDecodedSize)
}

// DecompressLimit is Decompress with an explicit limit. Codings are listed
// in the order they were applied, so they are removed back to front; every
// stage is bounded by limit.
func DecompressLimit(body []byte, contentEncoding string, limit int64) ([]byte, error) {
	if contentEncoding == "" || len(body) == 0 {
		return body, nil
	}

	tokens := strings.Split(contentEncoding, ",")
	result := body
	for i := len(tokens) - 1; i >= 0; i-- {
		var err error
		result, err = decompressOne(result, tokens[i], limit)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func decompressOne(data []byte, token string, limit int64) ([]byte, error) {
	switch ParseCompressionType(token) {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		return decompressGzip(data, limit)
	case CompressionDeflate:
		return decompressDeflate(data, limit)
	case CompressionBrotli:
		return decompressBrotli(data, limit)
	case CompressionZstd:
		return decompressZstd(data, limit)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, strings.TrimSpace(token))
	}
}

// readLimited reads r to the end, failing once more than limit bytes appear
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w of %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

// decompressGzip decompresses gzip-compressed data
func decompressGzip(data []byte, limit int64) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	result, err := readLimited(reader, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress gzip data: %w", err)
	}
	return result, nil
}

// decompressDeflate accepts both the zlib-wrapped form the RFC asks for and
// the raw deflate stream some servers send instead.
func decompressDeflate(data []byte, limit int64) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
		defer zr.Close()
		result, err := readLimited(zr, limit)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrTooLarge) {
			return nil, fmt.Errorf("failed to decompress deflate data: %w", err)
		}
	}

	reader := flate.NewReader(bytes.NewReader(data))
	defer reader.Close()

	result, err := readLimited(reader, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress deflate data: %w", err)
	}
	return result, nil
}

// decompressBrotli decompresses brotli-compressed data
func decompressBrotli(data []byte, limit int64) ([]byte, error) {
	result, err := readLimited(brotli.NewReader(bytes.NewReader(data)), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress brotli data: %w", err)
	}
	return result, nil
}

// decompressZstd decompresses zstd-compressed data as a stream so the
// frame's declared size cannot force a large allocation
func decompressZstd(data []byte, limit int64) ([]byte, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer decoder.Close()

	result, err := readLimited(decoder, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress zstd data: %w", err)
	}
	return result, nil
}

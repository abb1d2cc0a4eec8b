package content

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{"hello":"world","items":[1,2,3]}`

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zlibBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func rawDeflateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func TestDecompress(t *testing.T) {
	body := []byte(sample)

	tests := []struct {
		name     string
		encoding string
		input    []byte
	}{
		{"identity", "", body},
		{"explicit identity", "identity", body},
		{"gzip", "gzip", gzipBytes(t, body)},
		{"x-gzip", "x-gzip", gzipBytes(t, body)},
		{"deflate zlib", "deflate", zlibBytes(t, body)},
		{"deflate raw", "deflate", rawDeflateBytes(t, body)},
		{"brotli", "br", brotliBytes(t, body)},
		{"zstd", "zstd", zstdBytes(t, body)},
		{"stacked", "gzip, br", brotliBytes(t, gzipBytes(t, body))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decompress(tt.input, tt.encoding)
			require.NoError(t, err)
			assert.Equal(t, sample, string(got))
		})
	}
}

func TestDecompressErrors(t *testing.T) {
	_, err := Decompress([]byte("abc"), "compress")
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)

	_, err = Decompress([]byte("definitely not gzip"), "gzip")
	assert.Error(t, err)
}

func TestDecompressGzipBomb(t *testing.T) {
	// 64 MiB of zeros compresses to well under 100 KiB
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	chunk := make([]byte, 1<<20)
	for i := 0; i < 64; i++ {
		_, err := w.Write(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.Less(t, buf.Len(), 1<<20)

	got, err := Decompress(buf.Bytes(), "gzip")
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Nil(t, got)
}

func TestDecompressLimit(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 100)

	tests := []struct {
		name     string
		encoding string
		input    []byte
	}{
		{"gzip", "gzip", gzipBytes(t, body)},
		{"deflate zlib", "deflate", zlibBytes(t, body)},
		{"deflate raw", "deflate", rawDeflateBytes(t, body)},
		{"brotli", "br", brotliBytes(t, body)},
		{"zstd", "zstd", zstdBytes(t, body)},
		{"stacked", "gzip, br", brotliBytes(t, gzipBytes(t, body))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecompressLimit(tt.input, tt.encoding, 100)
			require.NoError(t, err, "a body exactly at the limit decodes")
			assert.Len(t, got, 100)

			_, err = DecompressLimit(tt.input, tt.encoding, 99)
			assert.ErrorIs(t, err, ErrTooLarge)
		})
	}
}

func TestCompressionTypeString(t *testing.T) {
	assert.Equal(t, "gzip", ParseCompressionType("GZIP").String())
	assert.Equal(t, "br", ParseCompressionType("brotli").String())
	assert.Equal(t, "zstd", ParseCompressionType(" zstd ").String())
	assert.Equal(t, "none", ParseCompressionType("identity").String())
	assert.Equal(t, "unknown", ParseCompressionType("lzma").String())
}

func TestText(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		contentType string
		want        string
		wantErr     error
	}{
		{"plain utf8", []byte("héllo"), "", "héllo", nil},
		{"json without charset", []byte(sample), "application/json", sample, nil},
		{"explicit utf8", []byte("héllo"), "text/plain; charset=UTF-8", "héllo", nil},
		{"latin1", []byte("caf\xe9"), "text/html; charset=ISO-8859-1", "café", nil},
		{"invalid utf8", []byte{0xff, 0xfe, 0x00, 0x01}, "application/octet-stream", "", ErrNotText},
		{"unknown charset", []byte("x"), "text/plain; charset=klingon", "", ErrUnknownCharset},
		{"malformed content type", []byte("ok"), ";;;", "ok", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Text(tt.body, tt.contentType)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLossy(t *testing.T) {
	assert.Equal(t, "ok", Lossy([]byte("ok")))
	assert.Equal(t, "a\uFFFDb", Lossy([]byte{'a', 0xff, 'b'}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hel", Truncate("hello", 3))
	assert.Equal(t, "", Truncate("hello", 0))
	assert.Equal(t, "héé", Truncate("hééllo", 3), "counts characters, not bytes")
	assert.Equal(t, "日本", Truncate("日本語", 2))
	assert.Equal(t, "abc", Truncate("abc", -1))
}

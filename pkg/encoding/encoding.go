package encoding

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"session-capture-proxy/pkg/types"
)

// ContentEncoding is an HTTP Content-Encoding token.
type ContentEncoding string

const (
	Gzip     ContentEncoding = "gzip"
	Deflate  ContentEncoding = "deflate"
	Brotli   ContentEncoding = "br"
	Zstd     ContentEncoding = "zstd"
	Identity ContentEncoding = "identity"
)

// Encoder interface for content encoding
type Encoder interface {
	Encode(data []byte) ([]byte, error)
}

// Decoder interface for content decoding
type Decoder interface {
	Decode(data []byte) ([]byte, error)
}

// ParseContentEncoding normalizes a header value. Only the last coding of a
// list is returned since it is the one applied last.
func ParseContentEncoding(header string) ContentEncoding {
	header = strings.TrimSpace(strings.ToLower(header))
	if i := strings.LastIndex(header, ","); i >= 0 {
		header = strings.TrimSpace(header[i+1:])
	}
	switch header {
	case "gzip", "x-gzip":
		return Gzip
	case "":
		return Identity
	default:
		return ContentEncoding(header)
	}
}

// GzipEncoder implements gzip compression
type GzipEncoder struct {
	Level int
}

func NewGzipEncoder(level int) *GzipEncoder {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return &GzipEncoder{Level: level}
}

func (e *GzipEncoder) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, e.Level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer creation failed: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("gzip encoding failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip writer close failed: %w", err)
	}
	return buf.Bytes(), nil
}

// GzipDecoder implements gzip decompression
type GzipDecoder struct{}

func (GzipDecoder) Decode(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader creation failed: %w", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gzip decoding failed: %w", err)
	}
	return decompressed, nil
}

// DeflateDecoder implements deflate decompression
type DeflateDecoder struct{}

func (DeflateDecoder) Decode(data []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(data))
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("deflate decoding failed: %w", err)
	}
	return decompressed, nil
}

// BrotliEncoder implements Brotli compression
type BrotliEncoder struct {
	Level int
}

func (e BrotliEncoder) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := brotli.NewWriterLevel(&buf, e.Level)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("brotli encoding failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("brotli writer close failed: %w", err)
	}
	return buf.Bytes(), nil
}

// BrotliDecoder implements Brotli decompression
type BrotliDecoder struct{}

func (BrotliDecoder) Decode(data []byte) ([]byte, error) {
	decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("brotli decoding failed: %w", err)
	}
	return decompressed, nil
}

// ZstdDecoder implements Zstandard decompression
type ZstdDecoder struct{}

func (ZstdDecoder) Decode(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder creation failed: %w", err)
	}
	defer decoder.Close()

	decompressed, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoding failed: %w", err)
	}
	return decompressed, nil
}

// IdentityDecoder implements no decompression (passthrough)
type IdentityDecoder struct{}

func (IdentityDecoder) Decode(data []byte) ([]byte, error) {
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// CreateDecoder creates decoders based on ContentEncoding
func CreateDecoder(enc ContentEncoding) (Decoder, error) {
	switch enc {
	case Gzip:
		return GzipDecoder{}, nil
	case Deflate:
		return DeflateDecoder{}, nil
	case Brotli:
		return BrotliDecoder{}, nil
	case Zstd:
		return ZstdDecoder{}, nil
	case Identity:
		return IdentityDecoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported encoding type: %s", enc)
	}
}

// Decompress decodes body according to a Content-Encoding header value.
func Decompress(contentEncoding string, body []byte) ([]byte, error) {
	enc := ParseContentEncoding(contentEncoding)
	decoder, err := CreateDecoder(enc)
	if err != nil {
		return nil, types.NewEncodingError("cannot decode body", err)
	}
	out, err := decoder.Decode(body)
	if err != nil {
		return nil, types.NewEncodingError("cannot decode body", err).WithContext("encoding", string(enc))
	}
	return out, nil
}

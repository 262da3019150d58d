package encoding

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"session-capture-proxy/pkg/types"
)

var testData = []byte(`{"ret":0,"errmsg":"ok","general_msg_list":"{\"list\":[]}"} ` +
	`repeated payload to make compression effective, repeated payload to make compression effective`)

func TestGzipEncodeDecode(t *testing.T) {
	compressed, err := NewGzipEncoder(6).Encode(testData)
	if err != nil {
		t.Fatalf("Gzip encoding failed: %v", err)
	}

	decompressed, err := Decompress("GZIP", compressed)
	if err != nil {
		t.Fatalf("Gzip decoding failed: %v", err)
	}
	if !bytes.Equal(testData, decompressed) {
		t.Errorf("Decompressed data does not match original")
	}
}

func TestBrotliEncodeDecode(t *testing.T) {
	compressed, err := BrotliEncoder{Level: 6}.Encode(testData)
	if err != nil {
		t.Fatalf("Brotli encoding failed: %v", err)
	}

	decompressed, err := Decompress("br", compressed)
	if err != nil {
		t.Fatalf("Brotli decoding failed: %v", err)
	}
	if !bytes.Equal(testData, decompressed) {
		t.Errorf("Decompressed data does not match original")
	}
}

func TestZstdDecode(t *testing.T) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd encoder creation failed: %v", err)
	}
	compressed := encoder.EncodeAll(testData, nil)
	encoder.Close()

	decompressed, err := Decompress("zstd", compressed)
	if err != nil {
		t.Fatalf("Zstd decoding failed: %v", err)
	}
	if !bytes.Equal(testData, decompressed) {
		t.Errorf("Decompressed data does not match original")
	}
}

func TestParseContentEncoding(t *testing.T) {
	tests := []struct {
		header string
		want   ContentEncoding
	}{
		{"", Identity},
		{"gzip", Gzip},
		{" GZip ", Gzip},
		{"x-gzip", Gzip},
		{"deflate, br", Brotli},
		{"zstd", Zstd},
		{"identity", Identity},
	}

	for _, tt := range tests {
		if got := ParseContentEncoding(tt.header); got != tt.want {
			t.Errorf("ParseContentEncoding(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestDecompress_Errors(t *testing.T) {
	if _, err := Decompress("gzip", []byte("not gzip at all")); !types.IsErrorType(err, types.ErrorTypeEncoding) {
		t.Errorf("Expected encoding error for corrupt gzip, got %v", err)
	}
	if _, err := Decompress("compress", testData); !types.IsErrorType(err, types.ErrorTypeEncoding) {
		t.Errorf("Expected encoding error for unsupported coding, got %v", err)
	}
}

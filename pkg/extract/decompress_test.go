package extract

import (
	"net/http"
	"testing"

	"session-capture-proxy/pkg/encoding"
)

func TestDecompressIfEncoded(t *testing.T) {
	plain := []byte(`{"ret":0}`)
	gz, err := encoding.NewGzipEncoder(6).Encode(plain)
	if err != nil {
		t.Fatalf("Failed to gzip: %v", err)
	}

	header := http.Header{}
	header.Set("content-encoding", "GZIP")
	if got := DecompressIfEncoded(header, gz); string(got) != string(plain) {
		t.Errorf("Expected %q, got %q", plain, got)
	}

	if got := DecompressIfEncoded(http.Header{}, plain); string(got) != string(plain) {
		t.Errorf("Expected passthrough, got %q", got)
	}

	if got := DecompressIfEncoded(header, []byte("corrupt")); got != nil {
		t.Errorf("Expected nil on failure, got %q", got)
	}
}

package extract

import (
	"bytes"
	"io"
	"math/rand"
	"net/http/httputil"
	"testing"
)

func encodeChunked(t *testing.T, data []byte, chunk int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := httputil.NewChunkedWriter(&buf)
	for len(data) > 0 {
		n := chunk
		if n > len(data) {
			n = len(data)
		}
		if _, err := w.Write(data[:n]); err != nil {
			t.Fatalf("Failed to write chunk: %v", err)
		}
		data = data[n:]
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close chunked writer: %v", err)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func TestDecodeChunked_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, size := range []int{0, 1, 17, 4096, 100000} {
		data := make([]byte, size)
		rng.Read(data)

		encoded := encodeChunked(t, data, 1000)
		decoded, complete := DecodeChunked(encoded)
		if !complete {
			t.Errorf("size %d: expected complete stream", size)
		}
		if !bytes.Equal(decoded, data) {
			t.Errorf("size %d: decoded data differs", size)
		}
	}
}

func TestDecodeChunked_Truncated(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefghij"), 50)
	encoded := encodeChunked(t, data, 100)

	for _, cut := range []int{0, 3, 105, 250, len(encoded) - 6} {
		decoded, complete := DecodeChunked(encoded[:cut])
		if complete {
			t.Errorf("cut %d: expected incomplete stream", cut)
		}
		if !bytes.HasPrefix(data, decoded) {
			t.Errorf("cut %d: partial result is not a prefix of the original", cut)
		}
	}
}

func TestDecodeChunked_Malformed(t *testing.T) {
	decoded, complete := DecodeChunked([]byte("5\r\nhello\r\nzz\r\nworld\r\n0\r\n\r\n"))
	if complete || string(decoded) != "hello" {
		t.Errorf("Expected partial %q, got %q complete=%v", "hello", decoded, complete)
	}

	decoded, complete = DecodeChunked([]byte("5;ext=1\r\nhelloXX3\r\nabc"))
	if complete || string(decoded) != "hello" {
		t.Errorf("Expected missing CRLF to stop decoding, got %q", decoded)
	}
}

func TestDecodeChunked_MatchesStdlib(t *testing.T) {
	data := []byte("The quick brown fox jumps over the lazy dog")
	encoded := encodeChunked(t, data, 7)

	expected, err := io.ReadAll(httputil.NewChunkedReader(bytes.NewReader(encoded)))
	if err != nil {
		t.Fatalf("stdlib reader failed: %v", err)
	}
	decoded, _ := DecodeChunked(encoded)
	if !bytes.Equal(decoded, expected) {
		t.Errorf("Expected %q, got %q", expected, decoded)
	}
}

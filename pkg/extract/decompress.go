package extract

import (
	"log/slog"
	"net/http"

	"session-capture-proxy/pkg/encoding"
)

// DecompressIfEncoded decodes body according to its Content-Encoding
// header. A failure is logged and yields nil so that callers on the relay
// path can simply drop the capture.
func DecompressIfEncoded(header http.Header, body []byte) []byte {
	ce := header.Get("Content-Encoding")
	if encoding.ParseContentEncoding(ce) == encoding.Identity {
		return body
	}
	out, err := encoding.Decompress(ce, body)
	if err != nil {
		slog.Debug("Failed to decompress captured body", "encoding", ce, "size", len(body), "error", err)
		return nil
	}
	return out
}

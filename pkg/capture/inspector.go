package capture

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"session-capture-proxy/pkg/charset"
	"session-capture-proxy/pkg/config"
	"session-capture-proxy/pkg/extract"
	"session-capture-proxy/pkg/interfaces"
	"session-capture-proxy/pkg/metrics"
	"session-capture-proxy/pkg/types"
)

// Inspector holds the interception logic shared by the proxy engines:
// credential detection on requests and record parsing on captured
// responses. It is safe for concurrent use.
type Inspector struct {
	target  config.Target
	sink    Sink
	records *RecordSet
	logger  *slog.Logger
	metrics interfaces.MetricsCollector
}

// NewInspector creates an inspector. Nil sink, logger or collector fall
// back to Discard, slog.Default() and a no-op collector.
func NewInspector(target config.Target, sink Sink, logger *slog.Logger, collector interfaces.MetricsCollector) *Inspector {
	if sink == nil {
		sink = Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Inspector{
		target:  target,
		sink:    sink,
		records: NewRecordSet(),
		logger:  logger,
		metrics: collector,
	}
}

// Reset forgets the records of a previous session.
func (i *Inspector) Reset() {
	i.records.Reset()
}

// Intercepts reports whether TLS to host should be terminated.
func (i *Inspector) Intercepts(host string) bool {
	return i.target.MatchesHost(host)
}

// InspectRequest runs credential extraction on one request and emits a
// credential event on success.
func (i *Inspector) InspectRequest(ctx context.Context, host, requestTarget, cookieHeader string) (*types.Credential, bool) {
	cred, ok := extract.ExtractCredential(i.target, host, requestTarget, cookieHeader)
	if !ok {
		if i.target.MatchesHost(host) && i.target.IsCredentialRequest(requestTarget) {
			i.logger.Debug("Credential request without critical fields", "host", host)
		}
		return nil, false
	}

	i.logger.Info("Credential captured",
		"host", cred.Host,
		"path", cred.Path,
		"fields", len(cred.Fields),
		"has_key", cred.HasKey,
		"has_token", cred.HasToken)
	i.metrics.RecordCredential()
	i.sink.Emit(ctx, Event{Kind: EventCredential, Credential: cred, At: time.Now()})
	return cred, true
}

// IsCaptureRequest reports whether the response to this request should be
// buffered and handed to ProcessResponse.
func (i *Inspector) IsCaptureRequest(host, requestTarget string) bool {
	return i.target.MatchesHost(host) && i.target.IsCaptureRequest(requestTarget)
}

// ProcessResponse parses a raw response as read from the wire, head
// included. It returns the number of records new to the session.
func (i *Inspector) ProcessResponse(ctx context.Context, raw []byte) int {
	head, body, ok := extract.SplitResponse(raw)
	if !ok {
		i.logger.Debug("Captured response has no complete head", "size", len(raw))
		return 0
	}
	if code := extract.StatusCode(head); code < 200 || code > 299 {
		i.logger.Debug("Skipping captured response", "status", code)
		return 0
	}

	header := http.Header{}
	for _, name := range []string{"Content-Encoding", "Content-Type", "Transfer-Encoding"} {
		if v := extract.ExtractHeader(head, name); v != "" {
			header.Set(name, v)
		}
	}
	if strings.Contains(strings.ToLower(header.Get("Transfer-Encoding")), "chunked") {
		decoded, complete := extract.DecodeChunked(body)
		if !complete {
			i.logger.Debug("Captured chunked body is truncated", "decoded", len(decoded), "raw", len(body))
		}
		body = decoded
	}
	return i.ProcessBody(ctx, header, body)
}

// ProcessBody parses a response body whose transfer framing is already
// removed. Content-Encoding and charset are still applied.
func (i *Inspector) ProcessBody(ctx context.Context, header http.Header, body []byte) int {
	i.metrics.RecordBytesCaptured(int64(len(body)))

	plain := extract.DecompressIfEncoded(header, body)
	if plain == nil {
		i.metrics.RecordError(types.NewEncodingError("captured body could not be decoded", nil))
		return 0
	}
	plain = charset.ToUTF8(header.Get("Content-Type"), plain)

	batch, err := extract.ParseRecordBatch(i.target, plain)
	if err != nil {
		i.logger.Debug("Captured body is not a record envelope", "error", err)
		i.metrics.RecordError(err)
		return 0
	}
	if len(batch.Records) == 0 {
		// Keep the label so later record events carry it.
		i.records.Add(batch)
		i.logger.Debug("Captured envelope has no records", "label", batch.Label)
		return 0
	}

	added, all := i.records.Add(batch)
	i.metrics.RecordRecords(added)
	i.logger.Info("Records captured", "batch", len(batch.Records), "new", added, "total", len(all))

	i.sink.Emit(ctx, Event{
		Kind:     EventRecords,
		Records:  all,
		Added:    added,
		Label:    i.records.Label(),
		Continue: batch.Continue,
		At:       time.Now(),
	})
	return added
}

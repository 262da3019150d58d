package plugins

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lqqyt2423/go-mitmproxy/proxy"
	"session-capture-proxy/pkg/interfaces"
	"session-capture-proxy/pkg/metrics"
)

// BaseLogPlugin logs connections and exchanges and feeds the metrics
// collector.
type BaseLogPlugin struct {
	proxy.BaseAddon

	Logger  *slog.Logger
	Metrics interfaces.MetricsCollector

	started sync.Map // *proxy.Flow -> time.Time
}

// NewBaseLogPlugin creates a logging addon. Nil arguments fall back to
// slog.Default and a no-op collector.
func NewBaseLogPlugin(logger *slog.Logger, collector interfaces.MetricsCollector) *BaseLogPlugin {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &BaseLogPlugin{Logger: logger, Metrics: collector}
}

func (p *BaseLogPlugin) ClientConnected(clientConn *proxy.ClientConn) {
	p.Logger.Debug("New client connected", "type", "CLIENT")
}

func (p *BaseLogPlugin) ServerConnected(connCtx *proxy.ConnContext) {
	p.Logger.Debug("Connected to server", "type", "SERVER")
}

func (p *BaseLogPlugin) Requestheaders(f *proxy.Flow) {
	if f == nil || f.Request == nil || f.Request.URL == nil {
		return
	}
	p.started.Store(f, time.Now())

	kind := metrics.ConnHTTP
	if f.Request.URL.Scheme == "https" {
		kind = metrics.ConnIntercept
	}
	p.Metrics.RecordConnection(kind)
	p.Logger.Debug("Request", "method", f.Request.Method, "url", f.Request.URL.String())
}

func (p *BaseLogPlugin) Response(f *proxy.Flow) {
	if f == nil || f.Request == nil || f.Request.URL == nil || f.Response == nil {
		return
	}

	var duration time.Duration
	if v, ok := p.started.LoadAndDelete(f); ok {
		duration = time.Since(v.(time.Time))
	}
	p.Metrics.RecordRequest(f.Request.Method, f.Request.URL.Host, duration, f.Response.StatusCode < 400)
	if f.Response.Body != nil {
		p.Metrics.RecordBytesRelayed(int64(len(f.Response.Body)))
	}

	p.Logger.Debug("Response",
		"method", f.Request.Method,
		"url", f.Request.URL.String(),
		"status", f.Response.StatusCode,
		"proto", f.Request.Proto)
	if contentEncoding := f.Response.Header.Get("Content-Encoding"); contentEncoding != "" {
		p.Logger.Debug("Content-Encoding", "encoding", contentEncoding)
	}
}

// StreamResponseModifier counts the bytes of a streamed body.
func (p *BaseLogPlugin) StreamResponseModifier(f *proxy.Flow, in io.Reader) io.Reader {
	counter := &countingReader{r: in}
	return &eofReader{r: counter, done: func() { p.Metrics.RecordBytesRelayed(counter.n) }}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

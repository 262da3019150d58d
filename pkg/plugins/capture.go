package plugins

import (
	"context"
	"io"

	"github.com/lqqyt2423/go-mitmproxy/proxy"
	"session-capture-proxy/pkg/capture"
)

// DefaultMaxCaptureBytes bounds the copy kept of a streamed list response.
const DefaultMaxCaptureBytes = 16 << 20

// CapturePlugin hands target exchanges to an Inspector: request heads for
// credentials, list responses for records. Every flow is streamed; list
// responses are copied aside while they pass through.
type CapturePlugin struct {
	*BaseLogPlugin

	// MaxCaptureBytes bounds the copy of one list response. Larger
	// responses are relayed but not parsed.
	MaxCaptureBytes int64

	ctx       context.Context
	inspector *capture.Inspector
}

// NewCapturePlugin creates the capture addon. ctx bounds event delivery and
// is cancelled when the engine stops.
func NewCapturePlugin(ctx context.Context, inspector *capture.Inspector, base *BaseLogPlugin) *CapturePlugin {
	if base == nil {
		base = NewBaseLogPlugin(nil, nil)
	}
	return &CapturePlugin{
		BaseLogPlugin:   base,
		MaxCaptureBytes: DefaultMaxCaptureBytes,
		ctx:             ctx,
		inspector:       inspector,
	}
}

func (p *CapturePlugin) Requestheaders(f *proxy.Flow) {
	p.BaseLogPlugin.Requestheaders(f)
	if f == nil || f.Request == nil || f.Request.URL == nil {
		return
	}
	f.Stream = true
	p.inspector.InspectRequest(p.ctx, f.Request.URL.Host, f.Request.URL.RequestURI(), f.Request.Header.Get("Cookie"))
}

// Response parses a body the library buffered. Streamed flows have no
// Body here and are handled by StreamResponseModifier.
func (p *CapturePlugin) Response(f *proxy.Flow) {
	p.BaseLogPlugin.Response(f)
	if !p.wantsBody(f) || f.Response.Body == nil {
		return
	}
	p.inspector.ProcessBody(p.ctx, f.Response.Header, f.Response.Body)
}

// StreamResponseModifier passes the body through unchanged and, for list
// requests, parses the copy once the body ends.
func (p *CapturePlugin) StreamResponseModifier(f *proxy.Flow, in io.Reader) io.Reader {
	in = p.BaseLogPlugin.StreamResponseModifier(f, in)
	if !p.wantsBody(f) {
		return in
	}
	buf := capture.NewBuffer(p.MaxCaptureBytes)
	return &eofReader{
		r: io.TeeReader(in, buf),
		done: func() {
			if buf.Overflow() {
				p.Logger.Warn("Captured response exceeds limit, skipped", "url", f.Request.URL.String(), "limit", p.MaxCaptureBytes)
				return
			}
			p.inspector.ProcessBody(p.ctx, f.Response.Header, buf.Bytes())
		},
	}
}

func (p *CapturePlugin) wantsBody(f *proxy.Flow) bool {
	if f == nil || f.Request == nil || f.Request.URL == nil || f.Response == nil {
		return false
	}
	if !p.inspector.IsCaptureRequest(f.Request.URL.Host, f.Request.URL.RequestURI()) {
		return false
	}
	if f.Response.StatusCode < 200 || f.Response.StatusCode > 299 {
		p.Logger.Debug("Skipping captured response", "status", f.Response.StatusCode)
		return false
	}
	return true
}

// eofReader calls done once when r reports io.EOF.
type eofReader struct {
	r    io.Reader
	done func()
	seen bool
}

func (e *eofReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF && !e.seen {
		e.seen = true
		e.done()
	}
	return n, err
}

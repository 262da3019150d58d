package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"session-capture-proxy/pkg/capture"
	"session-capture-proxy/pkg/extract"
	"session-capture-proxy/pkg/types"
)

// interception is the sequential request loop over one decrypted client
// connection. Requests are forwarded as raw bytes and responses are
// relayed as they arrive.
type interception struct {
	server *Server
	sess   *session
	host   string
	addr   string

	client  *tls.Conn
	clientR *bufio.Reader

	upstream  net.Conn
	upstreamR *bufio.Reader
	tee       *teeWriter
}

func (ic *interception) serve() {
	s := ic.server
	ic.clientR = bufio.NewReader(ic.client)
	defer ic.closeUpstream()

	for {
		head, err := readHead(ic.clientR)
		if err != nil {
			if !isBenign(err) {
				s.connError(ic.sess, "Failed to read decrypted request", err, "host", ic.host)
			}
			return
		}

		method, target, proto, ok := extract.ParseRequestLine(head)
		if !ok {
			s.connError(ic.sess, "Malformed decrypted request",
				types.NewExtractionError("malformed request line", nil), "host", ic.host)
			writeStatus(ic.client, http.StatusBadRequest)
			return
		}

		s.inspector.InspectRequest(ic.sess.ctx, ic.host, target, extract.ExtractHeader(head, "Cookie"))
		captureBody := s.inspector.IsCaptureRequest(ic.host, target)

		reused := ic.upstream != nil
		if err := ic.ensureUpstream(); err != nil {
			s.connError(ic.sess, "Upstream TLS connection failed", err, "host", ic.host)
			writeStatus(ic.client, http.StatusBadGateway)
			return
		}

		start := time.Now()
		relayed := ic.tee.n
		keepAlive, upgraded, err := ic.roundTrip(head, method, captureBody)
		answered := ic.tee.n != relayed
		if err != nil && !answered && reused && replayable(method, head) {
			// The origin closed the kept-alive connection before answering.
			s.logger.Debug("Reused upstream connection failed, redialing", "host", ic.host, "error", err)
			ic.closeUpstream()
			if err = ic.ensureUpstream(); err == nil {
				keepAlive, upgraded, err = ic.roundTrip(head, method, captureBody)
				answered = ic.tee.n != 0
			}
		}
		s.metrics.RecordRequest(method, ic.host, time.Since(start), err == nil)
		if err != nil {
			s.connError(ic.sess, "Intercepted exchange failed", err, "host", ic.host, "method", method)
			if !answered {
				writeStatus(ic.client, http.StatusBadGateway)
			}
			return
		}
		if upgraded {
			ic.splice()
			return
		}
		if !keepAlive || wantsClose(proto, extract.ExtractHeader(head, "Connection")) {
			return
		}
	}
}

func (ic *interception) ensureUpstream() error {
	if ic.upstream != nil {
		return nil
	}
	s := ic.server

	raw, err := s.dialTracked(ic.sess, ic.addr)
	if err != nil {
		return err
	}
	conn := tls.Client(raw, s.upstreamTLS(ic.host))

	ctx, cancel := context.WithTimeout(ic.sess.ctx, s.opts.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return types.NewNetworkError("upstream TLS handshake failed", err).WithContext("host", ic.host)
	}

	ic.upstream = conn
	ic.tee = &teeWriter{dst: ic.client}
	ic.upstreamR = bufio.NewReader(io.TeeReader(conn, ic.tee))
	return nil
}

func (ic *interception) closeUpstream() {
	if ic.upstream == nil {
		return
	}
	ic.server.metrics.RecordBytesRelayed(ic.tee.n)
	ic.upstream.Close()
	ic.upstream = nil
}

// roundTrip forwards one request and relays its response. The request body
// is copied concurrently so that interim responses reach the client.
func (ic *interception) roundTrip(head []byte, method string, captureBody bool) (keepAlive, upgraded bool, err error) {
	if _, err := ic.upstream.Write(head); err != nil {
		return false, false, types.NewNetworkError("failed to forward request head", err)
	}

	bodyDone := make(chan error, 1)
	if hasRequestBody(head) {
		go func() { bodyDone <- ic.copyRequestBody(head) }()
	} else {
		bodyDone <- nil
	}

	var buf *capture.Buffer
	if captureBody {
		buf = capture.NewBuffer(ic.server.opts.MaxCaptureBytes)
	}
	ic.tee.capture = buf
	defer func() { ic.tee.capture = nil }()

	resp, err := ic.relayResponse(method)
	if err != nil {
		return false, false, err
	}
	if resp.StatusCode == http.StatusSwitchingProtocols {
		return false, true, nil
	}
	if err := <-bodyDone; err != nil {
		return false, false, types.NewNetworkError("failed to forward request body", err)
	}

	if buf != nil {
		ic.finishCapture(buf)
	}
	return !resp.Close, false, nil
}

// relayResponse reads responses until a final one. The bytes reach the
// client through the tee while the reader frames them.
func (ic *interception) relayResponse(method string) (*http.Response, error) {
	for {
		resp, err := http.ReadResponse(ic.upstreamR, &http.Request{Method: method})
		if err != nil {
			return nil, types.NewNetworkError("failed to read upstream response", err)
		}
		if resp.StatusCode == http.StatusSwitchingProtocols {
			return resp, nil
		}
		_, err = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, types.NewNetworkError("failed to relay upstream body", err)
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 {
			continue
		}
		return resp, nil
	}
}

func (ic *interception) finishCapture(buf *capture.Buffer) {
	s := ic.server
	if buf.Overflow() {
		s.logger.Warn("Captured response exceeds limit, skipped", "host", ic.host, "limit", s.opts.MaxCaptureBytes)
		return
	}
	s.inspector.ProcessResponse(ic.sess.ctx, skipInterim(buf.Bytes()))
}

func (ic *interception) copyRequestBody(head []byte) error {
	te := strings.ToLower(extract.ExtractHeader(head, "Transfer-Encoding"))
	if strings.Contains(te, "chunked") {
		cw := httputil.NewChunkedWriter(ic.upstream)
		if _, err := io.Copy(cw, httputil.NewChunkedReader(ic.clientR)); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
		if _, err := io.WriteString(ic.upstream, "\r\n"); err != nil {
			return err
		}
		return skipTrailer(ic.clientR)
	}

	n, _ := strconv.ParseInt(extract.ExtractHeader(head, "Content-Length"), 10, 64)
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(ic.upstream, ic.clientR, n)
	return err
}

// splice hands the connection over to a raw relay after a protocol switch.
// Upstream bytes already read were delivered by the tee, so the upstream
// side is read from the connection itself.
func (ic *interception) splice() {
	client := &readerConn{Conn: ic.client, r: ic.clientR}
	up, down := relay(client, ic.upstream, ic.server.opts.IdleTimeout)
	ic.server.metrics.RecordBytesRelayed(up + down)
}

// replayable reports whether a request can be sent again: it has no body
// and its method is idempotent.
func replayable(method string, head []byte) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return !hasRequestBody(head)
	}
	return false
}

func hasRequestBody(head []byte) bool {
	if strings.Contains(strings.ToLower(extract.ExtractHeader(head, "Transfer-Encoding")), "chunked") {
		return true
	}
	n, err := strconv.ParseInt(extract.ExtractHeader(head, "Content-Length"), 10, 64)
	return err == nil && n > 0
}

// skipInterim drops leading 1xx responses from a captured stream.
func skipInterim(raw []byte) []byte {
	for {
		head, rest, ok := extract.SplitResponse(raw)
		if !ok {
			return raw
		}
		code := extract.StatusCode(head)
		if code < 100 || code > 199 {
			return raw
		}
		raw = rest
	}
}

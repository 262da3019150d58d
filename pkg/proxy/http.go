package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"session-capture-proxy/pkg/capture"
	"session-capture-proxy/pkg/metrics"
	"session-capture-proxy/pkg/types"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// hopHeaders are meaningful only between the client and the proxy.
var hopHeaders = []string{"Proxy-Connection", "Proxy-Authorization", "Proxy-Authenticate"}

// handleConn reads the first request of a client connection and
// dispatches it to the tunnel or forward-proxy path.
func (s *Server) handleConn(sess *session, conn net.Conn) {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if !isBenign(err) {
			s.connError(sess, "Failed to read client request", err, "remote", conn.RemoteAddr().String())
			writeStatus(conn, http.StatusBadRequest)
		}
		return
	}

	if req.Method == http.MethodConnect {
		s.handleConnect(sess, conn, br, req)
		return
	}

	s.metrics.RecordConnection(metrics.ConnHTTP)
	for {
		if !s.forwardHTTP(sess, conn, req) {
			return
		}
		req, err = http.ReadRequest(br)
		if err != nil {
			if !isBenign(err) {
				s.connError(sess, "Failed to read client request", err)
			}
			return
		}
		if req.Method == http.MethodConnect {
			s.handleConnect(sess, conn, br, req)
			return
		}
	}
}

// forwardHTTP relays one plain HTTP request and reports whether the client
// connection can be reused.
func (s *Server) forwardHTTP(sess *session, conn net.Conn, req *http.Request) bool {
	start := time.Now()
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	if host == "" {
		writeStatus(conn, http.StatusBadRequest)
		return false
	}

	s.inspector.InspectRequest(sess.ctx, host, req.RequestURI, req.Header.Get("Cookie"))
	captureBody := s.inspector.IsCaptureRequest(host, req.RequestURI)

	out := req.WithContext(sess.ctx)
	out.RequestURI = ""
	out.URL.Host = host
	if out.URL.Scheme == "" {
		out.URL.Scheme = "http"
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		s.connError(sess, "Upstream request failed", types.NewNetworkError("upstream request failed", err), "host", host)
		s.metrics.RecordRequest(req.Method, host, time.Since(start), false)
		writeStatus(conn, http.StatusBadGateway)
		return false
	}
	defer resp.Body.Close()

	var buf *capture.Buffer
	if captureBody {
		buf = capture.NewBuffer(s.opts.MaxCaptureBytes)
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.TeeReader(resp.Body, buf), resp.Body}
	}

	counter := &teeWriter{dst: conn}
	err = resp.Write(counter)
	s.metrics.RecordBytesRelayed(counter.n)
	s.metrics.RecordRequest(req.Method, host, time.Since(start), err == nil)
	if err != nil {
		s.connError(sess, "Failed to relay response", err, "host", host)
		return false
	}

	if buf != nil {
		if buf.Overflow() {
			s.logger.Warn("Captured response exceeds limit, skipped", "host", host, "limit", s.opts.MaxCaptureBytes)
		} else {
			s.inspector.ProcessBody(sess.ctx, resp.Header, buf.Bytes())
		}
	}
	return !req.Close && !resp.Close
}

// writeStatus writes a bodiless response that closes the connection.
func writeStatus(w io.Writer, code int) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, http.StatusText(code))
}

func wantsClose(proto, connection string) bool {
	connection = strings.ToLower(connection)
	if strings.Contains(connection, "close") {
		return true
	}
	return proto == "HTTP/1.0" && !strings.Contains(connection, "keep-alive")
}

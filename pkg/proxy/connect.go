package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"

	"session-capture-proxy/pkg/metrics"
	"session-capture-proxy/pkg/types"
)

// handleConnect answers a CONNECT request. Only the target domain is
// decrypted; every other host gets a blind tunnel.
func (s *Server) handleConnect(sess *session, conn net.Conn, br *bufio.Reader, req *http.Request) {
	authority := req.RequestURI
	if authority == "" {
		authority = req.Host
	}
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host, port = authority, "443"
	}
	if host == "" {
		writeStatus(conn, http.StatusBadRequest)
		return
	}
	addr := net.JoinHostPort(host, port)
	client := &readerConn{Conn: conn, r: br}

	if !s.inspector.Intercepts(host) {
		s.tunnel(sess, client, addr)
		return
	}
	s.intercept(sess, client, host, addr)
}

// tunnel splices the client to addr without looking at the bytes.
func (s *Server) tunnel(sess *session, client net.Conn, addr string) {
	s.metrics.RecordConnection(metrics.ConnTunnel)

	upstream, err := s.dialTracked(sess, addr)
	if err != nil {
		s.connError(sess, "Tunnel dial failed", err, "addr", addr)
		writeStatus(client, http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(client, connectEstablished); err != nil {
		s.connError(sess, "Failed to acknowledge CONNECT", err, "addr", addr)
		return
	}

	s.logger.Debug("Tunnel established", "addr", addr)
	up, down := relay(client, upstream, s.opts.IdleTimeout)
	s.metrics.RecordBytesRelayed(up + down)
	s.logger.Debug("Tunnel closed", "addr", addr, "sent", up, "received", down)
}

// intercept terminates TLS with a leaf for host and runs the request loop.
func (s *Server) intercept(sess *session, client net.Conn, host, addr string) {
	s.metrics.RecordConnection(metrics.ConnIntercept)

	leaf, err := s.leaves.Get(host)
	if err != nil {
		s.connError(sess, "Failed to obtain leaf certificate", err, "host", host)
		writeStatus(client, http.StatusBadGateway)
		return
	}
	if _, err := io.WriteString(client, connectEstablished); err != nil {
		s.connError(sess, "Failed to acknowledge CONNECT", err, "host", host)
		return
	}

	tlsConn := tls.Server(client, &tls.Config{
		Certificates: []tls.Certificate{*leaf.TLS},
		NextProtos:   []string{"http/1.1"},
	})
	defer tlsConn.Close()

	ctx, cancel := context.WithTimeout(sess.ctx, s.opts.HandshakeTimeout)
	err = tlsConn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		s.connError(sess, "Client TLS handshake failed",
			types.NewCertificateError("client rejected the leaf certificate or timed out", err), "host", host)
		return
	}

	s.logger.Debug("Intercepting connection", "host", host)
	ic := &interception{server: s, sess: sess, host: host, addr: addr, client: tlsConn}
	ic.serve()
}

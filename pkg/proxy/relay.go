package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"session-capture-proxy/pkg/capture"
)

const maxHeadBytes = 64 << 10

var errHeadTooLarge = errors.New("request head too large")

// idleConn refreshes its deadlines on every read and write so that a
// stalled peer cannot hold a connection open forever.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func newIdleConn(conn net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return conn
	}
	return &idleConn{Conn: conn, timeout: timeout}
}

func (c *idleConn) Read(p []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}

func (c *idleConn) CloseWrite() error {
	return closeWrite(c.Conn)
}

// readerConn reads through r, which may hold bytes already consumed from
// the connection.
type readerConn struct {
	net.Conn
	r io.Reader
}

func (c *readerConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *readerConn) CloseWrite() error {
	return closeWrite(c.Conn)
}

func closeWrite(conn net.Conn) error {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return conn.Close()
}

// relay copies bytes in both directions until both sides are done and
// returns the byte counts client→upstream and upstream→client. Idleness
// is judged on the pair: a read that times out in one direction is retried
// while the other direction moved bytes within idle.
func relay(client, upstream net.Conn, idle time.Duration) (up, down int64) {
	act := &activity{}
	act.touch()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		up = pipe(upstream, client, act, idle)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		down = pipe(client, upstream, act, idle)
		closeWrite(client)
	}()
	wg.Wait()
	return up, down
}

// activity is the last time either direction of a relay moved bytes.
type activity struct {
	last atomic.Int64
}

func (a *activity) touch() {
	a.last.Store(time.Now().UnixNano())
}

func (a *activity) since() time.Duration {
	return time.Duration(time.Now().UnixNano() - a.last.Load())
}

// pipe copies src to dst. Only read timeouts are retried; a failed write
// may have lost bytes and ends the direction.
func pipe(dst, src net.Conn, act *activity, idle time.Duration) int64 {
	buf := make([]byte, 32<<10)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			act.touch()
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total
			}
			act.touch()
		}
		if err != nil {
			if idle > 0 && isTimeout(err) && act.since() < idle {
				continue
			}
			return total
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// teeWriter forwards upstream bytes to the client and, while a capture is
// active, into the capture buffer.
type teeWriter struct {
	dst     io.Writer
	capture *capture.Buffer
	n       int64
}

func (w *teeWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	w.n += int64(n)
	if w.capture != nil && n > 0 {
		w.capture.Write(p[:n])
	}
	return n, err
}

// readHead reads a message head up to and including the blank line.
// Empty lines before the head are skipped.
func readHead(br *bufio.Reader) ([]byte, error) {
	var head []byte
	for {
		line, err := br.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				return nil, errHeadTooLarge
			}
			if len(head) > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if len(head) == 0 && isBlankLine(line) {
			continue
		}
		if len(head)+len(line) > maxHeadBytes {
			return nil, errHeadTooLarge
		}
		head = append(head, line...)
		if isBlankLine(line) {
			return head, nil
		}
	}
}

// skipTrailer consumes the trailer section after a last chunk.
func skipTrailer(br *bufio.Reader) error {
	for {
		line, err := br.ReadSlice('\n')
		if err != nil {
			return err
		}
		if isBlankLine(line) {
			return nil
		}
	}
}

func isBlankLine(line []byte) bool {
	return len(line) <= 2 && len(bytes.TrimRight(line, "\r\n")) == 0
}

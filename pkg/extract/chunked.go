package extract

import (
	"bytes"
	"strconv"
)

var crlf = []byte("\r\n")

// DecodeChunked decodes an HTTP/1.1 chunked body. It never fails: on a
// truncated or malformed stream it returns what was decoded so far with
// complete set to false. Trailers after the last chunk are ignored.
func DecodeChunked(data []byte) (decoded []byte, complete bool) {
	out := make([]byte, 0, len(data))
	for {
		idx := bytes.Index(data, crlf)
		if idx < 0 {
			return out, false
		}
		line := data[:idx]
		if i := bytes.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, err := strconv.ParseUint(string(bytes.TrimSpace(line)), 16, 63)
		if err != nil {
			return out, false
		}
		data = data[idx+2:]

		if size == 0 {
			return out, true
		}
		if uint64(len(data)) < size {
			out = append(out, data...)
			return out, false
		}
		out = append(out, data[:size]...)
		data = data[size:]

		if !bytes.HasPrefix(data, crlf) {
			return out, false
		}
		data = data[2:]
	}
}

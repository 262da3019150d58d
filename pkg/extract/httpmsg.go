package extract

import (
	"bytes"
	"strings"
)

var headEnd = []byte("\r\n\r\n")

// ParseRequestLine parses the first line of a raw HTTP/1.x request head.
func ParseRequestLine(raw []byte) (method, target, proto string, ok bool) {
	line := raw
	if i := bytes.Index(raw, crlf); i >= 0 {
		line = raw[:i]
	}
	parts := strings.Split(string(line), " ")
	if len(parts) != 3 {
		return "", "", "", false
	}
	method, target, proto = parts[0], parts[1], parts[2]
	if method == "" || target == "" || !strings.HasPrefix(proto, "HTTP/") {
		return "", "", "", false
	}
	return method, target, proto, true
}

// ExtractHeader returns the value of the first header named name in a raw
// request or response head. The match is case-insensitive and the first
// line is skipped.
func ExtractHeader(raw []byte, name string) string {
	if i := bytes.Index(raw, headEnd); i >= 0 {
		raw = raw[:i]
	}
	lines := strings.Split(string(raw), "\r\n")
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// SplitResponse separates a raw message into its head (without the blank
// line) and body.
func SplitResponse(raw []byte) (head []byte, body []byte, ok bool) {
	i := bytes.Index(raw, headEnd)
	if i < 0 {
		return nil, nil, false
	}
	return raw[:i], raw[i+len(headEnd):], true
}

// StatusCode returns the status code of a raw response head, or 0.
func StatusCode(head []byte) int {
	line := head
	if i := bytes.Index(head, crlf); i >= 0 {
		line = head[:i]
	}
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) < 2 || len(parts[1]) != 3 {
		return 0
	}
	code := 0
	for _, c := range parts[1] {
		if c < '0' || c > '9' {
			return 0
		}
		code = code*10 + int(c-'0')
	}
	return code
}

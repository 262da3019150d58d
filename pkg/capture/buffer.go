package capture

import "bytes"

// Buffer accumulates a response up to limit bytes. Past the limit it drops
// everything and reports Overflow; writes never fail, so it can sit behind
// a tee without disturbing the relay.
type Buffer struct {
	buf      bytes.Buffer
	limit    int64
	overflow bool
}

func NewBuffer(limit int64) *Buffer {
	return &Buffer{limit: limit}
}

func (b *Buffer) Write(p []byte) (int, error) {
	if b.overflow {
		return len(p), nil
	}
	if int64(b.buf.Len()+len(p)) > b.limit {
		b.overflow = true
		b.buf = bytes.Buffer{}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *Buffer) Bytes() []byte {
	return b.buf.Bytes()
}

func (b *Buffer) Overflow() bool {
	return b.overflow
}

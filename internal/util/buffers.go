// Package util holds small helpers shared by the wrapper and the tailer.
package util

import "sync"

// DefaultBufferSize is the size of pooled read buffers. It matches the
// typical PTY read chunk.
const DefaultBufferSize = 4096

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// GetBuffer takes a read buffer from the pool. Return it with PutBuffer.
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns buf to the pool. Buffers of any other size are dropped.
func PutBuffer(buf *[]byte) {
	if buf == nil || len(*buf) != DefaultBufferSize {
		return
	}
	bufferPool.Put(buf)
}

// Clone copies the first n bytes of a pooled buffer so the buffer can be
// returned while the data lives on.
func Clone(buf *[]byte, n int) []byte {
	out := make([]byte, n)
	copy(out, (*buf)[:n])
	return out
}

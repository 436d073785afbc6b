package kv_logcask

import (
	"github.com/ncw/directio"
)

// DefaultBufferSize is the initial capacity of a FrameBuffer, a whole number
// of filesystem blocks.
var DefaultBufferSize = directio.BlockSize * 16

// FrameBuffer accumulates serialized frames that have not reached the file
// yet. It is owned by a single goroutine.
type FrameBuffer struct {
	bytes   []byte
	flushed int
	frames  int
}

// NewFrameBuffer returns an empty buffer backed by a block aligned
// allocation of at least size bytes.
func NewFrameBuffer(size int) *FrameBuffer {
	if size < directio.BlockSize {
		size = directio.BlockSize
	}
	return &FrameBuffer{
		bytes: directio.AlignedBlock(size)[:0],
	}
}

// Append serializes the record onto the end of the buffer.
func (b *FrameBuffer) Append(r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	b.bytes = AppendFrame(b.bytes, r)
	b.frames++
	return nil
}

// Pending returns the bytes still waiting to be written. The slice is only
// valid until the next call to Append or Consume.
func (b *FrameBuffer) Pending() []byte {
	return b.bytes[b.flushed:]
}

// Len is the number of pending bytes.
func (b *FrameBuffer) Len() int {
	return len(b.bytes) - b.flushed
}

// Frames is the number of frames appended since the buffer was last empty.
func (b *FrameBuffer) Frames() int {
	return b.frames
}

// Consume marks n pending bytes as written. Once everything has been
// consumed the backing array is reused from the start.
func (b *FrameBuffer) Consume(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.flushed += n
	if b.flushed == len(b.bytes) {
		b.Reset()
	}
}

// Reset drops all pending bytes.
func (b *FrameBuffer) Reset() {
	b.bytes = b.bytes[:0]
	b.flushed = 0
	b.frames = 0
}

package process

import (
	"bytes"
	"sync"
)

// DefaultMaxOutputBytes bounds the output retained per stream.
const DefaultMaxOutputBytes = 8 << 20

// maxPartialLine bounds how much of an unterminated line is held back for
// the line callback before it is emitted as-is.
const maxPartialLine = 64 << 10

// TailBuffer is a thread-safe circular byte buffer with oldest-first
// eviction. Once more than its capacity has been written it keeps only the
// newest capacity bytes and counts what it dropped, so a verbose process can
// run for hours without its captured output growing past the cap.
//
// Storage grows on demand up to the capacity; a quiet process never pays for
// the full allocation.
type TailBuffer struct {
	buf      []byte
	start    int // index of the oldest byte once the ring is full
	size     int
	capacity int
	dropped  int64
	total    int64

	onLine  func(string)
	partial []byte

	mu sync.Mutex
}

// NewTailBuffer creates a buffer that retains at most capacity bytes.
func NewTailBuffer(capacity int) *TailBuffer {
	if capacity <= 0 {
		capacity = DefaultMaxOutputBytes
	}
	return &TailBuffer{capacity: capacity}
}

// OnLine registers fn to receive every complete line written, without its
// line terminator. It must be set before the first Write.
func (b *TailBuffer) OnLine(fn func(string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onLine = fn
}

// Write implements io.Writer. It never fails.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	b.total += int64(n)
	b.store(p)
	if b.onLine != nil {
		b.splitLines(p)
	}
	return n, nil
}

func (b *TailBuffer) store(p []byte) {
	// Linear phase: storage still growing towards capacity.
	if len(b.buf) < b.capacity {
		room := b.capacity - len(b.buf)
		if len(p) <= room {
			b.buf = append(b.buf, p...)
			b.size = len(b.buf)
			return
		}
		b.buf = append(b.buf, p[:room]...)
		b.size = len(b.buf)
		p = p[room:]
	}

	n := len(p)
	if n == 0 {
		return
	}
	if n >= b.capacity {
		b.dropped += int64(b.size + n - b.capacity)
		copy(b.buf, p[n-b.capacity:])
		b.start = 0
		b.size = b.capacity
		return
	}

	end := (b.start + b.size) % b.capacity
	first := copy(b.buf[end:], p)
	copy(b.buf, p[first:])

	b.size += n
	if b.size > b.capacity {
		over := b.size - b.capacity
		b.start = (b.start + over) % b.capacity
		b.size = b.capacity
		b.dropped += int64(over)
	}
}

func (b *TailBuffer) splitLines(p []byte) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			b.partial = append(b.partial, p...)
			if len(b.partial) >= maxPartialLine {
				b.emit()
			}
			return
		}
		b.partial = append(b.partial, p[:i]...)
		b.emit()
		p = p[i+1:]
	}
}

func (b *TailBuffer) emit() {
	line := bytes.TrimSuffix(b.partial, []byte{'\r'})
	b.onLine(string(line))
	b.partial = b.partial[:0]
}

// Flush delivers a trailing unterminated line to the line callback.
func (b *TailBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.onLine != nil && len(b.partial) > 0 {
		b.emit()
	}
}

// Bytes returns the retained bytes from oldest to newest.
func (b *TailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, b.size)
	if len(b.buf) < b.capacity {
		copy(out, b.buf)
		return out
	}
	first := copy(out, b.buf[b.start:])
	copy(out[first:], b.buf[:b.size-first])
	return out
}

func (b *TailBuffer) String() string {
	return string(b.Bytes())
}

// Len returns the number of bytes currently retained.
func (b *TailBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Total returns the number of bytes ever written.
func (b *TailBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Dropped returns the number of bytes evicted from the head.
func (b *TailBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Truncated reports whether any output was evicted.
func (b *TailBuffer) Truncated() bool {
	return b.Dropped() > 0
}

package process

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestTailBufferKeepsNewestBytes(t *testing.T) {
	buf := NewTailBuffer(8)

	buf.Write([]byte("hello "))
	buf.Write([]byte("world"))

	assert.Equal(t, "lo world", buf.String())
	assert.Equal(t, int64(11), buf.Total())
	assert.Equal(t, int64(3), buf.Dropped())
	assert.True(t, buf.Truncated())
}

func TestTailBufferOversizedWrite(t *testing.T) {
	buf := NewTailBuffer(4)
	buf.Write([]byte("ab"))
	buf.Write([]byte("0123456789"))

	assert.Equal(t, "6789", buf.String())
	assert.Equal(t, int64(8), buf.Dropped())
}

func TestTailBufferUnderCapacity(t *testing.T) {
	buf := NewTailBuffer(64)
	buf.Write([]byte("short"))

	assert.Equal(t, "short", buf.String())
	assert.Equal(t, 5, buf.Len())
	assert.False(t, buf.Truncated())
}

func TestTailBufferLineCallback(t *testing.T) {
	var lines []string
	buf := NewTailBuffer(4)
	buf.OnLine(func(line string) { lines = append(lines, line) })

	buf.Write([]byte("first\r\nsec"))
	buf.Write([]byte("ond\nthird"))
	buf.Flush()

	// the callback sees full lines even though the ring kept only 4 bytes
	assert.Equal(t, []string{"first", "second", "third"}, lines)
	assert.Equal(t, "hird", buf.String())
}

func TestTailBufferRetainsSuffixProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 64).Draw(t, "capacity")
		chunks := rapid.SliceOf(rapid.SliceOfN(rapid.Byte(), 0, 100)).Draw(t, "chunks")

		buf := NewTailBuffer(capacity)
		var all bytes.Buffer
		for _, c := range chunks {
			n, err := buf.Write(c)
			if err != nil || n != len(c) {
				t.Fatalf("short write: %d %v", n, err)
			}
			all.Write(c)
		}

		want := all.Bytes()
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		if !bytes.Equal(want, buf.Bytes()) {
			t.Fatalf("retained %q, want %q", buf.Bytes(), want)
		}
		if buf.Total() != int64(all.Len()) {
			t.Fatalf("total %d, want %d", buf.Total(), all.Len())
		}
		if buf.Dropped() != int64(all.Len()-len(want)) {
			t.Fatalf("dropped %d, want %d", buf.Dropped(), all.Len()-len(want))
		}
	})
}

func TestTailBufferLongPartialLineIsEmitted(t *testing.T) {
	var lines []string
	buf := NewTailBuffer(16)
	buf.OnLine(func(line string) { lines = append(lines, line) })

	buf.Write([]byte(strings.Repeat("x", maxPartialLine)))

	if assert.Len(t, lines, 1) {
		assert.Len(t, lines[0], maxPartialLine)
	}
}

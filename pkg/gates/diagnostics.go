package gates

import (
	"fmt"
	"sync"
	"unicode/utf8"
)

// DefaultMaxDiagnosticBytes bounds the diagnostic stored with each attempt.
const DefaultMaxDiagnosticBytes = 4 * 1024

// Truncate keeps the last max bytes of s, cut on a rune boundary, and notes
// how much was dropped. Build and test failures usually report at the end.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return fmt.Sprintf("...[truncated %d bytes]\n%s", cut, s[cut:])
}

// tailBuffer is an io.Writer that retains only the last limit bytes written.
type tailBuffer struct {
	mu      sync.Mutex
	limit   int
	buf     []byte
	dropped int64
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; b.limit > 0 && over > 0 {
		b.dropped += int64(over)
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped > 0 {
		return fmt.Sprintf("...[truncated %d bytes]\n%s", b.dropped, b.buf)
	}
	return string(b.buf)
}

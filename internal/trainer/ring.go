package trainer

import "sync"

const (
	// ringHighWater is the number of retained lines that triggers a trim.
	ringHighWater = 500
	// ringLowWater is the number of lines kept after a trim.
	ringLowWater = 300
)

// logRing is a bounded buffer of recent output lines. Rather than dropping
// one line per append, it trims in batches: once the buffer reaches the high
// water mark the oldest lines are discarded down to the low water mark, so
// steady-state appends are plain slice pushes.
type logRing struct {
	mu    sync.Mutex
	high  int
	low   int
	lines []string
}

func newLogRing() *logRing {
	return &logRing{high: ringHighWater, low: ringLowWater}
}

func (r *logRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) >= r.high {
		keep := r.lines[len(r.lines)-r.low:]
		r.lines = append(make([]string, 0, r.high), keep...)
	}
}

// Tail returns up to n most recent lines, oldest first. n <= 0 returns all
// retained lines. The result is a copy.
func (r *logRing) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.lines) {
		n = len(r.lines)
	}
	out := make([]string, n)
	copy(out, r.lines[len(r.lines)-n:])
	return out
}

func (r *logRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

func (r *logRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = nil
}

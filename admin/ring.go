package admin

import "sync"

// LogRing is an io.Writer that keeps the most recent log lines in a fixed
// ring so the HTTP log viewer can replay them. zerolog writes one JSON line
// per event.
type LogRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewLogRing creates a ring holding up to size lines.
func NewLogRing(size int) *LogRing {
	if size <= 0 {
		size = 256
	}
	return &LogRing{lines: make([]string, size)}
}

func (r *LogRing) Write(p []byte) (int, error) {
	line := string(p)
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}

	r.mu.Lock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
	return len(p), nil
}

// Tail returns up to n of the most recent lines, oldest first.
func (r *LogRing) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.lines)
	count := r.next
	if r.full {
		count = size
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]string, 0, n)
	start := r.next - n
	if start < 0 {
		start += size
	}
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%size])
	}
	return out
}

package sandbox

import "sync"

// limitWriter captures at most limit bytes and drops the rest, so a runaway
// compiler cannot exhaust memory through its output.
type limitWriter struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newLimitWriter(limit int) *limitWriter {
	return &limitWriter{limit: limit}
}

func (w *limitWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rem := w.limit - len(w.buf); rem > 0 {
		if len(p) > rem {
			w.buf = append(w.buf, p[:rem]...)
			w.truncated = true
		} else {
			w.buf = append(w.buf, p...)
		}
	} else if len(p) > 0 {
		w.truncated = true
	}
	return len(p), nil
}

func (w *limitWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.truncated {
		return string(w.buf) + "\n[output truncated]"
	}
	return string(w.buf)
}

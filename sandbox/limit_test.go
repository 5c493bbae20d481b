package sandbox

import (
	"io"
	"strings"
	"testing"
)

func TestLimitWriterUnderLimit(t *testing.T) {
	w := newLimitWriter(16)
	if _, err := io.WriteString(w, "hello"); err != nil {
		t.Fatal(err)
	}
	if got := w.String(); got != "hello" {
		t.Errorf("String() = %q", got)
	}
}

func TestLimitWriterTruncates(t *testing.T) {
	w := newLimitWriter(4)
	n, err := io.WriteString(w, "abcdefgh")
	if err != nil {
		t.Fatal(err)
	}
	// the writer never reports a short write to the copier
	if n != 8 {
		t.Errorf("n = %d, want 8", n)
	}
	got := w.String()
	if !strings.HasPrefix(got, "abcd") || !strings.Contains(got, "[output truncated]") {
		t.Errorf("String() = %q", got)
	}
}

func TestLimitWriterDropsAfterLimit(t *testing.T) {
	w := newLimitWriter(2)
	io.WriteString(w, "ab")
	if got := w.String(); got != "ab" {
		t.Fatalf("String() = %q before overflow", got)
	}
	io.WriteString(w, "c")
	got := w.String()
	if !strings.HasPrefix(got, "ab") || !strings.Contains(got, "[output truncated]") {
		t.Errorf("String() = %q after overflow", got)
	}
}

package turn

import (
	"reflect"
	"testing"
)

func TestChunkerCommitsSentences(t *testing.T) {
	c := newChunker()
	if got := c.Push("Hello wor"); got != nil {
		t.Fatalf("Push() = %v, want nothing before a boundary", got)
	}
	got := c.Push("ld. How are you? Fi")
	want := []string{"Hello world.", "How are you?"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Push() = %v, want %v", got, want)
	}
	if tail := c.Flush(); tail != "Fi" {
		t.Fatalf("Flush() = %q, want %q", tail, "Fi")
	}
}

func TestChunkerWaitsForWhitespaceAfterBoundary(t *testing.T) {
	c := newChunker()
	// The period inside a decimal is never followed by whitespace, so the
	// number stays whole.
	if got := c.Push("pi is about 3.14 rounded"); got != nil {
		t.Fatalf("Push() = %v, want decimal kept in pending", got)
	}
	if tail := c.Flush(); tail != "pi is about 3.14 rounded" {
		t.Fatalf("Flush() = %q", tail)
	}
}

func TestChunkerTrailingBoundaryStaysPending(t *testing.T) {
	c := newChunker()
	// A terminator at the very end of the buffer may still be mid-token
	// (e.g. "3." awaiting "14"), so it only commits via Flush.
	if got := c.Push("Done."); got != nil {
		t.Fatalf("Push() = %v, want trailing terminator held back", got)
	}
	if tail := c.Flush(); tail != "Done." {
		t.Fatalf("Flush() = %q, want %q", tail, "Done.")
	}
}

func TestChunkerNewlineCommitsImmediately(t *testing.T) {
	c := newChunker()
	got := c.Push("first line\nsecond")
	if !reflect.DeepEqual(got, []string{"first line"}) {
		t.Fatalf("Push() = %v, want [first line]", got)
	}
	if tail := c.Flush(); tail != "second" {
		t.Fatalf("Flush() = %q, want %q", tail, "second")
	}
}

func TestChunkerClauseNeedsLength(t *testing.T) {
	c := newChunker()
	if got := c.Push("yes, of course"); got != nil {
		t.Fatalf("Push() = %v, want short clause held back", got)
	}
	c.Reset()

	long := "this is a fairly long opening clause indeed, and then some more"
	got := c.Push(long)
	want := []string{"this is a fairly long opening clause indeed,"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Push() = %v, want %v", got, want)
	}
	if tail := c.Flush(); tail != "and then some more" {
		t.Fatalf("Flush() = %q", tail)
	}
}

func TestChunkerResetDropsPending(t *testing.T) {
	c := newChunker()
	c.Push("abandoned tail")
	c.Reset()
	if tail := c.Flush(); tail != "" {
		t.Fatalf("Flush() after Reset = %q, want empty", tail)
	}
}

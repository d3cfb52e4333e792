package turn

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minClauseRunes is the minimum accumulated length before a clause boundary
// (comma, semicolon, colon) is allowed to commit a passage. Sentence
// terminators commit regardless of length so short answers are not delayed.
const minClauseRunes = 40

// chunker groups streamed text deltas into speakable passages so synthesis can
// start on a committed prefix while generation is still running. A boundary
// only commits once the following whitespace has arrived, which keeps decimals
// and abbreviations in one piece.
type chunker struct {
	pending strings.Builder
}

func newChunker() *chunker {
	return &chunker{}
}

// Push appends a delta and returns every passage that became committable.
func (c *chunker) Push(delta string) []string {
	c.pending.WriteString(delta)
	text := c.pending.String()

	var out []string
	for {
		cut := splitPoint(text)
		if cut < 0 {
			break
		}
		passage := strings.TrimSpace(text[:cut])
		text = text[cut:]
		if passage != "" {
			out = append(out, passage)
		}
	}

	c.pending.Reset()
	c.pending.WriteString(text)
	return out
}

// Flush returns whatever tail never reached a boundary; called when the
// generation stream ends.
func (c *chunker) Flush() string {
	tail := strings.TrimSpace(c.pending.String())
	c.pending.Reset()
	return tail
}

func (c *chunker) Reset() {
	c.pending.Reset()
}

func splitPoint(text string) int {
	runes := 0
	for i, r := range text {
		runes++
		next := i + utf8.RuneLen(r)
		if r == '\n' {
			return next
		}
		if next >= len(text) {
			// The boundary rune is the last byte so far; more of the
			// delta stream may still belong to this token.
			return -1
		}
		nr, _ := utf8.DecodeRuneInString(text[next:])
		if !unicode.IsSpace(nr) {
			continue
		}
		switch {
		case sentenceEnd(r):
			return next
		case clauseEnd(r) && runes >= minClauseRunes:
			return next
		}
	}
	return -1
}

func sentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	default:
		return false
	}
}

func clauseEnd(r rune) bool {
	switch r {
	case ',', ';', ':':
		return true
	default:
		return false
	}
}

// Package policy applies data-handling rules to conversation content before
// it leaves the live session. Transcripts are redacted prior to persistence;
// nothing here touches what is spoken back to the user in real time.
package policy

import "regexp"

// Dictated transcripts carry PII in looser shapes than typed input: an STT
// engine renders a read-aloud card or phone number with spaces or dashes
// between digit groups, so the digit patterns tolerate those separators.
var piiMasks = []struct {
	pattern *regexp.Regexp
	mask    string
}{
	{regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), "[REDACTED_EMAIL]"},
	// Card before phone: a 16-digit card number would otherwise satisfy the
	// looser phone shape.
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?\d[\d\-() ]{7,}\d`), "[REDACTED_PHONE]"},
}

// RedactPII masks email addresses, payment card numbers and phone numbers in
// a transcript. The second return reports whether anything was masked.
func RedactPII(text string) (string, bool) {
	changed := false
	for _, m := range piiMasks {
		masked := m.pattern.ReplaceAllString(text, m.mask)
		if masked != text {
			changed = true
			text = masked
		}
	}
	return text, changed
}

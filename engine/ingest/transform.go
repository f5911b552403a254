package ingest

import (
	"regexp"
	"strings"
)

// Dealer-entered fault text is noisy: mixed case, ticket codes, machine
// serials, runs of punctuation. The cleaned form is what gets embedded, so
// the same fault phrased by two dealers lands near itself in vector space.
var (
	reBracketed  = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)`)
	reSerialCode = regexp.MustCompile(`\b[a-z]{0,3}\d{5,}[a-z\d]*\b`)
	reNonWord    = regexp.MustCompile(`[^a-z0-9\- ]+`)
	reSpaces     = regexp.MustCompile(`\s+`)
)

// CleanText normalizes fault text for embedding: lowercase, bracketed
// annotations and serial-like codes removed, punctuation stripped,
// whitespace collapsed.
func CleanText(s string) string {
	s = strings.ToLower(s)
	s = reBracketed.ReplaceAllString(s, " ")
	s = reSerialCode.ReplaceAllString(s, " ")
	s = reNonWord.ReplaceAllString(s, " ")
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Package chunker splits document content into overlapping token windows
// for indexing. Tokens keep their trailing whitespace so a chunk set always
// covers the original text exactly.
package chunker

import (
	"strings"
	"unicode"
)

// Options control window sizing.
type Options struct {
	// TargetTokens is the window size in tokens.
	TargetTokens int
	// OverlapFraction of each window is repeated at the start of the next,
	// so sentences near a boundary appear whole in at least one chunk.
	OverlapFraction float64
}

// DefaultOptions returns the standard window sizing.
func DefaultOptions() Options {
	return Options{TargetTokens: 800, OverlapFraction: 0.15}
}

// Piece is one window of a document's content.
type Piece struct {
	Index   int
	Content string
}

// Split cuts text into overlapping windows. Empty or whitespace-only text
// yields no pieces; text at or under the target yields exactly one.
func Split(text string, opts Options) []Piece {
	if opts.TargetTokens <= 0 {
		opts.TargetTokens = DefaultOptions().TargetTokens
	}

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) <= opts.TargetTokens {
		return []Piece{{Index: 0, Content: text}}
	}

	step := opts.TargetTokens - int(float64(opts.TargetTokens)*opts.OverlapFraction)
	if step < 1 {
		step = 1
	}

	var pieces []Piece
	for start := 0; ; start += step {
		end := start + opts.TargetTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		pieces = append(pieces, Piece{
			Index:   len(pieces),
			Content: strings.Join(tokens[start:end], ""),
		})
		if end == len(tokens) {
			break
		}
	}
	return pieces
}

// TokenCount returns the number of tokens Split would see in text.
func TokenCount(text string) int {
	return len(tokenize(text))
}

// tokenize splits text into tokens, each a run of non-space characters plus
// any whitespace that follows it; leading whitespace rides on the first
// token. Joining the tokens reproduces the input exactly.
func tokenize(text string) []string {
	var tokens []string
	runStart := 0
	sawWord := false
	inSpace := true
	for i, r := range text {
		isSpace := unicode.IsSpace(r)
		switch {
		case !isSpace && inSpace:
			if sawWord {
				tokens = append(tokens, text[runStart:i])
				runStart = i
			}
			sawWord = true
			inSpace = false
		case isSpace && !inSpace:
			inSpace = true
		}
	}
	if sawWord {
		tokens = append(tokens, text[runStart:])
	}
	return tokens
}

// Lexical normalizes text for the lexical index: lowercase, with every
// non-alphanumeric run collapsed to a single space. Queries go through the
// same normalization so matching is symmetric.
func Lexical(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	pendingSpace := false
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
		} else {
			pendingSpace = true
		}
	}
	return b.String()
}

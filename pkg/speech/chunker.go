// Package speech turns a stream of LLM tokens into speakable text.
//
// A Chunker splits the token stream into sentence-sized pieces so
// synthesis can start before the model has finished answering. A
// MarkupBuffer sits in front of it and holds back half-written markdown or
// LaTeX, and StripMarkup removes formatting right before synthesis.
//
//	mb := speech.NewMarkupBuffer(speech.DefaultMaxHold)
//	ch := speech.NewChunker(speech.DefaultChunkerConfig())
//	for tok := range tokens {
//	    for _, s := range ch.Push(mb.Push(tok)) {
//	        speak(speech.StripMarkup(s))
//	    }
//	}
package speech

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidThresholds is returned by ChunkerConfig.Validate.
var ErrInvalidThresholds = errors.New("speech: chunker thresholds must satisfy 0 < min <= optimal <= max")

// ChunkerConfig holds chunk length thresholds, counted in characters (runes).
type ChunkerConfig struct {
	// MinChars is the shortest prefix that may be emitted at a sentence
	// or clause boundary. Short sentences are merged with the next one.
	MinChars int

	// OptimalChars is the length at which a clause boundary is accepted
	// when no sentence boundary is available.
	OptimalChars int

	// MaxChars forces a cut even without any boundary.
	MaxChars int
}

// DefaultChunkerConfig returns thresholds tuned for conversational speech.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MinChars:     20,
		OptimalChars: 80,
		MaxChars:     200,
	}
}

// Validate checks threshold ordering.
func (c ChunkerConfig) Validate() error {
	if c.MinChars <= 0 || c.MinChars > c.OptimalChars || c.OptimalChars > c.MaxChars {
		return fmt.Errorf("%w (got %d/%d/%d)", ErrInvalidThresholds, c.MinChars, c.OptimalChars, c.MaxChars)
	}
	return nil
}

// normalized repairs out-of-order thresholds instead of rejecting them.
func (c ChunkerConfig) normalized() ChunkerConfig {
	if c.MinChars < 1 {
		c.MinChars = 1
	}
	if c.OptimalChars < c.MinChars {
		c.OptimalChars = c.MinChars
	}
	if c.MaxChars < c.OptimalChars {
		c.MaxChars = c.OptimalChars
	}
	return c
}

// Chunker accumulates streamed text and emits speakable chunks.
//
// Emitted chunks are exact slices of the input: concatenating every
// string returned by Push and Flush reproduces the pushed text, whitespace
// included. Callers trim before synthesis.
//
// A Chunker is not safe for concurrent use.
type Chunker struct {
	cfg ChunkerConfig
	buf []rune
}

// NewChunker creates a chunker. Thresholds that fail Validate are
// normalized so the chunker always makes progress.
func NewChunker(cfg ChunkerConfig) *Chunker {
	return &Chunker{cfg: cfg.normalized()}
}

// Config returns the effective thresholds.
func (c *Chunker) Config() ChunkerConfig {
	return c.cfg
}

// Push appends a token and returns every chunk that became ready.
func (c *Chunker) Push(token string) []string {
	if token == "" {
		return nil
	}
	c.buf = append(c.buf, []rune(token)...)

	var out []string
	for {
		cut := c.nextCut()
		if cut <= 0 {
			break
		}
		out = append(out, string(c.buf[:cut]))
		c.buf = append(c.buf[:0:0], c.buf[cut:]...)
	}
	return out
}

// Flush returns whatever is buffered, even if it is only whitespace, and
// resets the chunker.
func (c *Chunker) Flush() []string {
	if len(c.buf) == 0 {
		return nil
	}
	s := string(c.buf)
	c.buf = nil
	return []string{s}
}

// Pending returns the buffered text without consuming it.
func (c *Chunker) Pending() string {
	return string(c.buf)
}

// Reset discards buffered text.
func (c *Chunker) Reset() {
	c.buf = nil
}

// nextCut returns the rune length of the next chunk to emit, or 0 when the
// buffer should keep accumulating.
func (c *Chunker) nextCut() int {
	n := len(c.buf)
	if n == 0 {
		return 0
	}

	// Earliest sentence boundary with a long enough prefix.
	for i := 0; i < n && i < c.cfg.MaxChars; i++ {
		end, ok := sentenceEnd(c.buf, i)
		if !ok {
			continue
		}
		if end > c.cfg.MaxChars {
			break
		}
		if end >= c.cfg.MinChars && !insideMarkup(c.buf, end) {
			return skipSpace(c.buf, end)
		}
		i = end - 1
	}

	// Last clause boundary once the buffer is long enough.
	if n >= c.cfg.OptimalChars {
		limit := n
		if limit > c.cfg.MaxChars {
			limit = c.cfg.MaxChars
		}
		for i := limit - 1; i >= c.cfg.MinChars-1; i-- {
			if isClausePunct(c.buf[i]) && i+1 < n && unicode.IsSpace(c.buf[i+1]) && !insideMarkup(c.buf, i+1) {
				return skipSpace(c.buf, i+1)
			}
		}
	}

	// Forced cut, preferably after whitespace.
	if n >= c.cfg.MaxChars {
		for i := c.cfg.MaxChars - 1; i >= c.cfg.MinChars-1; i-- {
			if unicode.IsSpace(c.buf[i]) {
				return i + 1
			}
		}
		return c.cfg.MaxChars
	}

	return 0
}

// sentenceEnd reports whether buf[i] terminates a sentence. The returned
// index is just past the terminator and any closing quotes or brackets.
// Terminal punctuation at the very end of the buffer is not a boundary yet:
// the next token decides (a decimal point, an ellipsis, a closing quote).
func sentenceEnd(buf []rune, i int) (int, bool) {
	r := buf[i]
	if r == '\n' {
		return i + 1, true
	}
	if !isTerminalPunct(r) {
		return 0, false
	}

	j := i + 1
	for j < len(buf) && isTerminalPunct(buf[j]) {
		j++
	}
	for j < len(buf) && isCloser(buf[j]) {
		j++
	}
	if j >= len(buf) || !unicode.IsSpace(buf[j]) {
		return 0, false
	}
	if r == '.' && j == i+1 && isAbbreviation(buf, i) {
		return 0, false
	}
	return j, true
}

// insideMarkup reports whether cutting buf at end would split an emphasis,
// code, link or LaTeX span.
func insideMarkup(buf []rune, end int) bool {
	prefix := string(buf[:end])
	return unclosedAt(prefix) < len(prefix)
}

func skipSpace(buf []rune, i int) int {
	for i < len(buf) && unicode.IsSpace(buf[i]) {
		i++
	}
	return i
}

func isTerminalPunct(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}

func isClausePunct(r rune) bool {
	switch r {
	case ',', ';', ':', '，', '；', '：':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '»', '”', '’', '*', '_', '`':
		return true
	}
	return false
}

var abbreviations = map[string]bool{
	"dr.": true, "mr.": true, "mrs.": true, "ms.": true, "jr.": true, "sr.": true,
	"prof.": true, "rev.": true, "gen.": true, "col.": true, "lt.": true, "sgt.": true,
	"inc.": true, "ltd.": true, "corp.": true, "co.": true, "vs.": true, "etc.": true,
	"i.e.": true, "e.g.": true, "a.m.": true, "p.m.": true, "u.s.": true, "u.k.": true,
	"st.": true, "no.": true, "approx.": true, "fig.": true,
}

// isAbbreviation checks if the period at position i is likely an abbreviation.
func isAbbreviation(buf []rune, i int) bool {
	start := i
	for start > 0 && !unicode.IsSpace(buf[start-1]) && buf[start-1] != '(' {
		start--
	}
	word := strings.ToLower(string(buf[start : i+1]))
	if abbreviations[word] {
		return true
	}

	// Single uppercase letter followed by period (initials)
	return i == start+1 && unicode.IsUpper(buf[start])
}

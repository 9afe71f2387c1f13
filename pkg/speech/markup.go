package speech

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxHold is the longest run of text a MarkupBuffer will withhold
// while waiting for a construct to close.
const DefaultMaxHold = 256

// MarkupBuffer withholds text that starts an unfinished markup construct
// (bold, italics, inline or fenced code, links, LaTeX) so a sentence is
// never cut in the middle of one. Detection is heuristic: anything held
// for MaxHold characters is released as-is.
//
// Like Chunker, it never drops or reorders text.
type MarkupBuffer struct {
	maxHold int
	pending string
}

// NewMarkupBuffer creates a buffer. A non-positive maxHold uses DefaultMaxHold.
func NewMarkupBuffer(maxHold int) *MarkupBuffer {
	if maxHold <= 0 {
		maxHold = DefaultMaxHold
	}
	return &MarkupBuffer{maxHold: maxHold}
}

// Push appends a token and returns the text that is safe to pass on.
func (m *MarkupBuffer) Push(token string) string {
	m.pending += token
	if m.pending == "" {
		return ""
	}

	open := unclosedAt(m.pending)
	if open < len(m.pending) && utf8.RuneCountInString(m.pending[open:]) >= m.maxHold {
		open = len(m.pending)
	}

	out := m.pending[:open]
	m.pending = m.pending[open:]
	return out
}

// Flush releases everything still held.
func (m *MarkupBuffer) Flush() string {
	out := m.pending
	m.pending = ""
	return out
}

// Held returns the withheld text without consuming it.
func (m *MarkupBuffer) Held() string {
	return m.pending
}

// unclosedAt returns the byte offset of the first markup construct in s
// that has not been closed yet, or len(s) when everything is balanced.
// All markers are ASCII, so byte scanning is safe on UTF-8 input.
func unclosedAt(s string) int {
	n := len(s)
	for i := 0; i < n; {
		switch s[i] {
		case '\\':
			if i+1 >= n {
				return i
			}
			switch s[i+1] {
			case '(':
				end := strings.Index(s[i+2:], `\)`)
				if end < 0 {
					return i
				}
				i += 2 + end + 2
			case '[':
				end := strings.Index(s[i+2:], `\]`)
				if end < 0 {
					return i
				}
				i += 2 + end + 2
			default:
				i += 2
			}

		case '`':
			run := runLength(s, i, '`')
			fence := s[i : i+run]
			if run >= 3 {
				fence = "```"
			}
			end := strings.Index(s[i+run:], fence)
			if end < 0 {
				return i
			}
			i += run + end + len(fence)

		case '$':
			if i+1 >= n {
				return i
			}
			if s[i+1] == '$' {
				end := strings.Index(s[i+2:], "$$")
				if end < 0 {
					return i
				}
				i += 2 + end + 2
				continue
			}
			if isDigit(s[i+1]) || s[i+1] == ' ' {
				// Currency or a lone dollar sign.
				i++
				continue
			}
			end := strings.IndexByte(s[i+1:], '$')
			if end < 0 {
				return i
			}
			i += 1 + end + 1

		case '*':
			if i+1 >= n {
				return i
			}
			if s[i+1] == '*' {
				end := strings.Index(s[i+2:], "**")
				if end < 0 {
					return i
				}
				i += 2 + end + 2
				continue
			}
			if s[i+1] == ' ' || s[i+1] == '\n' {
				// List bullet or multiplication.
				i++
				continue
			}
			end := strings.IndexByte(s[i+1:], '*')
			if end < 0 {
				return i
			}
			i += 1 + end + 1

		case '[':
			closeBracket := strings.IndexByte(s[i+1:], ']')
			if closeBracket < 0 {
				return i
			}
			after := i + 1 + closeBracket + 1
			if after >= n {
				return i
			}
			if s[after] != '(' {
				i++
				continue
			}
			closeParen := strings.IndexByte(s[after+1:], ')')
			if closeParen < 0 {
				return i
			}
			i = after + 1 + closeParen + 1

		default:
			i++
		}
	}
	return n
}

func runLength(s string, i int, b byte) int {
	j := i
	for j < len(s) && s[j] == b {
		j++
	}
	return j - i
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

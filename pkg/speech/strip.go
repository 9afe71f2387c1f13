package speech

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

var (
	latexDisplay  = regexp.MustCompile(`(?s)\$\$(.+?)\$\$`)
	latexBracket  = regexp.MustCompile(`(?s)\\\[(.+?)\\\]`)
	latexParen    = regexp.MustCompile(`(?s)\\\((.+?)\\\)`)
	latexInline   = regexp.MustCompile(`\$([^$\d\s][^$]*?)\$`)
	latexFrac     = regexp.MustCompile(`\\frac\{([^{}]*)\}\{([^{}]*)\}`)
	latexSqrt     = regexp.MustCompile(`\\sqrt\{([^{}]*)\}`)
	latexCommand  = regexp.MustCompile(`\\([a-zA-Z]+)`)
	latexSubSuper = regexp.MustCompile(`\^\{?([^{}\s]+)\}?`)
)

var latexWords = map[string]string{
	"times":  " times ",
	"cdot":   " times ",
	"div":    " divided by ",
	"pm":     " plus or minus ",
	"leq":    " less than or equal to ",
	"geq":    " greater than or equal to ",
	"neq":    " not equal to ",
	"approx": " approximately ",
	"infty":  " infinity ",
	"pi":     " pi ",
	"alpha":  " alpha ",
	"beta":   " beta ",
	"theta":  " theta ",
	"sum":    " the sum of ",
}

// StripMarkup converts a chunk of markdown (with optional LaTeX) into plain
// text suitable for a speech synthesizer. Code blocks and images are
// dropped, link text is kept without its URL, ordered list items keep their
// number, and whitespace is collapsed. Emphasis or code markers left
// unbalanced by a forced cut are removed.
func StripMarkup(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	s = stripLatex(s)
	src := []byte(s)
	doc := markdown.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				b.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.Image, *ast.HTMLBlock, *ast.RawHTML, *ast.AutoLink:
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if list, ok := node.Parent().(*ast.List); ok && list.IsOrdered() {
				b.WriteString(strconv.Itoa(list.Start + itemIndex(node)))
				b.WriteByte(list.Marker)
				b.WriteByte(' ')
			}
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(node.Value)
		}
		return ast.WalkContinue, nil
	})

	return strings.Join(strings.Fields(dropStrayMarkers(b.String())), " ")
}

// itemIndex returns the position of item among its list's items.
func itemIndex(item ast.Node) int {
	i := 0
	for n := item.PreviousSibling(); n != nil; n = n.PreviousSibling() {
		i++
	}
	return i
}

// dropStrayMarkers removes emphasis and code markers the parser left as
// literal text. A lone asterisk between spaces is kept as arithmetic.
func dropStrayMarkers(s string) string {
	if !strings.ContainsAny(s, "*`_~") {
		return s
	}
	rs := []rune(s)
	var b strings.Builder
	for i := 0; i < len(rs); {
		r := rs[i]
		if r != '*' && r != '`' && r != '_' && r != '~' {
			b.WriteRune(r)
			i++
			continue
		}
		j := i
		for j < len(rs) && rs[j] == r {
			j++
		}
		run := j - i
		spaced := (i == 0 || unicode.IsSpace(rs[i-1])) && (j == len(rs) || unicode.IsSpace(rs[j]))
		keep := false
		switch r {
		case '*':
			keep = run == 1 && spaced && i > 0 && j < len(rs)
		case '_', '~':
			keep = run == 1
		}
		if keep {
			b.WriteString(string(rs[i:j]))
		}
		i = j
	}
	return b.String()
}

func stripLatex(s string) string {
	if !strings.ContainsAny(s, `$\`) {
		return s
	}
	s = latexDisplay.ReplaceAllString(s, "$1")
	s = latexBracket.ReplaceAllString(s, "$1")
	s = latexParen.ReplaceAllString(s, "$1")
	s = latexInline.ReplaceAllString(s, "$1")
	s = latexFrac.ReplaceAllString(s, "$1 over $2")
	s = latexSqrt.ReplaceAllString(s, "the square root of $1")
	s = latexSubSuper.ReplaceAllString(s, " to the power of $1")
	s = latexCommand.ReplaceAllStringFunc(s, func(cmd string) string {
		if w, ok := latexWords[cmd[1:]]; ok {
			return w
		}
		return ""
	})
	return strings.NewReplacer("{", "", "}", "").Replace(s)
}

package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teslashibe/go-duplex/pkg/conversation"
)

// Built-in tool names.
const (
	CurrentTimeTool     = "get_current_time"
	SearchKnowledgeTool = "search_knowledge_base"
)

// DefaultSearchLimit is the number of documents returned when the model
// does not ask for a specific count.
const DefaultSearchLimit = 3

// Document is a knowledge-base passage returned by a Retriever.
type Document struct {
	ID      string
	Title   string
	URL     string
	Content string
	Score   float64
}

// Retriever looks up knowledge-base passages relevant to a query.
type Retriever interface {
	Search(ctx context.Context, query string, limit int, callerID string) ([]Document, error)
}

// CurrentTimeArgs are the arguments of get_current_time.
type CurrentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema_description:"IANA time zone such as Europe/Paris. Defaults to UTC."`
}

// SearchArgs are the arguments of search_knowledge_base.
type SearchArgs struct {
	Query string `json:"query" jsonschema_description:"What to look up in the knowledge base."`
	Limit int    `json:"limit,omitempty" jsonschema_description:"Maximum number of passages to return." jsonschema:"minimum=1,maximum=10"`
}

// BuiltinConfig selects and configures the built-in tools.
type BuiltinConfig struct {
	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time

	// Retriever backs search_knowledge_base. The tool is not registered
	// when nil.
	Retriever Retriever
}

// RegisterBuiltins adds get_current_time and, when a retriever is
// configured, search_knowledge_base.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	err := Register(r, CurrentTimeTool,
		"Get the current date and time, optionally in a specific time zone.",
		func(ctx context.Context, args CurrentTimeArgs, call Call) (Result, error) {
			return currentTime(now(), args.Timezone)
		})
	if err != nil {
		return err
	}

	if cfg.Retriever == nil {
		return nil
	}
	return Register(r, SearchKnowledgeTool,
		"Search the knowledge base for passages relevant to the user's question. Cite what you use.",
		func(ctx context.Context, args SearchArgs, call Call) (Result, error) {
			return searchKnowledge(ctx, cfg.Retriever, args, call.CallerID)
		})
}

func currentTime(t time.Time, zone string) (Result, error) {
	loc := time.UTC
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return Result{}, fmt.Errorf("unknown time zone %q", zone)
		}
		loc = l
	}
	t = t.In(loc)
	return Result{
		Content: fmt.Sprintf("%s (%s)", t.Format("Monday, January 2, 2006 at 3:04 PM"), t.Format("MST")),
	}, nil
}

func searchKnowledge(ctx context.Context, retriever Retriever, args SearchArgs, callerID string) (Result, error) {
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return Result{}, errors.New("query is required")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	docs, err := retriever.Search(ctx, query, limit, callerID)
	if err != nil {
		return Result{}, err
	}
	if len(docs) == 0 {
		return Result{Content: "No matching passages were found."}, nil
	}
	if len(docs) > limit {
		docs = docs[:limit]
	}

	var b strings.Builder
	citations := make([]conversation.Citation, 0, len(docs))
	for i, d := range docs {
		title := d.Title
		if title == "" {
			title = d.ID
		}
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, title, strings.TrimSpace(d.Content))
		citations = append(citations, conversation.Citation{
			SourceID: d.ID,
			Title:    d.Title,
			URL:      d.URL,
			Snippet:  snippet(d.Content, 200),
			Score:    d.Score,
		})
	}
	return Result{
		Content:   strings.TrimSpace(b.String()),
		Citations: citations,
	}, nil
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

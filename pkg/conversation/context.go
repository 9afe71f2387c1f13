package conversation

import (
	"sync"
	"time"
)

// Limits bounds how much history a Context retains. Zero disables a limit.
type Limits struct {
	MaxMessages int `json:"max_messages"`
	MaxTokens   int `json:"max_tokens"`
}

// DefaultLimits returns the standard retention budget.
func DefaultLimits() Limits {
	return Limits{MaxMessages: 20, MaxTokens: 8000}
}

// Context is the history of one conversation. It is safe for concurrent
// use; chat and voice turns for the same conversation may share it.
type Context struct {
	mu           sync.RWMutex
	id           string
	systemPrompt string
	limits       Limits
	messages     []Message
	tokens       int
	createdAt    time.Time
	updatedAt    time.Time
	dropped      int

	now func() time.Time
}

// New creates an empty context.
func New(id, systemPrompt string, limits Limits) *Context {
	now := time.Now()
	return &Context{
		id:           id,
		systemPrompt: systemPrompt,
		limits:       limits,
		createdAt:    now,
		updatedAt:    now,
		now:          time.Now,
	}
}

// ID returns the conversation ID.
func (c *Context) ID() string {
	return c.id
}

// SystemPrompt returns the system prompt.
func (c *Context) SystemPrompt() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.systemPrompt
}

// SetSystemPrompt replaces the system prompt.
func (c *Context) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	c.systemPrompt = prompt
	c.mu.Unlock()
}

// Limits returns the retention budget.
func (c *Context) Limits() Limits {
	return c.limits
}

// AddMessage appends a message, assigning an ID and timestamp when
// missing, then trims. It returns the stored copy.
func (c *Context) AddMessage(msg Message) Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := c.appendLocked(msg)
	c.trimLocked()
	return stored.Clone()
}

// AddMessages appends several messages as one unit before trimming. Use
// it for an assistant tool-call message and its results so a trim never
// observes half a tool round.
func (c *Context) AddMessages(msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range msgs {
		c.appendLocked(m)
	}
	c.trimLocked()
}

func (c *Context) appendLocked(msg Message) Message {
	now := c.now()
	msg = msg.Clone()
	msg.fill(now)
	c.messages = append(c.messages, msg)
	c.tokens += EstimateTokens(msg)
	c.updatedAt = now
	return msg
}

// Messages returns a copy of the history, oldest first.
func (c *Context) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneAll(c.messages)
}

// MessagesForProvider returns the system prompt (if any) followed by the
// history, ready to send to a model.
func (c *Context) MessagesForProvider() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Message, 0, len(c.messages)+1)
	if c.systemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: c.systemPrompt})
	}
	for _, m := range c.messages {
		out = append(out, m.Clone())
	}
	return out
}

// Len returns the number of retained messages.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// TokenEstimate returns the estimated token count of the history.
func (c *Context) TokenEstimate() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// Dropped returns how many messages trimming has removed so far.
func (c *Context) Dropped() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped
}

// UpdatedAt returns the time of the last append.
func (c *Context) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

// Trim applies the retention budget and returns the number of messages
// removed. AddMessage and AddMessages trim automatically.
func (c *Context) Trim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trimLocked()
}

// trimLocked drops the oldest messages until the history fits both
// limits. The first retained message must not be a tool result, which
// keeps every tool-call message next to its results. If no such cut
// exists the history is left over budget.
func (c *Context) trimLocked() int {
	n := len(c.messages)
	overCount := c.limits.MaxMessages > 0 && n > c.limits.MaxMessages
	overTokens := c.limits.MaxTokens > 0 && c.tokens > c.limits.MaxTokens
	if !overCount && !overTokens {
		return 0
	}

	k := 0
	if overCount {
		k = n - c.limits.MaxMessages
	}
	remaining := c.tokens
	for i := 0; i < k; i++ {
		remaining -= EstimateTokens(c.messages[i])
	}
	for c.limits.MaxTokens > 0 && remaining > c.limits.MaxTokens && k < n-1 {
		remaining -= EstimateTokens(c.messages[k])
		k++
	}

	for k < n && c.messages[k].Role == RoleTool {
		remaining -= EstimateTokens(c.messages[k])
		k++
	}
	if k == 0 || k >= n {
		return 0
	}

	c.messages = append([]Message(nil), c.messages[k:]...)
	c.tokens = remaining
	c.dropped += k
	return k
}

// Snapshot is the serialisable form of a Context.
type Snapshot struct {
	ID           string    `json:"id"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Limits       Limits    `json:"limits"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Dropped      int       `json:"dropped,omitempty"`
}

// Snapshot captures the current state.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		ID:           c.id,
		SystemPrompt: c.systemPrompt,
		Limits:       c.limits,
		Messages:     cloneAll(c.messages),
		CreatedAt:    c.createdAt,
		UpdatedAt:    c.updatedAt,
		Dropped:      c.dropped,
	}
}

// Restore rebuilds a Context from a snapshot.
func Restore(s Snapshot) *Context {
	c := New(s.ID, s.SystemPrompt, s.Limits)
	c.messages = cloneAll(s.Messages)
	for _, m := range c.messages {
		c.tokens += EstimateTokens(m)
	}
	if !s.CreatedAt.IsZero() {
		c.createdAt = s.CreatedAt
	}
	if !s.UpdatedAt.IsZero() {
		c.updatedAt = s.UpdatedAt
	}
	c.dropped = s.Dropped
	return c
}

func cloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// Package tools is the registry of functions the model may call during a
// turn.
//
// Tools are registered with a typed argument struct; the JSON schema the
// model sees is reflected from that struct. Execute never returns an
// error: unknown tools, bad arguments, handler failures, timeouts and
// panics all come back as a Result with IsError set, which the thinker
// feeds to the model as the tool's output.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/teslashibe/go-duplex/internal/metrics"
	"github.com/teslashibe/go-duplex/pkg/conversation"
	"github.com/teslashibe/go-duplex/pkg/inference"
)

// DefaultTimeout bounds a single tool invocation.
const DefaultTimeout = 10 * time.Second

var (
	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tools: duplicate tool name")

	// ErrInvalidTool is returned for a tool without a name or handler.
	ErrInvalidTool = errors.New("tools: tool needs a name and a handler")
)

// Handler runs a tool. Arguments is the raw JSON object from the model.
type Handler func(ctx context.Context, call Call) (Result, error)

// Tool is a function the model can invoke.
type Tool struct {
	// Name is the unique identifier the model calls (e.g. "get_current_time").
	Name string

	// Description helps the model decide when to use the tool.
	Description string

	// Parameters is the JSON schema of the arguments object.
	Parameters *jsonschema.Schema

	// Handler is called when the model invokes the tool.
	Handler Handler
}

// Call is one invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments string

	// CallerID identifies the user on whose behalf the tool runs.
	CallerID string
}

// Result is what a tool returns to the model.
type Result struct {
	// Content is the text fed back to the model.
	Content string `json:"content"`

	// IsError marks a failed invocation.
	IsError bool `json:"is_error,omitempty"`

	// Citations lists knowledge sources the content came from.
	Citations []conversation.Citation `json:"citations,omitempty"`

	// Duration is how long the handler ran.
	Duration time.Duration `json:"-"`
}

// Info describes a registered tool for listings.
type Info struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l.With("component", "tools.registry") }
}

// Registry holds the available tools. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "tools.registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a tool.
func (r *Registry) Add(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return ErrInvalidTool
	}
	if t.Parameters == nil {
		t.Parameters = &jsonschema.Schema{Type: "object"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Register adds a tool whose arguments decode into T. The schema is
// reflected from T: fields without omitempty are required, and
// jsonschema_description tags become field descriptions.
func Register[T any](r *Registry, name, description string, fn func(ctx context.Context, args T, call Call) (Result, error)) error {
	return r.Add(Tool{
		Name:        name,
		Description: description,
		Parameters:  SchemaFor[T](),
		Handler: func(ctx context.Context, call Call) (Result, error) {
			var args T
			raw := call.Arguments
			if raw == "" {
				raw = "{}"
			}
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return Result{}, fmt.Errorf("invalid arguments: %w", err)
			}
			return fn(ctx, args, call)
		},
	})
}

// SchemaFor reflects the JSON schema of T as an inline object schema.
func SchemaFor[T any]() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	schema.Version = ""
	schema.ID = ""
	return schema
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List describes every registered tool, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Info{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions returns the tools in the form the inference provider
// expects.
func (r *Registry) Definitions() []inference.Tool {
	infos := r.List()
	out := make([]inference.Tool, len(infos))
	for i, info := range infos {
		out[i] = inference.NewTool(info.Name, info.Description, info.Parameters)
	}
	return out
}

// Execute runs the named tool. It never returns an error; every failure
// is reported through Result.IsError.
func (r *Registry) Execute(ctx context.Context, name, arguments, callerID string) Result {
	return r.ExecuteCall(ctx, Call{Name: name, Arguments: arguments, CallerID: callerID})
}

// ExecuteCall is Execute with the call ID preserved for logging.
func (r *Registry) ExecuteCall(ctx context.Context, call Call) (res Result) {
	start := time.Now()

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		metrics.RecordToolCall(call.Name, true)
		return Result{Content: fmt.Sprintf("unknown tool %q", call.Name), IsError: true}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked",
				"tool", call.Name,
				"call_id", call.ID,
				"panic", p,
			)
			res = Result{Content: fmt.Sprintf("tool %s failed", call.Name), IsError: true}
		}
		res.Duration = time.Since(start)
		metrics.RecordToolCall(call.Name, res.IsError)
	}()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out, err := tool.Handler(ctx, call)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", r.timeout)
		}
		r.logger.Warn("tool failed",
			"tool", call.Name,
			"call_id", call.ID,
			"error", err,
		)
		return Result{Content: fmt.Sprintf("tool %s failed: %v", call.Name, err), IsError: true}
	}

	r.logger.Debug("tool executed",
		"tool", call.Name,
		"call_id", call.ID,
		"caller_id", call.CallerID,
		"duration", time.Since(start),
	)
	return out
}

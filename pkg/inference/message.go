package inference

// Role identifies who authored a message.
type Role string

// Message roles of the OpenAI chat format.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the prompt sent to a provider.
//
// An assistant message that requested tools carries ToolCalls and is
// followed by one RoleTool message per call, matched by ToolCallID.
type Message struct {
	Role       Role
	Content    string
	Name       string
	ToolCalls  []ToolCall
	ToolCallID string
}

// HasToolCalls reports whether the message asks for tools to run.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// ToolCall is a complete function call requested by the model.
// Arguments is the raw JSON object the model produced.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Tool advertises a callable function to the model.
type Tool struct {
	Type     string
	Function ToolFunction
}

// ToolFunction describes a function and its JSON Schema parameters.
type ToolFunction struct {
	Name        string
	Description string
	Parameters  any
}

// NewSystemMessage returns a system prompt message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage returns a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage returns an assistant reply.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolMessage returns the result of the call identified by toolCallID.
func NewToolMessage(toolCallID, name, content string) Message {
	return Message{Role: RoleTool, ToolCallID: toolCallID, Name: name, Content: content}
}

// NewTool returns a function tool definition.
func NewTool(name, description string, parameters any) Tool {
	return Tool{
		Type:     "function",
		Function: ToolFunction{Name: name, Description: description, Parameters: parameters},
	}
}

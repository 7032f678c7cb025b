// Package llm is the model-call collaborator. The core never talks to a
// provider directly; it shapes prompts and consumes the Client contract,
// including a JSON response format that returns a parsed value.
package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// FormatJSON asks the provider for a parsed JSON object response.
const FormatJSON = "json"

// Request is one chat-completion call. Prompt is appended to Messages as a
// user turn; System, when set, is prepended as the system turn.
type Request struct {
	Prompt   string
	System   string
	Messages []Message

	Model    string
	Provider string
	BaseURL  string
	APIKey   string

	Format string // "" for plain text, FormatJSON for structured output
}

// Response carries the assistant reply plus the updated conversation.
// JSON is non-nil only when the request asked for FormatJSON and the
// reply parsed as a JSON object.
type Response struct {
	Text     string
	JSON     map[string]any
	Messages []Message
}

// Client is the single-call LLM contract.
type Client interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Context is a single request to a model.
type Context struct {
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// LLMAdapter is implemented by every language model provider.
type LLMAdapter interface {
	Name() string
	Generate(ctx context.Context, input Context) (Response, error)
	// Stream yields text deltas. The channel closes when the reply ends or
	// ctx is cancelled.
	Stream(ctx context.Context, input Context) (<-chan string, error)
}

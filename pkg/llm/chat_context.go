package llm

import "sync"

// ChatContext is the running conversation for one session. Append returns a
// new context, so a context handed to someone else never changes under them.
type ChatContext struct {
	messages []Message
}

func NewChatContext() *ChatContext {
	return &ChatContext{}
}

func (c *ChatContext) Append(role Role, text string) *ChatContext {
	next := make([]Message, 0, len(c.messages)+1)
	next = append(next, c.messages...)
	next = append(next, Message{Role: role, Content: text})
	return &ChatContext{messages: next}
}

// Messages returns a copy of the conversation.
func (c *ChatContext) Messages() []Message {
	if c == nil {
		return nil
	}
	return append([]Message(nil), c.messages...)
}

func (c *ChatContext) Len() int {
	if c == nil {
		return 0
	}
	return len(c.messages)
}

// Request builds a model request over the current messages.
func (c *ChatContext) Request() Context {
	return Context{Messages: c.Messages()}
}

// History is a ChatContext that is safe to extend from several goroutines.
type History struct {
	mu  sync.Mutex
	ctx *ChatContext
	max int
}

// NewHistory seeds a history. max bounds the non-system messages kept;
// zero keeps everything. Leading system messages are never trimmed.
func NewHistory(seed *ChatContext, max int) *History {
	if seed == nil {
		seed = NewChatContext()
	}
	return &History{ctx: seed, max: max}
}

func (h *History) Append(role Role, text string) {
	h.mu.Lock()
	h.ctx = trim(h.ctx.Append(role, text), h.max)
	h.mu.Unlock()
}

func (h *History) Snapshot() *ChatContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx
}

func trim(c *ChatContext, max int) *ChatContext {
	if max <= 0 {
		return c
	}
	head := 0
	for head < len(c.messages) && c.messages[head].Role == RoleSystem {
		head++
	}
	rest := len(c.messages) - head
	if rest <= max {
		return c
	}
	out := make([]Message, 0, head+max)
	out = append(out, c.messages[:head]...)
	out = append(out, c.messages[len(c.messages)-max:]...)
	return &ChatContext{messages: out}
}

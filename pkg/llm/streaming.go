package llm

import (
	"context"
	"strings"
)

// Collect drains a token stream into one string. It stops early when ctx
// ends and reports whether the stream ran to completion.
func Collect(ctx context.Context, tokens <-chan string) (string, bool) {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String(), false
		case tok, ok := <-tokens:
			if !ok {
				return b.String(), true
			}
			b.WriteString(tok)
		}
	}
}

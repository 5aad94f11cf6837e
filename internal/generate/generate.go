// Package generate provides the response-generation capability used by
// delivery workers when a message awaits a generated reply. Backends are
// swappable implementations of a single interface, not an inheritance
// hierarchy: a hosted chat-completions API client and a local stub.
package generate

import (
	"context"
	"fmt"
	"strings"
)

// Exchange is one prior message in the conversation, oldest first.
type Exchange struct {
	SenderID string
	Content  string
}

// Context carries the conversation state a backend may use to condition
// its reply.
type Context struct {
	ConversationID string
	TerminalID     string
	History        []Exchange
}

// Generator produces a reply for a prompt. Implementations may be slow or
// fail; callers are expected to bound the call with a context deadline and
// treat overruns as delivery failures.
type Generator interface {
	Generate(ctx context.Context, prompt string, gc Context) (string, error)
}

// FormatPrompt renders the conversation context and current message into a
// single prompt string.
func FormatPrompt(content string, gc Context) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, ex := range gc.History {
		fmt.Fprintf(&b, "%s: %s\n", ex.SenderID, ex.Content)
	}
	fmt.Fprintf(&b, "\nCurrent message: %s\n\nResponse:", content)
	return b.String()
}

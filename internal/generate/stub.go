package generate

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

var stubResponses = []string{
	"Echoing through the void...",
	"Signal received in the darkness...",
	"Processing quantum fluctuations...",
	"Calculating void resonance...",
}

// StubGenerator is a deterministic local backend used when no hosted model is
// configured. The reply depends only on the prompt, so tests can rely on it.
type StubGenerator struct{}

// NewStub creates a stub generator.
func NewStub() *StubGenerator {
	return &StubGenerator{}
}

func (StubGenerator) Generate(ctx context.Context, prompt string, gc Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := fnv.New32a()
	h.Write([]byte(prompt))
	reply := stubResponses[h.Sum32()%uint32(len(stubResponses))]
	ts := time.Now().Format("2006-01-02 15:04:05")
	return fmt.Sprintf("[%s] %s %s", ts, reply, prompt), nil
}

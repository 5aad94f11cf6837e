package generate

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFormatPrompt(t *testing.T) {
	gc := Context{
		TerminalID: "term-b",
		History: []Exchange{
			{SenderID: "term-a", Content: "hello"},
			{SenderID: "term-b", Content: "hi there"},
		},
	}

	got := FormatPrompt("how are you", gc)
	want := "Context:\nterm-a: hello\nterm-b: hi there\n\nCurrent message: how are you\n\nResponse:"
	if got != want {
		t.Fatalf("prompt = %q, want %q", got, want)
	}
}

func TestFormatPromptEmptyHistory(t *testing.T) {
	got := FormatPrompt("ping", Context{})
	want := "Context:\n\nCurrent message: ping\n\nResponse:"
	if got != want {
		t.Fatalf("prompt = %q, want %q", got, want)
	}
}

func TestStubIsDeterministic(t *testing.T) {
	stub := NewStub()
	ctx := context.Background()

	a, err := stub.Generate(ctx, "same prompt", Context{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _ := stub.Generate(ctx, "same prompt", Context{})

	// Strip the timestamp prefix; the chosen response must match.
	trim := func(s string) string { return s[strings.Index(s, "] "):] }
	if trim(a) != trim(b) {
		t.Fatalf("stub not deterministic: %q vs %q", a, b)
	}
	if !strings.Contains(a, "same prompt") {
		t.Fatalf("reply should echo the prompt: %q", a)
	}
}

func TestStubHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewStub().Generate(ctx, "x", Context{}); err == nil {
		t.Fatal("canceled context should error")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHostedGeneratorSuccess(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "pong"}}},
		})
	}))
	defer srv.Close()

	g := NewHosted(HostedOptions{APIKey: "test-key", BaseURL: srv.URL, Model: "gpt-3.5-turbo"}, testLogger())
	gc := Context{
		TerminalID: "term-b",
		History:    []Exchange{{SenderID: "term-b", Content: "earlier"}},
	}

	reply, err := g.Generate(context.Background(), "ping", gc)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "pong" {
		t.Fatalf("reply = %q, want pong", reply)
	}

	// History entries from this terminal map to the assistant role.
	if len(gotReq.Messages) != 3 {
		t.Fatalf("messages = %d, want system + history + prompt", len(gotReq.Messages))
	}
	if gotReq.Messages[1].Role != "assistant" {
		t.Fatalf("history role = %s, want assistant", gotReq.Messages[1].Role)
	}
}

func TestHostedGeneratorRetriesThenFails(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "boom"}})
	}))
	defer srv.Close()

	g := NewHosted(HostedOptions{APIKey: "k", BaseURL: srv.URL, Model: "m"}, testLogger())
	if _, err := g.Generate(context.Background(), "ping", Context{}); err == nil {
		t.Fatal("persistent server error should surface")
	}
	if calls != hostedMaxAttempts {
		t.Fatalf("calls = %d, want %d", calls, hostedMaxAttempts)
	}
}

func TestHostedGeneratorRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	g := NewHosted(HostedOptions{APIKey: "k", BaseURL: srv.URL, Model: "m"}, testLogger())
	if _, err := g.Generate(context.Background(), "ping", Context{}); err == nil {
		t.Fatal("empty choices should error")
	}
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"
)

type stubClient struct {
	name    string
	pingErr error
	calls   int
}

func (s *stubClient) Chat(_ context.Context, req Request) (*Response, error) {
	s.calls++
	return &Response{Model: req.Model, Message: Message{Role: RoleAssistant, Content: s.name}}, nil
}

func (s *stubClient) Ping(context.Context) error { return s.pingErr }

func TestMultiClient_Routing(t *testing.T) {
	local := &stubClient{name: "ollama"}
	hosted := &stubClient{name: "anthropic"}

	m := NewMultiClient(local)
	m.AddProvider("ollama", local)
	m.AddProvider("anthropic", hosted)
	m.AddModel("claude-sonnet-4-5", "anthropic")

	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-5", "anthropic"},
		{"qwen3:4b", "ollama"},
	}
	for _, tt := range tests {
		resp, err := m.Chat(context.Background(), Request{Model: tt.model})
		if err != nil {
			t.Fatalf("Chat(%s) error: %v", tt.model, err)
		}
		if resp.Message.Content != tt.want {
			t.Errorf("Chat(%s) routed to %q, want %q", tt.model, resp.Message.Content, tt.want)
		}
	}

	if got := m.Providers(); len(got) != 2 || got[0] != "anthropic" {
		t.Errorf("Providers() = %v", got)
	}
}

func TestMultiClient_NoProvider(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), Request{Model: "x"}); err == nil {
		t.Fatal("expected error with no provider")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping error with no provider")
	}
}

func TestMultiClient_PingJoinsErrors(t *testing.T) {
	m := NewMultiClient(nil)
	m.AddProvider("ollama", &stubClient{})
	m.AddProvider("openai", &stubClient{pingErr: errors.New("401 unauthorized")})

	err := m.Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "openai: 401") {
		t.Errorf("Ping() = %v, want openai error", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"rate limited", fmt.Errorf("%w: burst", ErrRateLimited), true},
		{"429", &ProviderError{Provider: "anthropic", StatusCode: http.StatusTooManyRequests}, true},
		{"529 overloaded", &ProviderError{Provider: "anthropic", StatusCode: 529}, true},
		{"500", &ProviderError{Provider: "openai", StatusCode: 500}, true},
		{"400", &ProviderError{Provider: "openai", StatusCode: 400}, false},
		{"401", &ProviderError{Provider: "openai", StatusCode: 401}, false},
		{"net timeout", fmt.Errorf("post: %w", timeoutErr{}), true},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"other", errors.New("bad schema"), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("%s: IsTransient = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRateLimited(t *testing.T) {
	next := &stubClient{name: "ok"}
	rl := NewRateLimited(next, 1, 1)

	if _, err := rl.Chat(context.Background(), Request{}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	// The bucket is empty and the next token is a second away.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := rl.Chat(ctx, Request{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second call err = %v, want ErrRateLimited", err)
	}
	if !IsTransient(err) {
		t.Error("rate limit errors should be transient")
	}
	if next.calls != 1 {
		t.Errorf("underlying calls = %d, want 1", next.calls)
	}
}

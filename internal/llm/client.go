package llm

import "context"

// Client is implemented by every model provider.
type Client interface {
	// Chat sends one request and returns either final text or tool calls.
	Chat(ctx context.Context, req Request) (*Response, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

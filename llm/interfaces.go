package llm

import (
	"context"
)

// Client provides a provider-neutral interface for making LLM API calls.
// Implementations handle provider-specific details internally. Calls block
// the calling goroutine, not the process; callers bound them with a context
// deadline.
type Client interface {
	// Synchronous sends a request and returns a complete response.
	Synchronous(ctx context.Context, req *Request) (*Response, error)
}

// ClientFunc adapts a function to the Client interface. Useful in tests.
type ClientFunc func(ctx context.Context, req *Request) (*Response, error)

// Synchronous implements Client.
func (f ClientFunc) Synchronous(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

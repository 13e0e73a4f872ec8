// Package llm defines the provider-neutral model invocation boundary and
// its error taxonomy. Provider adapters live in subpackages.
package llm

import "context"

// Client invokes a model once and returns the complete response. The
// orchestrator surfaces progress through its own event stream, so clients
// are synchronous; there is no token streaming at this boundary.
type Client interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

package ai

import "context"

// Backend abstracts one concrete AI endpoint (e.g., OpenRouter, a native
// SDK binding). Implementations are stateless besides configuration and
// safe for concurrent use.
type Backend interface {
	// Name identifies the adapter in errors, logs and health reports.
	Name() string

	// GenerateText performs a non-streaming generation. Errors cross this
	// boundary already wrapped with the adapter's identity.
	GenerateText(ctx context.Context, messages []Message, opts GenerationOptions) (*GenerationResult, error)

	// IsAvailable is a lightweight reachability probe. It never returns an
	// error; any internal fault maps to false.
	IsAvailable(ctx context.Context) bool
}

// StreamHandler is a generic callback for streaming chunks
type StreamHandler[T any] func(chunk T) error

// StreamingBackend is implemented by adapters that can stream. Callers
// must treat its absence as "synthesize a single fragment from the
// non-streaming result".
type StreamingBackend interface {
	Backend
	GenerateStream(ctx context.Context, messages []Message, opts GenerationOptions, onFragment StreamHandler[StreamFragment]) error
}

package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/accounting-finance-manager-sub006/domain/ai"
)

type stubBackend struct {
	name      string
	available bool
	calls     int
	generate  func() (*ai.GenerationResult, error)
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) GenerateText(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions) (*ai.GenerationResult, error) {
	s.calls++
	return s.generate()
}

func (s *stubBackend) IsAvailable(ctx context.Context) bool { return s.available }

type stubStreamingBackend struct {
	stubBackend
	streamCalls int
	stream      func(onFragment ai.StreamHandler[ai.StreamFragment]) error
}

func (s *stubStreamingBackend) GenerateStream(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions, onFragment ai.StreamHandler[ai.StreamFragment]) error {
	s.streamCalls++
	return s.stream(onFragment)
}

func succeedingStub(name string) *stubBackend {
	s := &stubBackend{name: name, available: true}
	s.generate = func() (*ai.GenerationResult, error) {
		return &ai.GenerationResult{
			Content: "ok",
			ModelID: "test-model",
			Usage:   &ai.TokenUsage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
		}, nil
	}
	return s
}

func failingStub(name string) *stubBackend {
	s := &stubBackend{name: name, available: true}
	s.generate = func() (*ai.GenerationResult, error) {
		return nil, &ai.ProviderError{Adapter: name, Status: 500, Message: "upstream unavailable"}
	}
	return s
}

func TestNewCircuitBreakerBackend(t *testing.T) {
	inner := succeedingStub("openrouter")
	wrapped := NewCircuitBreakerBackend(inner, DefaultCircuitBreakerConfig())

	assert.NotNil(t, wrapped)
	assert.Equal(t, "openrouter", wrapped.Name())
	assert.Empty(t, wrapped.GetCircuitStates())
}

func TestDefaultCircuitBreakerConfig(t *testing.T) {
	config := DefaultCircuitBreakerConfig()

	assert.True(t, config.Enabled)
	assert.Equal(t, uint32(5), config.FailureThreshold)
	assert.Equal(t, uint32(2), config.SuccessThreshold)
	assert.Equal(t, 60*time.Second, config.Timeout)
	assert.Equal(t, uint32(3), config.MaxRequests)
}

func TestCircuitBreakerBackend_DisabledPassesThrough(t *testing.T) {
	inner := failingStub("openrouter")
	wrapped := NewCircuitBreakerBackend(inner, CircuitBreakerConfig{Enabled: false})

	// Without the breaker every call must reach the adapter, no matter
	// how often it fails.
	for i := 0; i < 10; i++ {
		_, err := wrapped.GenerateText(context.Background(), nil, ai.GenerationOptions{})
		require.Error(t, err)
		assert.False(t, errors.Is(err, gobreaker.ErrOpenState))
	}

	assert.Equal(t, 10, inner.calls)
	assert.Empty(t, wrapped.GetCircuitStates())
}

func TestCircuitBreakerBackend_TripsAfterThreshold(t *testing.T) {
	inner := failingStub("openrouter")
	wrapped := NewCircuitBreakerBackend(inner, CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		MaxRequests:      1,
		Timeout:          time.Minute,
	})

	for i := 0; i < 3; i++ {
		_, err := wrapped.GenerateText(context.Background(), nil, ai.GenerationOptions{})
		require.Error(t, err)
	}
	assert.Equal(t, 3, inner.calls)

	// Breaker is open now; the next call fails fast without touching the
	// adapter.
	_, err := wrapped.GenerateText(context.Background(), nil, ai.GenerationOptions{})
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls)

	var perr *ai.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Message, "circuit breaker open")
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.True(t, ai.IsRetryable(err))
}

func TestCircuitBreakerBackend_ValidationDoesNotTrip(t *testing.T) {
	inner := &stubBackend{name: "openrouter", available: true}
	inner.generate = func() (*ai.GenerationResult, error) {
		return nil, &ai.ValidationError{Field: "messages", Message: "cannot be empty"}
	}
	wrapped := NewCircuitBreakerBackend(inner, CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		MaxRequests:      1,
		Timeout:          time.Minute,
	})

	for i := 0; i < 8; i++ {
		_, err := wrapped.GenerateText(context.Background(), nil, ai.GenerationOptions{})
		require.True(t, ai.IsValidation(err))
	}

	// Caller mistakes never open the breaker.
	assert.Equal(t, 8, inner.calls)
	assert.Equal(t, gobreaker.StateClosed, wrapped.GetCircuitStates()["default"])
}

func TestCircuitBreakerBackend_PerModelIsolation(t *testing.T) {
	inner := &stubBackend{name: "openrouter", available: true}
	inner.generate = func() (*ai.GenerationResult, error) {
		return nil, &ai.ProviderError{Adapter: "openrouter", Status: 500, Message: "boom"}
	}
	wrapped := NewCircuitBreakerBackend(inner, CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		MaxRequests:      1,
		Timeout:          time.Minute,
	})

	// Open the breaker for one model only.
	for i := 0; i < 2; i++ {
		_, err := wrapped.GenerateText(context.Background(), nil, ai.GenerationOptions{Model: "Org/Model.V1"})
		require.Error(t, err)
	}
	_, err := wrapped.GenerateText(context.Background(), nil, ai.GenerationOptions{Model: "Org/Model.V1"})
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, 2, inner.calls)

	// Another model still reaches the adapter.
	inner.generate = succeedingStub("openrouter").generate
	result, err := wrapped.GenerateText(context.Background(), nil, ai.GenerationOptions{Model: "other-model"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, 3, inner.calls)

	states := wrapped.GetCircuitStates()
	assert.Equal(t, gobreaker.StateOpen, states["org-model-v1"])
	assert.Equal(t, gobreaker.StateClosed, states["other-model"])
}

func TestCircuitBreakerBackend_IsAvailableBypassesBreaker(t *testing.T) {
	inner := failingStub("openrouter")
	wrapped := NewCircuitBreakerBackend(inner, CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		MaxRequests:      1,
		Timeout:          time.Minute,
	})

	_, err := wrapped.GenerateText(context.Background(), nil, ai.GenerationOptions{})
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, wrapped.GetCircuitStates()["default"])

	// Health probes reflect the real endpoint, not recent traffic.
	assert.True(t, wrapped.IsAvailable(context.Background()))
}

func TestCircuitBreakerBackend_StreamSynthesizesTerminalFragment(t *testing.T) {
	inner := succeedingStub("native")
	wrapped := NewCircuitBreakerBackend(inner, DefaultCircuitBreakerConfig())

	var fragments []ai.StreamFragment
	err := wrapped.GenerateStream(context.Background(), nil, ai.GenerationOptions{}, func(frag ai.StreamFragment) error {
		fragments = append(fragments, frag)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, "ok", fragments[0].Content)
	assert.Equal(t, "ok", fragments[0].Delta)
	assert.True(t, fragments[0].Done)
	require.NotNil(t, fragments[0].Usage)
	assert.Equal(t, 3, fragments[0].Usage.TotalTokens)
}

func TestCircuitBreakerBackend_StreamPassthrough(t *testing.T) {
	inner := &stubStreamingBackend{stubBackend: stubBackend{name: "openrouter", available: true}}
	inner.stream = func(onFragment ai.StreamHandler[ai.StreamFragment]) error {
		if err := onFragment(ai.StreamFragment{Content: "Hel", Delta: "Hel"}); err != nil {
			return err
		}
		return onFragment(ai.StreamFragment{Content: "Hello", Delta: "lo", Done: true})
	}
	wrapped := NewCircuitBreakerBackend(inner, DefaultCircuitBreakerConfig())

	var fragments []ai.StreamFragment
	err := wrapped.GenerateStream(context.Background(), nil, ai.GenerationOptions{}, func(frag ai.StreamFragment) error {
		fragments = append(fragments, frag)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, fragments, 2)
	assert.Equal(t, 1, inner.streamCalls)
	assert.True(t, fragments[1].Done)
}

func TestCircuitBreakerBackend_StreamFailsFastWhenOpen(t *testing.T) {
	inner := &stubStreamingBackend{stubBackend: stubBackend{name: "openrouter", available: true}}
	inner.generate = func() (*ai.GenerationResult, error) {
		return nil, &ai.ProviderError{Adapter: "openrouter", Status: 500, Message: "boom"}
	}
	inner.stream = func(onFragment ai.StreamHandler[ai.StreamFragment]) error {
		return onFragment(ai.StreamFragment{Content: "never", Done: true})
	}
	wrapped := NewCircuitBreakerBackend(inner, CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		MaxRequests:      1,
		Timeout:          time.Minute,
	})

	// Trip the shared per-model breaker through the non-streaming path.
	for i := 0; i < 2; i++ {
		_, err := wrapped.GenerateText(context.Background(), nil, ai.GenerationOptions{})
		require.Error(t, err)
	}

	err := wrapped.GenerateStream(context.Background(), nil, ai.GenerationOptions{}, func(frag ai.StreamFragment) error {
		t.Fatal("no fragment expected while the breaker is open")
		return nil
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, 0, inner.streamCalls)
}

func TestCircuitBreakerBackend_RecoversAfterTimeout(t *testing.T) {
	inner := failingStub("openrouter")
	wrapped := NewCircuitBreakerBackend(inner, CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		MaxRequests:      1,
		Timeout:          50 * time.Millisecond,
	})

	for i := 0; i < 2; i++ {
		_, err := wrapped.GenerateText(context.Background(), nil, ai.GenerationOptions{})
		require.Error(t, err)
	}
	_, err := wrapped.GenerateText(context.Background(), nil, ai.GenerationOptions{})
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))

	// After the open window the breaker admits a probe request; a success
	// closes it again.
	time.Sleep(80 * time.Millisecond)
	inner.generate = succeedingStub("openrouter").generate

	result, err := wrapped.GenerateText(context.Background(), nil, ai.GenerationOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, gobreaker.StateClosed, wrapped.GetCircuitStates()["default"])
}

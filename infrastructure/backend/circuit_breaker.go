package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/irfndi/accounting-finance-manager-sub006/domain/ai"
)

// CircuitBreakerConfig holds configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold" json:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests" json:"max_requests"`
}

// DefaultCircuitBreakerConfig returns sensible defaults for circuit breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,                // Open after 5 consecutive failures
		SuccessThreshold: 2,                // Close after 2 successes in half-open state
		Timeout:          60 * time.Second, // Stay open for 60 seconds
		MaxRequests:      3,                // Allow max 3 requests in half-open state
	}
}

// CircuitBreakerBackend wraps a backend adapter with circuit breaker
// protection. It maintains separate circuit breakers per model for
// granular failure isolation. When the circuit is open, calls fail fast
// with a retryable provider error so the orchestrator can fail over.
type CircuitBreakerBackend struct {
	inner    ai.Backend
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mutex    sync.RWMutex
}

// NewCircuitBreakerBackend creates a new circuit breaker wrapper around a backend
func NewCircuitBreakerBackend(inner ai.Backend, config CircuitBreakerConfig) *CircuitBreakerBackend {
	return &CircuitBreakerBackend{
		inner:    inner,
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *CircuitBreakerBackend) Name() string { return c.inner.Name() }

// IsAvailable bypasses the breaker: health reporting reflects the real
// probe, not the breaker's opinion of recent traffic.
func (c *CircuitBreakerBackend) IsAvailable(ctx context.Context) bool {
	return c.inner.IsAvailable(ctx)
}

func (c *CircuitBreakerBackend) GenerateText(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions) (*ai.GenerationResult, error) {
	if !c.config.Enabled {
		// Pass through if circuit breaker is disabled
		return c.inner.GenerateText(ctx, messages, opts)
	}

	breaker := c.getOrCreateBreaker(c.breakerKey(opts))

	result, err := breaker.Execute(func() (interface{}, error) {
		return c.inner.GenerateText(ctx, messages, opts)
	})
	if err != nil {
		return nil, c.mapBreakerError(err, opts)
	}

	return result.(*ai.GenerationResult), nil
}

func (c *CircuitBreakerBackend) GenerateStream(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions, onFragment ai.StreamHandler[ai.StreamFragment]) error {
	streaming, ok := c.inner.(ai.StreamingBackend)
	if !ok {
		// Inner adapter cannot stream; synthesize one terminal fragment
		// from the non-streaming result.
		result, err := c.GenerateText(ctx, messages, opts)
		if err != nil {
			return err
		}
		return onFragment(ai.StreamFragment{Content: result.Content, Delta: result.Content, Done: true, Usage: result.Usage})
	}

	if !c.config.Enabled {
		return streaming.GenerateStream(ctx, messages, opts, onFragment)
	}

	breaker := c.getOrCreateBreaker(c.breakerKey(opts))

	_, err := breaker.Execute(func() (interface{}, error) {
		err := streaming.GenerateStream(ctx, messages, opts, onFragment)
		return nil, err // gobreaker expects a return value, but streaming doesn't have one
	})
	if err != nil {
		return c.mapBreakerError(err, opts)
	}
	return nil
}

// GetCircuitStates returns the current state of all circuit breakers for monitoring
func (c *CircuitBreakerBackend) GetCircuitStates() map[string]gobreaker.State {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	states := make(map[string]gobreaker.State)
	for model, breaker := range c.breakers {
		states[model] = breaker.State()
	}
	return states
}

// getOrCreateBreaker gets or creates a circuit breaker for the specified model
func (c *CircuitBreakerBackend) getOrCreateBreaker(model string) *gobreaker.CircuitBreaker {
	c.mutex.RLock()
	if breaker, exists := c.breakers[model]; exists {
		c.mutex.RUnlock()
		return breaker
	}
	c.mutex.RUnlock()

	// Need to create a new breaker - acquire write lock
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Double-check pattern: another goroutine might have created it while we waited
	if breaker, exists := c.breakers[model]; exists {
		return breaker
	}

	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("%s-%s", c.inner.Name(), model),
		MaxRequests: c.config.MaxRequests,
		Interval:    0, // No automatic clearing of counts (we rely on timeout)
		Timeout:     c.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= c.config.FailureThreshold &&
				counts.TotalFailures >= c.config.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// Caller-input problems say nothing about endpoint health.
			return err == nil || ai.IsValidation(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker":    name,
				"from_state": from,
				"to_state":   to,
			}).Info("Circuit breaker state changed")
		},
	}

	breaker := gobreaker.NewCircuitBreaker(settings)
	c.breakers[model] = breaker

	logrus.WithField("model", model).Info("Created new circuit breaker for model")
	return breaker
}

func (c *CircuitBreakerBackend) mapBreakerError(err error, opts ai.GenerationOptions) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		logrus.WithFields(logrus.Fields{
			"adapter": c.inner.Name(),
			"model":   c.breakerKey(opts),
		}).Warn("Circuit breaker is open, failing fast")
		return &ai.ProviderError{
			Adapter: c.inner.Name(),
			Message: "circuit breaker open: requests are being rejected to prevent cascade failures",
			Err:     err,
		}
	}
	return err
}

// breakerKey normalizes the model identifier for use as a map key.
func (c *CircuitBreakerBackend) breakerKey(opts ai.GenerationOptions) string {
	if opts.Model != "" {
		model := strings.ToLower(strings.ReplaceAll(opts.Model, "/", "-"))
		return strings.ReplaceAll(model, ".", "-")
	}
	return "default"
}

package invocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/accounting-finance-manager-sub006/domain/ai"
)

const healthProbeTimeout = 5 * time.Second

// Orchestrator turns an ordered set of backend adapters into one
// dependable generation capability. For every logical call it walks the
// adapters in a fixed order, giving each one retryAttempts re-attempts
// with a fixed delay before failing over to the next. Attempts within
// one call are strictly sequential; racing adapters would double-bill
// the providers.
type Orchestrator struct {
	config ai.InvocationConfig
}

func NewOrchestrator(config ai.InvocationConfig) (*Orchestrator, error) {
	if config.Primary == nil {
		return nil, errors.New("primary adapter is required")
	}
	if config.RetryAttempts < 0 {
		return nil, fmt.Errorf("retry attempts must be >= 0, got %d", config.RetryAttempts)
	}
	if config.RetryDelay < 0 {
		return nil, fmt.Errorf("retry delay must be >= 0, got %s", config.RetryDelay)
	}
	if config.AttemptTimeout <= 0 {
		return nil, fmt.Errorf("attempt timeout must be > 0, got %s", config.AttemptTimeout)
	}
	return &Orchestrator{config: config}, nil
}

// Config exposes the immutable invocation settings.
func (o *Orchestrator) Config() ai.InvocationConfig { return o.config }

// GenerateText performs one non-streaming generation call across the
// configured adapters. The error on total failure identifies the last
// adapter tried and wraps its final error.
func (o *Orchestrator) GenerateText(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions) (*ai.GenerationResult, error) {
	if err := validateMessages(messages); err != nil {
		return nil, err
	}

	var lastErr error
	var lastAdapter string

	for i, adapter := range o.adapterOrder() {
		if i > 0 {
			logrus.WithFields(logrus.Fields{
				"from":  lastAdapter,
				"to":    adapter.Name(),
				"error": lastErr.Error(),
			}).Warn("Failing over to next adapter")
		}

		result, err := o.attemptAdapter(ctx, adapter, messages, opts)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if ai.IsValidation(err) {
			// Malformed input fails everywhere; surface immediately.
			return nil, err
		}

		lastErr = err
		lastAdapter = adapter.Name()
	}

	return nil, &ai.ExhaustedError{Adapter: lastAdapter, Err: lastErr}
}

// attemptAdapter runs the retry ladder for a single adapter: the initial
// attempt plus RetryAttempts re-attempts, waiting RetryDelay between
// them. A rate-limit hint larger than the configured delay wins. Quota
// denials stop the ladder immediately so the caller can fail over.
func (o *Orchestrator) attemptAdapter(ctx context.Context, adapter ai.Backend, messages []ai.Message, opts ai.GenerationOptions) (*ai.GenerationResult, error) {
	var lastErr error

	for attempt := 0; attempt <= o.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			wait := o.retryWait(lastErr)
			logrus.WithFields(logrus.Fields{
				"adapter": adapter.Name(),
				"attempt": attempt + 1,
				"wait":    wait,
			}).Info("Retrying adapter after delay")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := o.invokeOnce(ctx, adapter, messages, opts)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			// Caller cancellation is never treated as a retryable failure.
			return nil, ctx.Err()
		}

		lastErr = err
		logrus.WithFields(logrus.Fields{
			"adapter": adapter.Name(),
			"attempt": attempt + 1,
			"error":   err.Error(),
		}).Warn("Adapter attempt failed")

		if !ai.IsRetryable(err) {
			break
		}
	}

	return nil, lastErr
}

// invokeOnce wraps a single adapter call in the per-attempt timeout.
// Hitting the deadline is indistinguishable from a provider failure for
// retry purposes, so it maps to a timeout-flagged provider error.
func (o *Orchestrator) invokeOnce(ctx context.Context, adapter ai.Backend, messages []ai.Message, opts ai.GenerationOptions) (*ai.GenerationResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.config.AttemptTimeout)
	defer cancel()

	result, err := adapter.GenerateText(attemptCtx, messages, opts)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil && !ai.IsTimeout(err) {
			return nil, &ai.ProviderError{Adapter: adapter.Name(), Timeout: true, Err: err}
		}
		return nil, err
	}
	return result, nil
}

// retryWait returns the configured delay, or the endpoint's retry-after
// hint when that is larger.
func (o *Orchestrator) retryWait(lastErr error) time.Duration {
	wait := o.config.RetryDelay
	if hint, ok := ai.RetryAfterHint(lastErr); ok && hint > wait {
		wait = hint
	}
	return wait
}

// GetProvidersHealth probes every configured adapter independently and
// concurrently. One adapter's probe failure never affects another's
// result, and a probe failure is a report, not an error.
func (o *Orchestrator) GetProvidersHealth(ctx context.Context) map[string]ai.AdapterHealth {
	adapters := o.adapterOrder()
	results := make([]ai.AdapterHealth, len(adapters))

	var wg sync.WaitGroup
	for i, adapter := range adapters {
		wg.Add(1)
		go func(i int, adapter ai.Backend) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
			defer cancel()

			if adapter.IsAvailable(probeCtx) {
				results[i] = ai.AdapterHealth{Available: true}
				return
			}
			results[i] = ai.AdapterHealth{Available: false, Error: "availability probe failed"}
		}(i, adapter)
	}
	wg.Wait()

	health := make(map[string]ai.AdapterHealth, len(adapters))
	for i, adapter := range adapters {
		health[adapter.Name()] = results[i]
	}
	return health
}

// adapterOrder is fixed per call: primary first, then the fallback when
// configured. No reordering based on prior health.
func (o *Orchestrator) adapterOrder() []ai.Backend {
	if o.config.Fallback != nil {
		return []ai.Backend{o.config.Primary, o.config.Fallback}
	}
	return []ai.Backend{o.config.Primary}
}

func validateMessages(messages []ai.Message) error {
	if len(messages) == 0 {
		return &ai.ValidationError{Field: "messages", Message: "cannot be empty"}
	}

	const maxMessages = 100
	if len(messages) > maxMessages {
		return &ai.ValidationError{Field: "messages", Message: fmt.Sprintf("too many messages: %d (max %d)", len(messages), maxMessages)}
	}

	for i, msg := range messages {
		if msg.Role != ai.RoleUser && msg.Role != ai.RoleAssistant && msg.Role != ai.RoleSystem {
			return &ai.ValidationError{Field: "messages", Message: fmt.Sprintf("message %d: invalid role %q (must be user, assistant, or system)", i, msg.Role)}
		}
		if msg.Content == "" && len(msg.Attachments) == 0 {
			return &ai.ValidationError{Field: "messages", Message: fmt.Sprintf("message %d: content cannot be empty", i)}
		}
		const maxContentLength = 50000
		if len(msg.Content) > maxContentLength {
			return &ai.ValidationError{Field: "messages", Message: fmt.Sprintf("message %d: content too long (%d chars, max %d)", i, len(msg.Content), maxContentLength)}
		}
	}
	return nil
}

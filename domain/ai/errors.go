package ai

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy for adapter failures. Adapters attach their identity to
// every error before it crosses into the orchestrator, so callers can
// tell which backend failed apart from why it failed.

// ProviderError covers transport, server-side and response-parse
// failures. Timeout marks a per-attempt deadline hit, Network a failure
// before any HTTP status was received.
type ProviderError struct {
	Adapter string
	Timeout bool
	Network bool
	Status  int
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: attempt timed out", e.Adapter)
	case e.Status != 0:
		return fmt.Sprintf("%s: status %d: %s", e.Adapter, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Adapter, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Adapter, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RateLimitError signals HTTP 429 or an equivalent throttling response.
// RetryAfter is zero when the endpoint gave no hint.
type RateLimitError struct {
	Adapter    string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Adapter, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited: %s", e.Adapter, e.Message)
}

// QuotaExceededError signals a hard quota denial. It is never retried on
// the same adapter; the orchestrator fails over immediately.
type QuotaExceededError struct {
	Adapter string
	Message string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: quota exceeded: %s", e.Adapter, e.Message)
}

// ValidationError marks malformed caller input. It is surfaced
// immediately and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ExhaustedError is returned when every configured adapter has consumed
// its retry budget. It carries the identity of the last adapter tried
// and wraps its final error.
type ExhaustedError struct {
	Adapter string
	Err     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all adapters exhausted, last failure from %s: %v", e.Adapter, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsRetryable reports whether the orchestrator may re-attempt the same
// adapter after err. Validation and quota failures are terminal for the
// current adapter; anything else (transport, rate limit, unclassified)
// is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var qerr *QuotaExceededError
	if errors.As(err, &qerr) {
		return false
	}
	return true
}

// RetryAfterHint extracts the endpoint-suggested wait from a rate-limit
// error, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var rerr *RateLimitError
	if errors.As(err, &rerr) && rerr.RetryAfter > 0 {
		return rerr.RetryAfter, true
	}
	return 0, false
}

// IsQuotaExceeded reports whether err is a hard quota denial.
func IsQuotaExceeded(err error) bool {
	var qerr *QuotaExceededError
	return errors.As(err, &qerr)
}

// IsValidation reports whether err originates from caller input.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsTimeout reports whether err is a per-attempt timeout.
func IsTimeout(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Timeout
}

// IsNetwork reports whether err occurred before any endpoint response.
func IsNetwork(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Network
}

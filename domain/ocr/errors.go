package ocr

import (
	"context"
	"errors"

	"github.com/irfndi/accounting-finance-manager-sub006/domain/ai"
)

// ErrorCode is the closed classification every extraction failure maps
// to. The code drives both metrics aggregation and the retryable flag.
type ErrorCode string

const (
	CodeValidationFailed  ErrorCode = "validation-failed"
	CodeFileTooLarge      ErrorCode = "file-too-large"
	CodeUnsupportedFormat ErrorCode = "unsupported-format"
	CodeProcessingTimeout ErrorCode = "processing-timeout"
	CodeAIServiceError    ErrorCode = "ai-service-error"
	CodeNetworkError      ErrorCode = "network-error"
	CodeStorageError      ErrorCode = "storage-error"
	CodeUnknownError      ErrorCode = "unknown-error"
)

// ErrStorage marks failures reading file bytes out of the upload or
// object-storage collaborator, before any AI call.
var ErrStorage = errors.New("storage read failed")

// ValidationError is a pre-flight rejection. Code is one of the
// validation family: validation-failed, file-too-large or
// unsupported-format.
type ValidationError struct {
	Code    ErrorCode
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Classify maps an extraction failure onto the closed code set and
// reports whether a later retry of the whole call could succeed.
func Classify(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Code, false
	}
	if ai.IsValidation(err) {
		return CodeValidationFailed, false
	}
	if errors.Is(err, ErrStorage) {
		return CodeStorageError, true
	}
	if ai.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return CodeProcessingTimeout, true
	}
	if ai.IsNetwork(err) {
		return CodeNetworkError, true
	}

	var perr *ai.ProviderError
	var rerr *ai.RateLimitError
	var qerr *ai.QuotaExceededError
	var xerr *ai.ExhaustedError
	if errors.As(err, &perr) || errors.As(err, &rerr) || errors.As(err, &qerr) || errors.As(err, &xerr) {
		return CodeAIServiceError, true
	}

	return CodeUnknownError, false
}

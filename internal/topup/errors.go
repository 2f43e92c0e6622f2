package topup

import (
	"errors"
	"fmt"
)

// ProviderError classifies a failed top-up request. Retryable errors
// (network failures, timeouts, 5xx) may be resubmitted with the same
// customIdentifier; terminal errors (4xx validation, unsupported operator,
// insufficient provider balance) must surface to the caller.
type ProviderError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("provider error (%s): status=%d message=%q", kind, e.StatusCode, e.Message)
}

// IsRetryable reports whether err may be retried with the same order.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

package session

import (
	"errors"
	"strings"
)

var (
	// ErrBackendUnavailable indicates the backend could not be reached
	// or exited before producing a result. Transient; worth retrying.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrRateLimited indicates the backend refused the exchange due to
	// rate limiting or overload. Transient; worth retrying.
	ErrRateLimited = errors.New("rate limited")

	// ErrMalformedReply indicates the backend produced output that could
	// not be parsed into a result.
	ErrMalformedReply = errors.New("malformed reply")

	// ErrAuth indicates the backend rejected our credentials. Permanent;
	// retrying cannot help.
	ErrAuth = errors.New("authentication failed")

	// ErrTurnBudget indicates the backend stopped the exchange because it
	// hit its turn limit. Retrying the same exchange would spend the same
	// turns again, so this is permanent.
	ErrTurnBudget = errors.New("turn limit reached")

	// ErrRetriesExhausted indicates every retry attempt failed.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Retryable reports whether an error is transient enough that the same
// exchange may succeed on a later attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrBackendUnavailable)
}

// classifyFailure maps raw backend failure text onto a sentinel error.
// The text is typically stderr output or an error message body.
func classifyFailure(text string) error {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "overloaded"),
		strings.Contains(lower, "429"),
		strings.Contains(lower, "529"):
		return ErrRateLimited
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "authentication"),
		strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "401"),
		strings.Contains(lower, "403"):
		return ErrAuth
	default:
		return ErrBackendUnavailable
	}
}

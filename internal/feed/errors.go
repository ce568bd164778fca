package feed

import "errors"

// Fetch error taxonomy. ErrNetwork covers transient failures and is
// retried with backoff; the rest fail immediately.
var (
	ErrNetwork     = errors.New("network error")
	ErrAuthExpired = errors.New("authentication expired")
	ErrForbidden   = errors.New("forbidden")
	ErrNotFound    = errors.New("not found")
)

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}

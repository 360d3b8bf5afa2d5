package backoff

import (
	"context"
	"errors"
	"strings"

	"github.com/tableshift/tableshift/internal/models"
)

// retryKeywords is the fallback heuristic for errors that carry no explicit
// retryability marker. Matching is case-insensitive over the error message.
var retryKeywords = []string{
	"timeout",
	"timed out",
	"connection",
	"unavailable",
	"busy",
	"locked",
	"rate limit",
	"too many requests",
	"reset by peer",
	"refused",
	"temporarily",
	"try again",
}

// Retryable reports whether an error is worth retrying. An explicit
// models.Retryable marker from the data-access layer always wins; the keyword
// heuristic is only a last-resort classifier for unknown error types.
// Context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var marker models.Retryable
	if errors.As(err, &marker) {
		return marker.Retryable()
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range retryKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

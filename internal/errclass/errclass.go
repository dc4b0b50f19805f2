// Package errclass classifies errors into retry categories and computes
// retry backoff for the job queue.
package errclass

import (
	"errors"
	"strings"
)

// Category buckets an error by how the worker should respond to it.
type Category string

const (
	Transient Category = "transient"
	Permanent Category = "permanent"
	Unknown   Category = "unknown"
)

// Reason tags the cause with a value from a closed set.
type Reason string

const (
	ReasonIO             Reason = "io"
	ReasonNetwork        Reason = "network"
	ReasonTimeout        Reason = "timeout"
	ReasonRateLimit      Reason = "rate_limit"
	ReasonAnalyzerFailed Reason = "analyzer_failed"
	ReasonValidation     Reason = "validation"
	ReasonSchema         Reason = "schema"
	ReasonFileNotFound   Reason = "file_not_found"
	ReasonInvalidSession Reason = "invalid_session"
	ReasonEnvironment    Reason = "environment"
	ReasonInternal       Reason = "internal"
)

// Error is a category-tagged error. Its message carries a category prefix
// ("TransientError: ..." / "PermanentError: ...") so the tag survives plain
// string serialization and round-trips through logs and the job table.
type Error struct {
	Category Category
	Reason   Reason
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	prefix := ""
	switch e.Category {
	case Transient:
		prefix = "TransientError: "
	case Permanent:
		prefix = "PermanentError: "
	}
	return prefix + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NewTransient creates a transient error with the given reason.
func NewTransient(reason Reason, message string) *Error {
	return &Error{Category: Transient, Reason: reason, Message: message}
}

// NewPermanent creates a permanent error with the given reason.
func NewPermanent(reason Reason, message string) *Error {
	return &Error{Category: Permanent, Reason: reason, Message: message}
}

// Wrap attaches a category and reason to an existing error.
func Wrap(err error, category Category, reason Reason) *Error {
	return &Error{Category: category, Reason: reason, Message: err.Error(), Cause: err}
}

// messagePatterns maps substrings of untagged error messages to a
// classification. Checked in order; first match wins.
var messagePatterns = []struct {
	substr   string
	category Category
	reason   Reason
}{
	{"rate limit", Transient, ReasonRateLimit},
	{"rate_limit", Transient, ReasonRateLimit},
	{"too many requests", Transient, ReasonRateLimit},
	{"timeout", Transient, ReasonTimeout},
	{"timed out", Transient, ReasonTimeout},
	{"deadline exceeded", Transient, ReasonTimeout},
	{"connection refused", Transient, ReasonNetwork},
	{"connection reset", Transient, ReasonNetwork},
	{"network", Transient, ReasonNetwork},
	{"temporarily unavailable", Transient, ReasonNetwork},
	{"database is locked", Transient, ReasonIO},
	{"no such file", Permanent, ReasonFileNotFound},
	{"file not found", Permanent, ReasonFileNotFound},
	{"invalid session", Permanent, ReasonInvalidSession},
	{"validation", Permanent, ReasonValidation},
	{"schema", Permanent, ReasonSchema},
	{"permission denied", Permanent, ReasonIO},
}

// Classify determines the category and reason of err. Typed *Error values
// win; otherwise the message prefix tag, then the pattern table, then
// Unknown.
func Classify(err error) (Category, Reason) {
	if err == nil {
		return Unknown, ReasonInternal
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category, ce.Reason
	}

	msg := err.Error()
	if strings.HasPrefix(msg, "TransientError:") {
		return Transient, reasonFromMessage(msg, ReasonInternal)
	}
	if strings.HasPrefix(msg, "PermanentError:") {
		return Permanent, reasonFromMessage(msg, ReasonInternal)
	}

	lower := strings.ToLower(msg)
	for _, p := range messagePatterns {
		if strings.Contains(lower, p.substr) {
			return p.category, p.reason
		}
	}
	return Unknown, ReasonInternal
}

func reasonFromMessage(msg string, fallback Reason) Reason {
	lower := strings.ToLower(msg)
	for _, p := range messagePatterns {
		if strings.Contains(lower, p.substr) {
			return p.reason
		}
	}
	return fallback
}

// Classified is the result of classifying an error against a retry budget.
type Classified struct {
	Category    Category
	Reason      Reason
	Message     string
	ShouldRetry bool
}

// ClassifyWithContext classifies err and decides whether the job should be
// retried. Transient errors retry while under budget; unknown errors get
// exactly one retry; permanent errors never retry.
func ClassifyWithContext(err error, retryCount, maxRetries int) Classified {
	category, reason := Classify(err)
	retryable := category == Transient || (category == Unknown && retryCount == 0)
	return Classified{
		Category:    category,
		Reason:      reason,
		Message:     errMessage(err),
		ShouldRetry: retryable && retryCount < maxRetries,
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

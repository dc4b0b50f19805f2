package errclass

import (
	"fmt"
	"strings"
	"time"
)

// StoredError is the single-line persisted form of a classified error:
// [ISO-timestamp | category | reason | message | stack?] joined by "|".
type StoredError struct {
	Timestamp time.Time
	Category  Category
	Reason    Reason
	Message   string
	Stack     string
}

// FormatStoredError renders a classified error as one pipe-delimited line.
// Pipes inside the message are escaped so the line stays parseable.
func FormatStoredError(c Classified, at time.Time, stack string) string {
	fields := []string{
		at.UTC().Format(time.RFC3339),
		string(c.Category),
		string(c.Reason),
		escapePipes(c.Message),
	}
	if stack != "" {
		fields = append(fields, escapePipes(stack))
	}
	return strings.Join(fields, "|")
}

// ParseStoredError round-trips a line produced by FormatStoredError.
func ParseStoredError(s string) (StoredError, error) {
	parts := strings.Split(s, "|")
	if len(parts) < 4 {
		return StoredError{}, fmt.Errorf("stored error has %d fields, want at least 4: %q", len(parts), s)
	}
	ts, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return StoredError{}, fmt.Errorf("failed to parse stored error timestamp: %w", err)
	}
	se := StoredError{
		Timestamp: ts,
		Category:  Category(parts[1]),
		Reason:    Reason(parts[2]),
		Message:   unescapePipes(parts[3]),
	}
	if len(parts) > 4 {
		se.Stack = unescapePipes(strings.Join(parts[4:], "|"))
	}
	return se, nil
}

func escapePipes(s string) string {
	return strings.ReplaceAll(s, "|", "\\x7c")
}

func unescapePipes(s string) string {
	return strings.ReplaceAll(s, "\\x7c", "|")
}

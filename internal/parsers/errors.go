package parsers

import "fmt"

// ValidationError reports a raw record that cannot be normalized.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func missing(field string) error {
	return &ValidationError{Field: field, Reason: "missing"}
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

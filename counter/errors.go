package counter

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrAlreadyInState is returned by strict toggles when the user already
	// holds the requested state ("already liked").
	ErrAlreadyInState = errors.New("already in requested state")

	// ErrNotInState is returned by strict toggles when the user does not
	// hold the state being removed ("not liked yet").
	ErrNotInState = errors.New("not in requested state")
)

// ValidationError rejects malformed input before either store is touched.
// Fields maps a field name to its violation messages.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("validation failed:")
	for _, name := range names {
		b.WriteString(" " + name + ": " + strings.Join(e.Fields[name], ", ") + ";")
	}
	return strings.TrimSuffix(b.String(), ";")
}

// NewValidationError returns a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string][]string{field: {message}}}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

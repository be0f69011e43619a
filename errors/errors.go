package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrDestroyed       = errors.New("registry cache destroyed during construction")
	ErrBackendNotFound = errors.New("naming backend not found")
	ErrClosed          = errors.New("registry closed")
)

// ParseError reports a malformed address descriptor. It is never retried.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse address %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ConstructionError reports that the naming client behind a cache key could
// not be built. The key is released so a later call may retry.
type ConstructionError struct {
	Key string
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct registry %s: %v", e.Key, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// Parse returns a ParseError for input, recording the call stack.
func Parse(input string, cause any) error {
	return errors.WithStack(&ParseError{Input: input, Err: Wrap(cause)})
}

// Construction returns a ConstructionError for key.
func Construction(key string, cause error) error {
	return errors.WithStack(&ConstructionError{Key: key, Err: cause})
}

// Wrap turns p into an error carrying a stack trace.
func Wrap(p any) error {
	if p == nil {
		return nil
	}

	switch x := p.(type) {
	case error:
		return errors.WithStack(x)
	case string:
		return errors.New(x)
	default:
		return errors.New(fmt.Sprint(x))
	}
}

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

// IsParse reports whether err is, or wraps, a ParseError.
func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// IsConstruction reports whether err is, or wraps, a ConstructionError.
func IsConstruction(err error) bool {
	var ce *ConstructionError
	return errors.As(err, &ce)
}

package app

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by use cases. Callers match them with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrConflict       = errors.New("conflict")
	ErrCapacity       = errors.New("caller has reached the daily lead limit")
	ErrInactiveCaller = errors.New("caller is inactive")
)

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

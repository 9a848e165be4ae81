package storage

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when the referenced user or dialog has no document.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt is returned when a document fails to decode or validate.
	ErrCorrupt = errors.New("corrupt document")

	// ErrAlreadyExists is returned by OpenDialog when the dialog path is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrLimitReached is returned by AppendMessage once limits.max_messages is hit.
	ErrLimitReached = errors.New("dialog message limit reached")

	// ErrInvalidID is returned for dialog ids that cannot name a file.
	ErrInvalidID = errors.New("invalid dialog id")
)

// CorruptError carries the path and reason of a rejected document.
type CorruptError struct {
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrCorrupt, e.Path, e.Reason)
}

func (e *CorruptError) Unwrap() error { return ErrCorrupt }

func corrupt(path, format string, args ...any) error {
	return errors.WithStack(&CorruptError{Path: path, Reason: fmt.Sprintf(format, args...)})
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCorrupt reports whether err is, or wraps, ErrCorrupt.
func IsCorrupt(err error) bool { return errors.Is(err, ErrCorrupt) }

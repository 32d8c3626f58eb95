package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidSelection = errors.New("selected attribute is not among the field's candidates")
	// ErrStaleState means the caller acted on a cursor position that has
	// since moved; it must refetch the current field before retrying.
	ErrStaleState       = errors.New("session state is stale")
	ErrSessionPaused    = errors.New("session is paused")
	ErrSessionCompleted = errors.New("session is completed")
)

// ValidationError reports malformed upload or request contents.
type ValidationError struct {
	Row    int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Row > 0 && e.Field != "":
		return fmt.Sprintf("row %d, %s: %s", e.Row, e.Field, e.Reason)
	case e.Row > 0:
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return e.Reason
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

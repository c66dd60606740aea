package backend

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClickIntercepted is returned by Click when the click did not reach the control.
	ErrClickIntercepted = errors.New("click did not register")

	// ErrStaleElement is returned for elements found before the last navigation.
	ErrStaleElement = errors.New("element belongs to a previous page")

	// ErrForeignElement is returned for elements produced by a different backend.
	ErrForeignElement = errors.New("element was not produced by this backend")
)

// SetupError means the automation engine could not be started. It is the
// only error that ends a bypass run early.
type SetupError struct {
	Backend string
	Err     error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("failed to set up %s backend: %v", e.Backend, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// NavigationError means a page failed to load or timed out.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// Timeout reports whether the navigation ran out of time.
func (e *NavigationError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

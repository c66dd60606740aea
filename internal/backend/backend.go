// Package backend defines the browser automation capabilities the bypass
// engine consumes, independent of any particular automation engine.
package backend

import (
	"context"
	"fmt"
)

// Kind is the category of on-page control a lookup targets.
type Kind int

const (
	Checkbox Kind = iota
	Button
)

func (k Kind) String() string {
	switch k {
	case Checkbox:
		return "checkbox"
	case Button:
		return "button"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MatchSpec asks for controls of one Kind whose text or one of the named
// attributes contains Keyword, compared in lowercase.
//
// For checkboxes the text is that of the associated label; for buttons it is
// the visible text of the control.
type MatchSpec struct {
	Kind       Kind
	Keyword    string
	Text       bool
	Attributes []string
}

// SpecFor returns the default spec for a keyword: checkbox label or name,
// button text or value.
func SpecFor(kind Kind, keyword string) MatchSpec {
	spec := MatchSpec{Kind: kind, Keyword: keyword, Text: true}
	switch kind {
	case Checkbox:
		spec.Attributes = []string{"name"}
	case Button:
		spec.Attributes = []string{"value"}
	}
	return spec
}

func (s MatchSpec) String() string {
	return fmt.Sprintf("%s~%q", s.Kind, s.Keyword)
}

// Element is an opaque reference to a control found by FindElements. It is
// only valid for the Backend that produced it and only until the next
// navigation.
type Element interface {
	// Describe returns a short description for log lines.
	Describe() string
}

// Backend is a live handle on a browser automation engine.
//
// Every call is synchronous and bounded by the backend's own timeouts.
type Backend interface {
	// Open navigates to url. Load failures and timeouts return *NavigationError.
	Open(ctx context.Context, url string) error

	// FindElements returns the controls matching spec in document order.
	// No match is an empty slice and a nil error.
	FindElements(ctx context.Context, spec MatchSpec) ([]Element, error)

	// IsSelected reports whether a checkbox is checked.
	IsSelected(ctx context.Context, el Element) (bool, error)

	// IsClickable waits up to the element timeout for el to become visible and enabled.
	IsClickable(ctx context.Context, el Element) bool

	// Click performs a normal click. ErrClickIntercepted means the click did not register.
	Click(ctx context.Context, el Element) error

	// ForceClick invokes the control's action directly, bypassing hit-testing.
	ForceClick(ctx context.Context, el Element) error

	// PageText returns the text of the current page.
	PageText(ctx context.Context) (string, error)

	// Close releases the engine. It must be called exactly once.
	Close() error
}

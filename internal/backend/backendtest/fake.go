// Package backendtest provides a scripted, in-memory Backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ibeckermayer/portalbypass/internal/backend"
)

// Control is a fake on-page control.
type Control struct {
	Kind     backend.Kind
	Text     string
	Attrs    map[string]string
	Selected bool

	// Hidden makes IsClickable report false.
	Hidden bool
	// Intercept makes Click fail with backend.ErrClickIntercepted.
	Intercept bool
	// Swallow makes Click succeed without changing the control's state.
	Swallow bool
	// LateErr makes Click activate the control and then fail, like a
	// click that landed before its wait timed out.
	LateErr error
}

// Page is what the fake shows after Open.
type Page struct {
	Text     string
	Controls []*Control
}

// Click records one activation of a control.
type Click struct {
	Control *Control
	Forced  bool
}

// Fake implements backend.Backend over scripted pages.
type Fake struct {
	mu sync.Mutex

	// Pages maps URLs to page content. Unknown URLs load a blank page.
	Pages map[string]*Page
	// OpenErr makes Open fail for a URL. The page, if any, is still shown,
	// like a portal that times out mid-redirect.
	OpenErr map[string]error
	// FindErr makes FindElements fail for a keyword.
	FindErr map[string]error
	// TextErr makes PageText fail.
	TextErr error
	// PanicOn names a method that panics when called.
	PanicOn string

	current *Page
	gen     int
	opens   []string
	clicks  []Click
	finds   []backend.MatchSpec
	closes  int
}

type ref struct {
	c   *Control
	gen int
	idx int
}

func (r ref) Describe() string {
	return fmt.Sprintf("<%s #%d %q>", r.c.Kind, r.idx, r.c.Text)
}

var _ backend.Backend = (*Fake)(nil)

func (f *Fake) maybePanic(method string) {
	if f.PanicOn == method {
		panic(fmt.Sprintf("backendtest: %s exploded", method))
	}
}

// Open implements backend.Backend.
func (f *Fake) Open(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maybePanic("Open")

	f.opens = append(f.opens, url)
	f.gen++
	f.current = f.Pages[url]
	if f.current == nil {
		f.current = &Page{}
	}
	if err := f.OpenErr[url]; err != nil {
		return &backend.NavigationError{URL: url, Err: err}
	}
	return nil
}

// FindElements implements backend.Backend.
func (f *Fake) FindElements(_ context.Context, spec backend.MatchSpec) ([]backend.Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maybePanic("FindElements")

	f.finds = append(f.finds, spec)
	if err := f.FindErr[spec.Keyword]; err != nil {
		return nil, err
	}
	if f.current == nil {
		return nil, nil
	}

	kw := strings.ToLower(spec.Keyword)
	var out []backend.Element
	for i, c := range f.current.Controls {
		if c.Kind != spec.Kind {
			continue
		}
		if matches(c, spec, kw) {
			out = append(out, ref{c: c, gen: f.gen, idx: i})
		}
	}
	return out, nil
}

func matches(c *Control, spec backend.MatchSpec, kw string) bool {
	if spec.Text && strings.Contains(strings.ToLower(c.Text), kw) {
		return true
	}
	for _, attr := range spec.Attributes {
		if strings.Contains(strings.ToLower(c.Attrs[attr]), kw) {
			return true
		}
	}
	return false
}

func (f *Fake) resolve(el backend.Element) (*Control, error) {
	r, ok := el.(ref)
	if !ok {
		return nil, backend.ErrForeignElement
	}
	if r.gen != f.gen {
		return nil, backend.ErrStaleElement
	}
	return r.c, nil
}

// IsSelected implements backend.Backend.
func (f *Fake) IsSelected(_ context.Context, el backend.Element) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maybePanic("IsSelected")

	c, err := f.resolve(el)
	if err != nil {
		return false, err
	}
	return c.Selected, nil
}

// IsClickable implements backend.Backend.
func (f *Fake) IsClickable(_ context.Context, el backend.Element) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.resolve(el)
	return err == nil && !c.Hidden
}

// Click implements backend.Backend.
func (f *Fake) Click(_ context.Context, el backend.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maybePanic("Click")

	c, err := f.resolve(el)
	if err != nil {
		return err
	}
	f.clicks = append(f.clicks, Click{Control: c})
	if c.Intercept {
		return backend.ErrClickIntercepted
	}
	if !c.Swallow {
		activate(c)
	}
	return c.LateErr
}

// ForceClick implements backend.Backend.
func (f *Fake) ForceClick(_ context.Context, el backend.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maybePanic("ForceClick")

	c, err := f.resolve(el)
	if err != nil {
		return err
	}
	f.clicks = append(f.clicks, Click{Control: c, Forced: true})
	activate(c)
	return nil
}

func activate(c *Control) {
	if c.Kind == backend.Checkbox {
		c.Selected = !c.Selected
	}
}

// PageText implements backend.Backend.
func (f *Fake) PageText(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maybePanic("PageText")

	if f.TextErr != nil {
		return "", f.TextErr
	}
	if f.current == nil {
		return "", nil
	}
	return f.current.Text, nil
}

// Close implements backend.Backend.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// Opens returns every URL passed to Open.
func (f *Fake) Opens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opens...)
}

// Clicks returns every click and forced click in order.
func (f *Fake) Clicks() []Click {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Click(nil), f.clicks...)
}

// ClicksOn counts activations (direct or forced) of c.
func (f *Fake) ClicksOn(c *Control) int {
	n := 0
	for _, cl := range f.Clicks() {
		if cl.Control == c {
			n++
		}
	}
	return n
}

// Finds returns every spec passed to FindElements.
func (f *Fake) Finds() []backend.MatchSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.MatchSpec(nil), f.finds...)
}

// Closes returns how many times Close was called.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Checkbox builds an unchecked checkbox control with the given label.
func Checkbox(label string) *Control {
	return &Control{Kind: backend.Checkbox, Text: label}
}

// Button builds a button control with the given text.
func Button(text string) *Control {
	return &Control{Kind: backend.Button, Text: text}
}

// Package rodbackend drives Chrome through go-rod.
package rodbackend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/ibeckermayer/portalbypass/internal/backend"
)

// Name identifies this backend in config and logs.
const Name = "rod"

const pageTextJS = `() => document.body ? document.body.innerText : ""`

// Backend is a rod-controlled browser with a single page.
type Backend struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	opts     backend.Options
	logger   *zap.Logger

	mu        sync.Mutex
	gen       int
	closeOnce sync.Once
}

type element struct {
	el  *rod.Element
	gen int
}

func (e element) Describe() string {
	if e.el.Object != nil && e.el.Object.Description != "" {
		return "<" + e.el.Object.Description + ">"
	}
	return "<element>"
}

var _ backend.Backend = (*Backend)(nil)

// New launches a browser and opens a blank page. Any failure is a
// *backend.SetupError and leaves no process behind.
func New(opts backend.Options, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := launcher.New().
		Headless(opts.Headless).
		NoSandbox(opts.NoSandbox).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("disable-blink-features", "AutomationControlled")
	if opts.ExecPath != "" {
		l = l.Bin(opts.ExecPath)
	}

	u, err := l.Launch()
	if err != nil {
		return nil, &backend.SetupError{Backend: Name, Err: fmt.Errorf("failed to launch browser: %w", err)}
	}

	b := &Backend{launcher: l, opts: opts, logger: logger}
	b.browser = rod.New().ControlURL(u)
	if err := b.browser.Connect(); err != nil {
		stop(l)
		return nil, &backend.SetupError{Backend: Name, Err: fmt.Errorf("failed to connect to browser: %w", err)}
	}

	b.page, err = b.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err == nil && opts.UserAgent != "" {
		err = b.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent})
	}
	if err != nil {
		_ = b.browser.Close()
		stop(l)
		return nil, &backend.SetupError{Backend: Name, Err: fmt.Errorf("failed to open page: %w", err)}
	}

	logger.Info("browser started", zap.Bool("headless", opts.Headless))
	return b, nil
}

// stop kills a launched browser and removes its profile directory.
func stop(l *launcher.Launcher) {
	l.Kill()
	l.Cleanup()
}

func (b *Backend) currentGen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

func (b *Backend) resolve(el backend.Element) (*rod.Element, error) {
	e, ok := el.(element)
	if !ok {
		return nil, backend.ErrForeignElement
	}
	if e.gen != b.currentGen() {
		return nil, backend.ErrStaleElement
	}
	return e.el, nil
}

// Open implements backend.Backend.
func (b *Backend) Open(ctx context.Context, url string) error {
	b.mu.Lock()
	b.gen++
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.opts.PageLoadTimeout)
	defer cancel()

	p := b.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return &backend.NavigationError{URL: url, Err: err}
	}
	if err := p.WaitLoad(); err != nil {
		return &backend.NavigationError{URL: url, Err: err}
	}
	return nil
}

// FindElements implements backend.Backend.
func (b *Backend) FindElements(ctx context.Context, spec backend.MatchSpec) ([]backend.Element, error) {
	gen := b.currentGen()
	ctx, cancel := context.WithTimeout(ctx, b.opts.ElementTimeout)
	defer cancel()

	found, err := b.page.Context(ctx).ElementsX(backend.XPath(spec))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", spec, err)
	}

	els := make([]backend.Element, 0, len(found))
	for _, el := range found {
		// Detach from the query context so later calls get their own deadline.
		els = append(els, element{el: el.Context(context.Background()), gen: gen})
	}
	return els, nil
}

// IsSelected implements backend.Backend.
func (b *Backend) IsSelected(ctx context.Context, el backend.Element) (bool, error) {
	e, err := b.resolve(el)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.ElementTimeout)
	defer cancel()

	checked, err := e.Context(ctx).Property("checked")
	if err != nil {
		return false, fmt.Errorf("failed to read checked state: %w", err)
	}
	return checked.Bool(), nil
}

// IsClickable implements backend.Backend.
func (b *Backend) IsClickable(ctx context.Context, el backend.Element) bool {
	e, err := b.resolve(el)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.ElementTimeout)
	defer cancel()

	e = e.Context(ctx)
	return e.WaitVisible() == nil && e.WaitEnabled() == nil
}

// Click implements backend.Backend. An element covered by another one is
// reported as backend.ErrClickIntercepted without waiting for it to clear.
func (b *Backend) Click(ctx context.Context, el backend.Element) error {
	e, err := b.resolve(el)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.ElementTimeout)
	defer cancel()
	e = e.Context(ctx)

	if err := e.ScrollIntoView(); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	// Other Interactable errors (not laid out yet, still animating) are left
	// to Click, which waits them out.
	var covered *rod.CoveredError
	var passThrough *rod.NoPointerEventsError
	if _, err := e.Interactable(); errors.As(err, &covered) || errors.As(err, &passThrough) {
		return fmt.Errorf("%w: %v", backend.ErrClickIntercepted, err)
	}

	if err := e.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

// ForceClick implements backend.Backend.
func (b *Backend) ForceClick(ctx context.Context, el backend.Element) error {
	e, err := b.resolve(el)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.ElementTimeout)
	defer cancel()

	if _, err := e.Context(ctx).Eval(`() => this.click()`); err != nil {
		return fmt.Errorf("forced click failed: %w", err)
	}
	return nil
}

// PageText implements backend.Backend.
func (b *Backend) PageText(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.ElementTimeout)
	defer cancel()

	res, err := b.page.Context(ctx).Eval(pageTextJS)
	if err != nil {
		return "", fmt.Errorf("failed to read page text: %w", err)
	}
	return res.Value.Str(), nil
}

// Close shuts the browser down and removes its profile directory.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.browser.Close()
		b.launcher.Kill()
		b.launcher.Cleanup()
		b.logger.Debug("browser stopped")
	})
	return err
}

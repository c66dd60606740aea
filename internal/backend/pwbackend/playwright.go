// Package pwbackend drives Chromium through Playwright.
package pwbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/ibeckermayer/portalbypass/internal/backend"
)

// Name identifies this backend in config and logs.
const Name = "playwright"

var runOptions = &playwright.RunOptions{
	Browsers: []string{"chromium"},
	Verbose:  false,
	Stdout:   io.Discard,
	Stderr:   io.Discard,
}

// Install downloads the Playwright driver and Chromium.
func Install() error {
	if err := playwright.Install(runOptions); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}
	return nil
}

// Backend is a Playwright Chromium instance with a single page.
type Backend struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page
	opts    backend.Options
	logger  *zap.Logger

	mu        sync.Mutex
	gen       int
	closeOnce sync.Once
}

type locator struct {
	loc  playwright.Locator
	spec backend.MatchSpec
	idx  int
	gen  int
}

func (l locator) Describe() string {
	return fmt.Sprintf("<%s #%d>", l.spec, l.idx)
}

var _ backend.Backend = (*Backend)(nil)

// New starts the Playwright driver and launches Chromium. Any failure is a
// *backend.SetupError and leaves no process behind.
func New(opts backend.Options, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	setupErr := func(msg string, err error) error {
		return &backend.SetupError{Backend: Name, Err: fmt.Errorf("%s: %w", msg, err)}
	}

	pw, err := playwright.Run(runOptions)
	if err != nil {
		return nil, setupErr("failed to start playwright", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless:        playwright.Bool(opts.Headless),
		ChromiumSandbox: playwright.Bool(!opts.NoSandbox),
	}
	if opts.ExecPath != "" {
		launchOpts.ExecutablePath = playwright.String(opts.ExecPath)
	}
	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, setupErr("failed to launch browser", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{}
	if opts.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	bctx, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, setupErr("failed to create context", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, setupErr("failed to create page", err)
	}
	page.SetDefaultTimeout(millis(opts.ElementTimeout))

	logger.Info("chromium started", zap.Bool("headless", opts.Headless))
	return &Backend{pw: pw, browser: browser, page: page, opts: opts, logger: logger}, nil
}

func millis(d time.Duration) float64 {
	return float64(d.Milliseconds())
}

func (b *Backend) currentGen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

func (b *Backend) resolve(el backend.Element) (playwright.Locator, error) {
	l, ok := el.(locator)
	if !ok {
		return nil, backend.ErrForeignElement
	}
	if l.gen != b.currentGen() {
		return nil, backend.ErrStaleElement
	}
	return l.loc, nil
}

// timeout returns the smaller of d and the time left on ctx.
func timeout(ctx context.Context, d time.Duration) *float64 {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			d = max(left, time.Millisecond)
		}
	}
	return playwright.Float(millis(d))
}

// Open implements backend.Backend.
func (b *Backend) Open(ctx context.Context, url string) error {
	b.mu.Lock()
	b.gen++
	b.mu.Unlock()

	_, err := b.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   timeout(ctx, b.opts.PageLoadTimeout),
		WaitUntil: playwright.WaitUntilStateLoad,
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return &backend.NavigationError{URL: url, Err: err}
	}
	return nil
}

// FindElements implements backend.Backend.
func (b *Backend) FindElements(ctx context.Context, spec backend.MatchSpec) ([]backend.Element, error) {
	gen := b.currentGen()

	all, err := b.page.Locator("xpath=" + backend.XPath(spec)).All()
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", spec, err)
	}

	els := make([]backend.Element, 0, len(all))
	for i, loc := range all {
		els = append(els, locator{loc: loc, spec: spec, idx: i, gen: gen})
	}
	return els, nil
}

// IsSelected implements backend.Backend.
func (b *Backend) IsSelected(ctx context.Context, el backend.Element) (bool, error) {
	loc, err := b.resolve(el)
	if err != nil {
		return false, err
	}
	checked, err := loc.IsChecked(playwright.LocatorIsCheckedOptions{Timeout: timeout(ctx, b.opts.ElementTimeout)})
	if err != nil {
		return false, fmt.Errorf("failed to read checked state: %w", err)
	}
	return checked, nil
}

// IsClickable implements backend.Backend.
func (b *Backend) IsClickable(ctx context.Context, el backend.Element) bool {
	loc, err := b.resolve(el)
	if err != nil {
		return false
	}
	err = loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: timeout(ctx, b.opts.ElementTimeout),
	})
	if err != nil {
		return false
	}
	enabled, err := loc.IsEnabled()
	return err == nil && enabled
}

// Click implements backend.Backend. Playwright retries a click whose target
// is covered until the timeout, so a timeout is reported as
// backend.ErrClickIntercepted.
func (b *Backend) Click(ctx context.Context, el backend.Element) error {
	loc, err := b.resolve(el)
	if err != nil {
		return err
	}
	err = loc.Click(playwright.LocatorClickOptions{Timeout: timeout(ctx, b.opts.ElementTimeout)})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, playwright.ErrTimeout):
		return fmt.Errorf("%w: %v", backend.ErrClickIntercepted, err)
	default:
		return fmt.Errorf("click failed: %w", err)
	}
}

// ForceClick implements backend.Backend.
func (b *Backend) ForceClick(ctx context.Context, el backend.Element) error {
	loc, err := b.resolve(el)
	if err != nil {
		return err
	}
	_, err = loc.Evaluate(`el => el.click()`, nil, playwright.LocatorEvaluateOptions{
		Timeout: timeout(ctx, b.opts.ElementTimeout),
	})
	if err != nil {
		return fmt.Errorf("forced click failed: %w", err)
	}
	return nil
}

// PageText implements backend.Backend.
func (b *Backend) PageText(ctx context.Context) (string, error) {
	text, err := b.page.Locator("body").InnerText(playwright.LocatorInnerTextOptions{
		Timeout: timeout(ctx, b.opts.ElementTimeout),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read page text: %w", err)
	}
	return text, nil
}

// Close shuts down the browser and the Playwright driver.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = errors.Join(b.browser.Close(), b.pw.Stop())
		b.logger.Debug("chromium stopped")
	})
	return err
}

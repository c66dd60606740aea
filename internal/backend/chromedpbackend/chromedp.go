// Package chromedpbackend drives headless Chrome over the DevTools protocol.
package chromedpbackend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/ibeckermayer/portalbypass/internal/backend"
	"github.com/ibeckermayer/portalbypass/internal/logging"
)

// Name identifies this backend in config and logs.
const Name = "chromedp"

const pageTextJS = `document.body ? document.body.innerText : ""`

// hitTestJS reports whether a click at the centre of the element reaches
// it, either directly or through a label bound to it.
const hitTestJS = `function() {
	this.scrollIntoView({block: "center", inline: "center"});
	const r = this.getBoundingClientRect();
	const hit = document.elementFromPoint(r.left + r.width / 2, r.top + r.height / 2);
	if (hit === null) return false;
	if (hit === this || this.contains(hit)) return true;
	const label = hit.closest("label");
	return label !== null && label.control === this;
}`

const clickJS = `function() { this.click(); }`

// Backend is a single Chrome tab.
type Backend struct {
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	opts        backend.Options
	logger      *zap.Logger

	mu        sync.Mutex
	gen       int
	closeOnce sync.Once
}

type node struct {
	n   *cdp.Node
	gen int
}

func (n node) Describe() string {
	desc := "<" + n.n.LocalName
	if name := n.n.AttributeValue("name"); name != "" {
		desc += fmt.Sprintf(" name=%q", name)
	}
	if id := n.n.AttributeValue("id"); id != "" {
		desc += fmt.Sprintf(" id=%q", id)
	}
	return desc + ">"
}

func (n node) ids() []cdp.NodeID { return []cdp.NodeID{n.n.NodeID} }

var _ backend.Backend = (*Backend)(nil)

// New launches Chrome and opens a blank tab. Any failure is a
// *backend.SetupError and leaves no process behind.
func New(opts backend.Options, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	ctx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logging.Printf(logger)),
	)

	// Start the browser
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, &backend.SetupError{Backend: Name, Err: err}
	}

	logger.Info("chrome started", zap.Bool("headless", opts.Headless))

	return &Backend{
		allocCancel: allocCancel,
		ctx:         ctx,
		cancel:      cancel,
		opts:        opts,
		logger:      logger,
	}, nil
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (b *Backend) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (b *Backend) resolve(el backend.Element) (node, error) {
	n, ok := el.(node)
	if !ok {
		return node{}, backend.ErrForeignElement
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n.gen != b.gen {
		return node{}, backend.ErrStaleElement
	}
	return n, nil
}

// Open implements backend.Backend.
func (b *Backend) Open(ctx context.Context, url string) error {
	b.mu.Lock()
	b.gen++
	b.mu.Unlock()

	b.logger.Debug("navigating", zap.String("url", url))
	if err := b.run(ctx, b.opts.PageLoadTimeout, chromedp.Navigate(url)); err != nil {
		return &backend.NavigationError{URL: url, Err: err}
	}
	return nil
}

// FindElements implements backend.Backend.
func (b *Backend) FindElements(ctx context.Context, spec backend.MatchSpec) ([]backend.Element, error) {
	b.mu.Lock()
	gen := b.gen
	b.mu.Unlock()

	var nodes []*cdp.Node
	err := b.run(ctx, b.opts.ElementTimeout,
		chromedp.Nodes(backend.XPath(spec), &nodes, chromedp.BySearch, chromedp.AtLeast(0)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", spec, err)
	}

	els := make([]backend.Element, 0, len(nodes))
	for _, n := range nodes {
		els = append(els, node{n: n, gen: gen})
	}
	return els, nil
}

// IsSelected implements backend.Backend.
func (b *Backend) IsSelected(ctx context.Context, el backend.Element) (bool, error) {
	n, err := b.resolve(el)
	if err != nil {
		return false, err
	}

	var checked bool
	if err := b.run(ctx, b.opts.ElementTimeout,
		chromedp.JavascriptAttribute(n.ids(), "checked", &checked, chromedp.ByNodeID),
	); err != nil {
		return false, fmt.Errorf("failed to read checked state of %s: %w", n.Describe(), err)
	}
	return checked, nil
}

// IsClickable implements backend.Backend.
func (b *Backend) IsClickable(ctx context.Context, el backend.Element) bool {
	n, err := b.resolve(el)
	if err != nil {
		return false
	}

	err = b.run(ctx, b.opts.ElementTimeout,
		chromedp.WaitVisible(n.ids(), chromedp.ByNodeID),
		chromedp.WaitEnabled(n.ids(), chromedp.ByNodeID),
	)
	return err == nil
}

// Click implements backend.Backend. The element is hit-tested first: when
// something else covers its centre the mouse events are not sent and
// backend.ErrClickIntercepted is returned.
func (b *Backend) Click(ctx context.Context, el backend.Element) error {
	n, err := b.resolve(el)
	if err != nil {
		return err
	}

	err = b.run(ctx, b.opts.ElementTimeout, chromedp.QueryAfter(n.ids(),
		func(ctx context.Context, _ runtime.ExecutionContextID, nodes ...*cdp.Node) error {
			if len(nodes) < 1 {
				return fmt.Errorf("%s is gone", n.Describe())
			}
			res, err := callOn(ctx, nodes[0], hitTestJS)
			if err != nil {
				return err
			}
			if string(res.Value) != "true" {
				return backend.ErrClickIntercepted
			}
			return chromedp.MouseClickNode(nodes[0]).Do(ctx)
		},
		chromedp.ByNodeID, chromedp.NodeVisible,
	))
	if err != nil {
		return fmt.Errorf("click on %s failed: %w", n.Describe(), err)
	}
	return nil
}

// ForceClick implements backend.Backend by calling the element's click()
// method in page script.
func (b *Backend) ForceClick(ctx context.Context, el backend.Element) error {
	n, err := b.resolve(el)
	if err != nil {
		return err
	}

	return b.run(ctx, b.opts.ElementTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := callOn(ctx, n.n, clickJS)
		return err
	}))
}

// callOn runs fn with this bound to the node and returns its value.
func callOn(ctx context.Context, n *cdp.Node, fn string) (*runtime.RemoteObject, error) {
	obj, err := dom.ResolveNode().WithNodeID(n.NodeID).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve <%s>: %w", n.LocalName, err)
	}
	res, exc, err := runtime.CallFunctionOn(fn).
		WithObjectID(obj.ObjectID).
		WithReturnByValue(true).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if exc != nil {
		return nil, exc
	}
	return res, nil
}

// PageText implements backend.Backend.
func (b *Backend) PageText(ctx context.Context) (string, error) {
	var text string
	if err := b.run(ctx, b.opts.ElementTimeout, chromedp.Evaluate(pageTextJS, &text)); err != nil {
		return "", fmt.Errorf("failed to read page text: %w", err)
	}
	return text, nil
}

// Close shuts the tab and the browser process.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = chromedp.Cancel(b.ctx)
		b.cancel()
		b.allocCancel()
		b.logger.Debug("chrome stopped")
	})
	return err
}

// Package formbackend is a browserless backend. It fetches pages over HTTP,
// finds controls with goquery and emulates clicks by toggling checkboxes and
// submitting the enclosing HTML form. Portals that build their controls in
// script are out of its reach.
package formbackend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/ibeckermayer/portalbypass/internal/backend"
)

// Name identifies this backend in config and logs.
const Name = "form"

const maxBody = 4 << 20

var errNoForm = errors.New("button is not part of a form")

// Backend holds one "page": the last document fetched.
type Backend struct {
	client *http.Client
	opts   backend.Options
	logger *zap.Logger

	mu   sync.Mutex
	gen  int
	doc  *goquery.Document
	base *url.URL
	raw  string
}

type control struct {
	sel *goquery.Selection
	gen int
}

func (c control) Describe() string {
	desc := "<" + goquery.NodeName(c.sel)
	for _, attr := range []string{"type", "name", "id"} {
		if v, ok := c.sel.Attr(attr); ok {
			desc += fmt.Sprintf(" %s=%q", attr, v)
		}
	}
	return desc + ">"
}

var _ backend.Backend = (*Backend)(nil)

// New creates a backend with its own cookie jar.
func New(opts backend.Options, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, &backend.SetupError{Backend: Name, Err: err}
	}
	return &Backend{
		client: &http.Client{Jar: jar},
		opts:   opts,
		logger: logger,
	}, nil
}

// Open implements backend.Backend. Any HTTP response, including an error
// status, counts as a loaded page.
func (b *Backend) Open(ctx context.Context, rawURL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reset()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return &backend.NavigationError{URL: rawURL, Err: err}
	}
	if err := b.do(ctx, req); err != nil {
		return &backend.NavigationError{URL: rawURL, Err: err}
	}
	return nil
}

func (b *Backend) reset() {
	b.gen++
	b.doc = nil
	b.base = nil
	b.raw = ""
}

// do sends req and loads the response as the current page. Callers hold mu.
func (b *Backend) do(ctx context.Context, req *http.Request) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.PageLoadTimeout)
	defer cancel()

	if b.opts.UserAgent != "" {
		req.Header.Set("User-Agent", b.opts.UserAgent)
	}
	resp, err := b.client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	b.reset()
	b.base = resp.Request.URL
	b.logger.Debug("page loaded", zap.String("url", b.base.String()), zap.Int("status", resp.StatusCode))

	if !isHTML(resp.Header.Get("Content-Type"), body) {
		b.raw = string(body)
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to parse page: %w", err)
	}
	b.doc = doc
	return nil
}

func isHTML(contentType string, body []byte) bool {
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	return strings.Contains(contentType, "html")
}

// FindElements implements backend.Backend.
func (b *Backend) FindElements(_ context.Context, spec backend.MatchSpec) ([]backend.Element, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.doc == nil {
		return nil, nil
	}

	var sel *goquery.Selection
	switch spec.Kind {
	case backend.Checkbox:
		sel = b.doc.Find(`input[type=checkbox]`)
	case backend.Button:
		sel = b.doc.Find(`button, input[type=submit], input[type=button]`)
	default:
		return nil, fmt.Errorf("unsupported control kind %s", spec.Kind)
	}

	kw := strings.ToLower(spec.Keyword)
	var els []backend.Element
	sel.Each(func(_ int, s *goquery.Selection) {
		if b.matches(s, spec, kw) {
			els = append(els, control{sel: s, gen: b.gen})
		}
	})
	return els, nil
}

func (b *Backend) matches(s *goquery.Selection, spec backend.MatchSpec, kw string) bool {
	contains := func(text string) bool {
		return strings.Contains(strings.ToLower(text), kw)
	}

	for _, attr := range spec.Attributes {
		if contains(s.AttrOr(attr, "")) {
			return true
		}
	}
	if !spec.Text {
		return false
	}

	if spec.Kind == backend.Button {
		return goquery.NodeName(s) == "button" && contains(s.Text())
	}

	if s.ParentsFiltered("label").FilterFunction(func(_ int, l *goquery.Selection) bool {
		return contains(l.Text())
	}).Length() > 0 {
		return true
	}
	id := s.AttrOr("id", "")
	if id == "" {
		return false
	}
	return b.doc.Find("label").FilterFunction(func(_ int, l *goquery.Selection) bool {
		return l.AttrOr("for", "") == id && contains(l.Text())
	}).Length() > 0
}

func (b *Backend) resolve(el backend.Element) (*goquery.Selection, error) {
	c, ok := el.(control)
	if !ok {
		return nil, backend.ErrForeignElement
	}
	if c.gen != b.gen {
		return nil, backend.ErrStaleElement
	}
	return c.sel, nil
}

// IsSelected implements backend.Backend.
func (b *Backend) IsSelected(_ context.Context, el backend.Element) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.resolve(el)
	if err != nil {
		return false, err
	}
	_, checked := s.Attr("checked")
	return checked, nil
}

// IsClickable implements backend.Backend. Without layout, disabled, hidden
// and inert attributes are all there is to go on.
func (b *Backend) IsClickable(_ context.Context, el backend.Element) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.resolve(el)
	if err != nil {
		return false
	}
	if _, disabled := s.Attr("disabled"); disabled {
		return false
	}
	return s.Closest("[hidden]").Length() == 0 && !isInert(s)
}

// isInert reports whether s sits in an inert subtree, which user clicks
// cannot reach.
func isInert(s *goquery.Selection) bool {
	return s.Closest("[inert]").Length() > 0
}

// Click implements backend.Backend. A checkbox is toggled; a button submits
// its form. A control inside an inert subtree, or a button outside any
// form, reports backend.ErrClickIntercepted.
func (b *Backend) Click(ctx context.Context, el backend.Element) error {
	return b.click(ctx, el, false)
}

// ForceClick implements backend.Backend. It ignores disabled, hidden and
// inert state, which is all a forced click can do without a script engine.
func (b *Backend) ForceClick(ctx context.Context, el backend.Element) error {
	return b.click(ctx, el, true)
}

func (b *Backend) click(ctx context.Context, el backend.Element, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.resolve(el)
	if err != nil {
		return err
	}
	if !force && isInert(s) {
		return fmt.Errorf("%w: %s is inert", backend.ErrClickIntercepted, control{sel: s}.Describe())
	}

	if s.Is(`input[type=checkbox]`) {
		if _, checked := s.Attr("checked"); checked {
			s.RemoveAttr("checked")
		} else {
			s.SetAttr("checked", "checked")
		}
		return nil
	}

	form := b.formOf(s)
	if form == nil {
		return fmt.Errorf("%w: %w", backend.ErrClickIntercepted, errNoForm)
	}
	if t := strings.ToLower(s.AttrOr("type", "submit")); t != "submit" {
		return fmt.Errorf("%w: %s button does not submit", backend.ErrClickIntercepted, t)
	}

	req, err := b.submission(form, s)
	if err != nil {
		return err
	}
	b.logger.Debug("submitting form", zap.String("method", req.Method), zap.String("action", req.URL.String()))
	if err := b.do(ctx, req); err != nil {
		return fmt.Errorf("form submission failed: %w", err)
	}
	return nil
}

func (b *Backend) formOf(s *goquery.Selection) *goquery.Selection {
	if id, ok := s.Attr("form"); ok {
		f := b.doc.Find("form").FilterFunction(func(_ int, f *goquery.Selection) bool {
			return f.AttrOr("id", "") == id
		})
		if f.Length() > 0 {
			return f.First()
		}
	}
	f := s.Closest("form")
	if f.Length() == 0 {
		return nil
	}
	return f
}

// submission builds the request a browser would send when submitter is clicked.
func (b *Backend) submission(form, submitter *goquery.Selection) (*http.Request, error) {
	values := formValues(form)
	if name := submitter.AttrOr("name", ""); name != "" {
		values.Add(name, submitter.AttrOr("value", ""))
	}

	action, err := b.base.Parse(form.AttrOr("action", ""))
	if err != nil {
		return nil, fmt.Errorf("bad form action: %w", err)
	}

	if strings.EqualFold(form.AttrOr("method", "get"), http.MethodPost) {
		req, err := http.NewRequest(http.MethodPost, action.String(), strings.NewReader(values.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}

	action.RawQuery = values.Encode()
	return http.NewRequest(http.MethodGet, action.String(), nil)
}

// formValues collects the successful controls of form, excluding buttons.
func formValues(form *goquery.Selection) url.Values {
	values := url.Values{}
	form.Find("input, select, textarea").Each(func(_ int, s *goquery.Selection) {
		name, ok := s.Attr("name")
		if !ok || name == "" {
			return
		}
		if _, disabled := s.Attr("disabled"); disabled {
			return
		}

		switch goquery.NodeName(s) {
		case "textarea":
			values.Add(name, s.Text())
		case "select":
			opt := s.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = s.Find("option").First()
			}
			if opt.Length() > 0 {
				values.Add(name, opt.AttrOr("value", strings.TrimSpace(opt.Text())))
			}
		default:
			switch strings.ToLower(s.AttrOr("type", "text")) {
			case "submit", "button", "image", "reset", "file":
			case "checkbox", "radio":
				if _, checked := s.Attr("checked"); checked {
					values.Add(name, s.AttrOr("value", "on"))
				}
			default:
				values.Add(name, s.AttrOr("value", ""))
			}
		}
	})
	return values
}

// PageText implements backend.Backend. Non-HTML bodies are returned as is.
func (b *Backend) PageText(_ context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.doc == nil {
		return b.raw, nil
	}
	body := b.doc.Find("body").Clone()
	body.Find("script, style, noscript").Remove()
	return body.Text(), nil
}

// Close drops idle connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// Package engine finds and activates the consent controls of a captive
// portal page without prior knowledge of its structure.
//
// Checkboxes are handled exhaustively: every checkbox keyword is tried and
// every unselected match is clicked. Buttons are first-match-wins: the first
// keyword, in table order, that matches anything gets exactly one click and
// the pass ends there.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ibeckermayer/portalbypass/internal/backend"
	"github.com/ibeckermayer/portalbypass/internal/clock"
	"github.com/ibeckermayer/portalbypass/internal/keywords"
)

// DefaultClickSettle lets page scripts react to a click before the next one.
const DefaultClickSettle = time.Second

// Config configures an Engine.
type Config struct {
	Keywords    keywords.Table
	ClickSettle time.Duration
}

// DefaultConfig returns the built-in keyword tables and settle delay.
func DefaultConfig() Config {
	return Config{
		Keywords:    keywords.Default(),
		ClickSettle: DefaultClickSettle,
	}
}

// Engine runs the checkbox and button phases against a Backend.
type Engine struct {
	table       keywords.Table
	clickSettle time.Duration
	sleeper     clock.Sleeper
	logger      *zap.Logger
}

// New creates an engine. A nil sleeper sleeps on the system clock.
func New(cfg Config, sleeper clock.Sleeper, logger *zap.Logger) *Engine {
	if sleeper == nil {
		sleeper = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		table:       cfg.Keywords.Normalize(),
		clickSettle: cfg.ClickSettle,
		sleeper:     sleeper,
		logger:      logger,
	}
}

// Interact runs the checkbox phase, then the button phase. Lookup failures
// and failed clicks are recorded in the report and never stop the pass.
func (e *Engine) Interact(ctx context.Context, b backend.Backend) Report {
	var r Report
	e.checkboxes(ctx, b, &r)
	e.button(ctx, b, &r)
	return r
}

func (e *Engine) checkboxes(ctx context.Context, b backend.Backend, r *Report) {
	for _, kw := range e.table.Checkbox {
		els, ok := e.lookup(ctx, b, backend.Checkbox, kw, r)
		if !ok {
			continue
		}

		for _, el := range els {
			selected, err := b.IsSelected(ctx, el)
			if err != nil {
				e.logger.Warn("could not read checkbox state, skipping",
					zap.String("keyword", kw), zap.String("element", el.Describe()), zap.Error(err))
				continue
			}
			if selected {
				continue
			}

			e.logger.Info("found checkbox, clicking", zap.String("keyword", kw), zap.String("element", el.Describe()))
			method, err := e.activate(ctx, b, el, func() bool {
				sel, err := b.IsSelected(ctx, el)
				return err != nil || sel
			})
			if err != nil {
				e.logger.Warn("checkbox click failed", zap.String("keyword", kw), zap.Error(err))
			}
			r.Checkboxes = append(r.Checkboxes, Candidate{
				Element:  el,
				Keyword:  kw,
				Category: backend.Checkbox,
				Method:   method,
				Err:      err,
			})
			e.sleeper.Sleep(ctx, e.clickSettle)
		}
	}
}

func (e *Engine) button(ctx context.Context, b backend.Backend, r *Report) {
	for _, kw := range e.table.Button {
		els, ok := e.lookup(ctx, b, backend.Button, kw, r)
		if !ok {
			continue
		}

		el := els[0]
		e.logger.Info("found button, clicking", zap.String("keyword", kw), zap.String("element", el.Describe()),
			zap.Int("matches", len(els)))
		method, err := e.activate(ctx, b, el, nil)
		if err != nil {
			e.logger.Warn("button click failed", zap.String("keyword", kw), zap.Error(err))
		}
		r.Button = &Candidate{
			Element:  el,
			Keyword:  kw,
			Category: backend.Button,
			Method:   method,
			Err:      err,
		}
		return
	}
	e.logger.Info("no submission button matched")
}

// lookup runs one keyword query and records its outcome. ok is false when
// there is nothing to act on.
func (e *Engine) lookup(ctx context.Context, b backend.Backend, kind backend.Kind, kw string, r *Report) ([]backend.Element, bool) {
	els, err := b.FindElements(ctx, backend.SpecFor(kind, kw))
	l := Lookup{Keyword: kw, Category: kind, Matches: len(els)}
	switch {
	case err != nil:
		l.Outcome = OutcomeLookupFailed
		l.Err = err
		l.Matches = 0
		e.logger.Warn("lookup failed", zap.Stringer("category", kind), zap.String("keyword", kw), zap.Error(err))
	case len(els) == 0:
		l.Outcome = OutcomeNoMatch
		e.logger.Debug("no match", zap.Stringer("category", kind), zap.String("keyword", kw))
	default:
		l.Outcome = OutcomeMatched
	}
	r.Lookups = append(r.Lookups, l)
	return els, l.Outcome == OutcomeMatched
}

// activate clicks el directly when it is clickable and falls back to a
// forced click when it is not, when the click fails, or when registered
// reports that the click had no effect. A click that errors but still
// registered is not forced, so a checkbox is never toggled back off.
func (e *Engine) activate(ctx context.Context, b backend.Backend, el backend.Element, registered func() bool) (Method, error) {
	if b.IsClickable(ctx, el) {
		err := b.Click(ctx, el)
		switch {
		case registered != nil && registered():
			if err != nil {
				e.logger.Debug("click reported an error but registered", zap.String("element", el.Describe()), zap.Error(err))
			}
			return MethodDirect, nil
		case registered == nil && err == nil:
			return MethodDirect, nil
		case err == nil:
			err = backend.ErrClickIntercepted
		}
		e.logger.Debug("direct click did not register, forcing", zap.String("element", el.Describe()), zap.Error(err))
	} else {
		e.logger.Debug("element not clickable, forcing", zap.String("element", el.Describe()))
	}

	if err := b.ForceClick(ctx, el); err != nil {
		return MethodFailed, fmt.Errorf("forced click on %s failed: %w", el.Describe(), err)
	}
	return MethodForced, nil
}

// Probe performs every lookup of both tables without clicking anything.
func (e *Engine) Probe(ctx context.Context, b backend.Backend) []Lookup {
	var r Report
	for _, kw := range e.table.Checkbox {
		e.lookup(ctx, b, backend.Checkbox, kw, &r)
	}
	for _, kw := range e.table.Button {
		e.lookup(ctx, b, backend.Button, kw, &r)
	}
	return r.Lookups
}

// Package bypass drives one captive portal bypass attempt from backend
// acquisition through connectivity verification.
package bypass

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ibeckermayer/portalbypass/internal/backend"
	"github.com/ibeckermayer/portalbypass/internal/clock"
	"github.com/ibeckermayer/portalbypass/internal/engine"
	"github.com/ibeckermayer/portalbypass/internal/store"
	"github.com/ibeckermayer/portalbypass/internal/verify"
)

const (
	// DefaultPortalSettle is the wait after loading the portal before looking for controls.
	DefaultPortalSettle = 5 * time.Second
	// DefaultSubmitSettle is the wait after interaction for the network to open up.
	DefaultSubmitSettle = 10 * time.Second

	maxPortalText = 4096
)

// Opener acquires a live backend. Its errors are setup failures.
type Opener func(ctx context.Context) (backend.Backend, error)

// Recorder persists finished runs.
type Recorder interface {
	SaveRun(ctx context.Context, r *store.Run) error
}

// Timing holds the fixed settle delays between phases.
type Timing struct {
	PortalSettle time.Duration
	SubmitSettle time.Duration
}

// DefaultTiming returns the 5s portal settle and 10s submit settle.
func DefaultTiming() Timing {
	return Timing{
		PortalSettle: DefaultPortalSettle,
		SubmitSettle: DefaultSubmitSettle,
	}
}

// Session is the state of one run. It is owned by the orchestrator for the
// duration of Run.
type Session struct {
	URL   string
	Phase Phase

	backend  backend.Backend
	released bool
}

func (s *Session) advance(p Phase) { s.Phase = p }

// Outcome is the explicit result of a run.
type Outcome struct {
	RunID     string
	URL       string
	Succeeded bool
	// Phase is the terminal phase, Success or Failure.
	Phase Phase
	// Reached is the last non-terminal phase the run completed.
	Reached Phase

	// Navigation is the portal load error, if any. It never stops a run.
	Navigation   error
	Interaction  engine.Report
	Connectivity verify.Result
	// PortalText is the portal page text after interaction, when it could be read.
	PortalText string
	// Err is a setup failure or a recovered panic.
	Err error

	Started  time.Time
	Duration time.Duration
}

// Config wires an Orchestrator.
type Config struct {
	Open        Opener
	BackendName string
	Engine      *engine.Engine
	Verifier    *verify.Verifier
	Timing      Timing
	Sleeper     clock.Sleeper
	// Recorder is optional.
	Recorder Recorder
	Logger   *zap.Logger
}

// Orchestrator runs the bypass state machine.
type Orchestrator struct {
	open        Opener
	backendName string
	engine      *engine.Engine
	verifier    *verify.Verifier
	timing      Timing
	sleeper     clock.Sleeper
	recorder    Recorder
	logger      *zap.Logger
	now         func() time.Time
}

// New creates an orchestrator. Missing engine, verifier, sleeper and logger
// fall back to their defaults.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = clock.Real{}
	}
	if cfg.Engine == nil {
		cfg.Engine = engine.New(engine.DefaultConfig(), cfg.Sleeper, cfg.Logger.Named("engine"))
	}
	if cfg.Verifier == nil {
		cfg.Verifier = verify.New("", cfg.Logger.Named("verifier"))
	}
	return &Orchestrator{
		open:        cfg.Open,
		backendName: cfg.BackendName,
		engine:      cfg.Engine,
		verifier:    cfg.Verifier,
		timing:      cfg.Timing,
		sleeper:     cfg.Sleeper,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Run performs one bypass attempt against portalURL. It never returns an
// error: every failure ends up in the Outcome. The backend, once acquired,
// is closed exactly once before Run returns.
func (o *Orchestrator) Run(ctx context.Context, portalURL string) Outcome {
	s := &Session{URL: portalURL, Phase: PhaseInit}
	start := o.now()

	out := o.run(ctx, s)
	out.RunID = uuid.NewString()
	out.URL = portalURL
	out.Phase = s.Phase
	out.Started = start
	out.Duration = o.now().Sub(start)

	if out.Succeeded {
		o.logger.Info("SUCCESS: captive portal bypassed", zap.Duration("took", out.Duration))
	} else {
		o.logger.Error("FAILURE: captive portal bypass failed",
			zap.Stringer("reached", out.Reached), zap.Error(out.Err))
	}

	o.record(ctx, out)
	return out
}

func (o *Orchestrator) run(ctx context.Context, s *Session) (out Outcome) {
	if err := o.acquire(ctx, s); err != nil {
		out.Err = err
		out.Reached = s.Phase
		s.advance(PhaseFailure)
		return out
	}
	defer o.release(s)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("bypass aborted", zap.Stringer("phase", s.Phase), zap.Any("panic", r))
			out.Err = fmt.Errorf("bypass aborted after %s: %v", s.Phase, r)
			out.Reached = s.Phase
			out.Succeeded = false
			s.advance(PhaseFailure)
		}
	}()

	out.Navigation = o.loadPortal(ctx, s)
	out.Interaction, out.PortalText = o.interact(ctx, s)
	out.Connectivity = o.verify(ctx, s)

	out.Reached = s.Phase
	out.Succeeded = out.Connectivity.Succeeded
	if out.Succeeded {
		s.advance(PhaseSuccess)
	} else {
		s.advance(PhaseFailure)
	}
	return out
}

func (o *Orchestrator) acquire(ctx context.Context, s *Session) error {
	o.logger.Info("setting up browser", zap.String("backend", o.backendName))

	b, err := o.open(ctx)
	if err == nil && b == nil {
		err = errors.New("no backend returned")
	}
	if err != nil {
		var setup *backend.SetupError
		if !errors.As(err, &setup) {
			err = &backend.SetupError{Backend: o.backendName, Err: err}
		}
		o.logger.Error("browser setup failed", zap.Error(err))
		return err
	}

	s.backend = b
	s.advance(PhaseBackendReady)
	return nil
}

func (o *Orchestrator) release(s *Session) {
	if s.backend == nil || s.released {
		return
	}
	s.released = true
	if err := s.backend.Close(); err != nil {
		o.logger.Warn("error closing browser", zap.Error(err))
		return
	}
	o.logger.Info("browser closed")
}

func (o *Orchestrator) loadPortal(ctx context.Context, s *Session) error {
	o.logger.Info("navigating to portal", zap.String("url", s.URL))

	err := s.backend.Open(ctx, s.URL)
	if err != nil {
		o.logger.Warn("portal did not load cleanly, continuing", zap.Error(err))
	}

	o.sleeper.Sleep(ctx, o.timing.PortalSettle)
	s.advance(PhasePortalLoaded)
	return err
}

func (o *Orchestrator) interact(ctx context.Context, s *Session) (engine.Report, string) {
	report := o.engine.Interact(ctx, s.backend)
	o.logger.Info("interaction finished",
		zap.Int("checkboxes", len(report.Checkboxes)),
		zap.Bool("button", report.Button != nil),
		zap.Int("lookup_failures", report.LookupFailures()))

	text, err := s.backend.PageText(ctx)
	if err != nil {
		o.logger.Debug("could not capture portal text", zap.Error(err))
		text = ""
	}
	text = truncate(text, maxPortalText)

	o.logger.Info("waiting for connection to establish", zap.Duration("delay", o.timing.SubmitSettle))
	o.sleeper.Sleep(ctx, o.timing.SubmitSettle)
	s.advance(PhaseInteracted)
	return report, text
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (o *Orchestrator) verify(ctx context.Context, s *Session) verify.Result {
	res := o.verifier.Verify(ctx, s.backend)
	s.advance(PhaseVerified)
	return res
}

func (o *Orchestrator) record(ctx context.Context, out Outcome) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.SaveRun(ctx, out.Record(o.backendName)); err != nil {
		o.logger.Warn("could not record run", zap.Error(err))
	}
}

// Record converts the outcome to a history row. Portal text is kept only
// for failed runs.
func (out Outcome) Record(backendName string) *store.Run {
	r := &store.Run{
		ID:             out.RunID,
		PortalURL:      out.URL,
		Backend:        backendName,
		StartedAt:      out.Started,
		Duration:       out.Duration,
		Succeeded:      out.Succeeded,
		EndedIn:        out.Reached.String(),
		CheckboxClicks: len(out.Interaction.Checkboxes),
		LookupFailures: out.Interaction.LookupFailures(),
	}
	if out.Navigation != nil {
		r.NavigationError = out.Navigation.Error()
	}
	if out.Interaction.Button != nil {
		r.ButtonKeyword = out.Interaction.Button.Keyword
	}
	if out.Err != nil {
		r.Error = out.Err.Error()
	}
	if !out.Succeeded {
		r.PortalText = out.PortalText
	}
	return r
}

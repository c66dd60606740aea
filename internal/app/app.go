package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ibeckermayer/portalbypass/internal/backend"
	"github.com/ibeckermayer/portalbypass/internal/backend/chromedpbackend"
	"github.com/ibeckermayer/portalbypass/internal/backend/formbackend"
	"github.com/ibeckermayer/portalbypass/internal/backend/pwbackend"
	"github.com/ibeckermayer/portalbypass/internal/backend/rodbackend"
	"github.com/ibeckermayer/portalbypass/internal/bypass"
	"github.com/ibeckermayer/portalbypass/internal/clock"
	"github.com/ibeckermayer/portalbypass/internal/config"
	"github.com/ibeckermayer/portalbypass/internal/engine"
	"github.com/ibeckermayer/portalbypass/internal/scheduler"
	"github.com/ibeckermayer/portalbypass/internal/store"
	"github.com/ibeckermayer/portalbypass/internal/verify"
)

// App holds the application state.
type App struct {
	mu     sync.RWMutex
	logger *zap.Logger // immutable after creation

	// Mutable - use getSnapshot() for concurrent access.
	config *config.Config

	history *store.Store
	open    bypass.Opener
	sleeper clock.Sleeper

	// Set while Watch runs; guarded by mu.
	watch *watchState
}

type watchState struct {
	sched    *scheduler.Scheduler
	job      scheduler.Job
	schedule string

	// running spans one bypass, across reschedules.
	running sync.Mutex
}

const watchJobName = "bypass"

// snapshot holds fields that may be replaced by ReloadConfig.
type snapshot struct {
	config *config.Config
}

func (a *App) getSnapshot() snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return snapshot{config: a.config}
}

// Option customises an App.
type Option func(*App)

// WithOpener replaces the configured backend with open.
func WithOpener(open bypass.Opener) Option {
	return func(a *App) { a.open = open }
}

// WithSleeper replaces the system clock used for settle delays.
func WithSleeper(s clock.Sleeper) Option {
	return func(a *App) { a.sleeper = s }
}

// New creates a new App instance. A history database that cannot be opened
// is logged and skipped; bypassing matters more than recording.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{
		config:  cfg,
		logger:  logger,
		sleeper: clock.Real{},
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.History.Enabled {
		if err := a.openHistory(cfg); err != nil {
			logger.Warn("run history disabled", zap.Error(err))
		}
	}

	return a, nil
}

func (a *App) openHistory(cfg *config.Config) error {
	path, err := cfg.HistoryPath()
	if err != nil {
		return err
	}
	s, err := store.New(path)
	if err != nil {
		return fmt.Errorf("failed to open history at %s: %w", path, err)
	}
	a.history = s
	return nil
}

// Close releases the history database.
func (a *App) Close() error {
	if a.history == nil {
		return nil
	}
	return a.history.Close()
}

// ReloadConfig swaps in a new configuration for subsequent runs. While
// Watch is running a changed schedule takes effect immediately; if the new
// schedule does not parse, the old one stays and nothing is swapped.
func (a *App) ReloadConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if w := a.watch; w != nil && w.schedule != cfg.Watch.Schedule {
		if err := w.reschedule(cfg.Watch.Schedule); err != nil {
			return err
		}
	}
	a.config = cfg
	a.logger.Info("config reloaded", zap.String("backend", cfg.Browser.Backend))
	return nil
}

func (w *watchState) reschedule(schedule string) error {
	w.sched.RemoveJob(watchJobName)
	if err := w.sched.AddJob(watchJobName, schedule, w.job); err != nil {
		if restoreErr := w.sched.AddJob(watchJobName, w.schedule, w.job); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		return err
	}
	w.schedule = schedule
	return nil
}

// NewBackend constructs the named backend.
func NewBackend(name string, opts backend.Options, logger *zap.Logger) (backend.Backend, error) {
	switch name {
	case chromedpbackend.Name:
		return wrap[*chromedpbackend.Backend](chromedpbackend.New(opts, logger))
	case rodbackend.Name:
		return wrap[*rodbackend.Backend](rodbackend.New(opts, logger))
	case pwbackend.Name:
		return wrap[*pwbackend.Backend](pwbackend.New(opts, logger))
	case formbackend.Name:
		return wrap[*formbackend.Backend](formbackend.New(opts, logger))
	default:
		return nil, &backend.SetupError{Backend: name, Err: errors.New("unknown backend")}
	}
}

// wrap keeps a typed nil out of the interface.
func wrap[B backend.Backend](b B, err error) (backend.Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (a *App) opener(s snapshot) bypass.Opener {
	if a.open != nil {
		return a.open
	}
	b := s.config.Browser
	return func(context.Context) (backend.Backend, error) {
		return NewBackend(b.Backend, b.Options(), a.logger.Named(b.Backend))
	}
}

func (a *App) engine(s snapshot) *engine.Engine {
	return engine.New(engine.Config{
		Keywords:    s.config.Keywords,
		ClickSettle: s.config.Timing.ClickSettle.Duration,
	}, a.sleeper, a.logger.Named("engine"))
}

func (a *App) orchestrator(s snapshot) *bypass.Orchestrator {
	cfg := bypass.Config{
		Open:        a.opener(s),
		BackendName: s.config.Browser.Backend,
		Engine:      a.engine(s),
		Verifier:    verify.New(s.config.Verify.URL, a.logger.Named("verifier")),
		Timing: bypass.Timing{
			PortalSettle: s.config.Timing.PortalSettle.Duration,
			SubmitSettle: s.config.Timing.SubmitSettle.Duration,
		},
		Sleeper: a.sleeper,
		Logger:  a.logger.Named("orchestrator"),
	}
	if a.history != nil {
		cfg.Recorder = a.history
	}
	return bypass.New(cfg)
}

// Bypass performs one bypass attempt against portalURL. A failed attempt
// logs when the same portal was last bypassed, if history knows.
func (a *App) Bypass(ctx context.Context, portalURL string) bypass.Outcome {
	out := a.orchestrator(a.getSnapshot()).Run(ctx, portalURL)
	if !out.Succeeded && a.history != nil {
		a.logLastSuccess(ctx, portalURL)
	}
	return out
}

func (a *App) logLastSuccess(ctx context.Context, portalURL string) {
	last, err := a.history.LastSuccess(ctx, portalURL)
	switch {
	case err != nil:
		a.logger.Debug("could not look up last success", zap.Error(err))
	case last == nil:
		a.logger.Info("portal has never been bypassed", zap.String("url", portalURL))
	default:
		a.logger.Info("portal was last bypassed",
			zap.String("url", portalURL),
			zap.Time("at", last.StartedAt),
			zap.String("backend", last.Backend),
			zap.String("button_keyword", last.ButtonKeyword))
	}
}

// ProbeResult is what a dry run saw on the portal.
type ProbeResult struct {
	Navigation error
	Lookups    []engine.Lookup
}

// Probe loads portalURL and runs every keyword lookup without clicking.
// Only a backend setup failure is returned as an error.
func (a *App) Probe(ctx context.Context, portalURL string) (*ProbeResult, error) {
	s := a.getSnapshot()
	logger := a.logger.Named("probe")

	b, err := a.opener(s)(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("error closing browser", zap.Error(err))
		}
	}()

	res := &ProbeResult{}
	if res.Navigation = b.Open(ctx, portalURL); res.Navigation != nil {
		logger.Warn("portal did not load cleanly, continuing", zap.Error(res.Navigation))
	}
	a.sleeper.Sleep(ctx, s.config.Timing.PortalSettle.Duration)

	res.Lookups = a.engine(s).Probe(ctx, b)
	return res, nil
}

// History returns the most recent runs, newest first.
func (a *App) History(ctx context.Context, limit int) ([]store.Run, error) {
	if a.history == nil {
		return nil, errors.New("run history is disabled")
	}
	return a.history.RecentRuns(ctx, limit)
}

// Watch runs a bypass immediately and then on the configured schedule
// until ctx is done. Runs never overlap.
func (a *App) Watch(ctx context.Context, portalURL string) error {
	s := a.getSnapshot()
	w := &watchState{
		sched:    scheduler.New(a.logger.Named("scheduler")),
		schedule: s.config.Watch.Schedule,
	}
	w.job = func(ctx context.Context) error {
		if !w.running.TryLock() {
			a.logger.Info("previous bypass still running, skipping")
			return nil
		}
		defer w.running.Unlock()
		defer a.logNextRun(w.sched)

		if out := a.Bypass(ctx, portalURL); !out.Succeeded {
			return fmt.Errorf("bypass of %s failed after %s", portalURL, out.Reached)
		}
		return nil
	}
	if err := w.sched.AddJob(watchJobName, w.schedule, w.job); err != nil {
		return err
	}

	if err := w.sched.RunNow(watchJobName, w.job); err != nil {
		a.logger.Warn("initial bypass failed", zap.Error(err))
	}

	a.mu.Lock()
	a.watch = w
	a.mu.Unlock()
	w.sched.Start()

	<-ctx.Done()

	a.mu.Lock()
	a.watch = nil
	a.mu.Unlock()
	<-w.sched.Stop().Done()
	return nil
}

// logNextRun reports when the watch job fires next. Before the scheduler
// starts there is no next run to report.
func (a *App) logNextRun(sched *scheduler.Scheduler) {
	for _, j := range sched.ListJobs() {
		if j.Name == watchJobName && !j.NextRun.IsZero() {
			a.logger.Info("next bypass scheduled", zap.Time("at", j.NextRun))
		}
	}
}

// WatchSchedule returns the schedule of the running watch loop, or "" when
// Watch is not running.
func (a *App) WatchSchedule() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.watch == nil {
		return ""
	}
	return a.watch.schedule
}

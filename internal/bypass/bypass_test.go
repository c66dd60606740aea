package bypass

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ibeckermayer/portalbypass/internal/backend"
	"github.com/ibeckermayer/portalbypass/internal/backend/backendtest"
	"github.com/ibeckermayer/portalbypass/internal/clock"
	"github.com/ibeckermayer/portalbypass/internal/engine"
	"github.com/ibeckermayer/portalbypass/internal/store"
	"github.com/ibeckermayer/portalbypass/internal/verify"
)

const portalURL = "http://portal.local/login"

type memRecorder struct {
	mu   sync.Mutex
	runs []*store.Run
	err  error
}

func (m *memRecorder) SaveRun(_ context.Context, r *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return m.err
}

type harness struct {
	fake     *backendtest.Fake
	sleeper  *clock.Recorder
	recorder *memRecorder
	opened   int
	orch     *Orchestrator
}

func newHarness(t *testing.T, fake *backendtest.Fake, openErr error) *harness {
	t.Helper()
	h := &harness{fake: fake, sleeper: &clock.Recorder{}, recorder: &memRecorder{}}
	logger := zap.NewNop()
	h.orch = New(Config{
		Open: func(context.Context) (backend.Backend, error) {
			h.opened++
			if openErr != nil {
				return nil, openErr
			}
			return fake, nil
		},
		BackendName: "fake",
		Engine:      engine.New(engine.DefaultConfig(), h.sleeper, logger),
		Verifier:    verify.New("", logger),
		Timing:      DefaultTiming(),
		Sleeper:     h.sleeper,
		Recorder:    h.recorder,
		Logger:      logger,
	})
	return h
}

func connected(portal *backendtest.Page) *backendtest.Fake {
	return &backendtest.Fake{Pages: map[string]*backendtest.Page{
		portalURL:        portal,
		verify.DefaultURL: {Text: "success\n"},
	}}
}

func TestRun_ConsentAndConnect(t *testing.T) {
	checkbox := backendtest.Checkbox("I agree to the terms")
	button := backendtest.Button("Connect Now")
	fake := connected(&backendtest.Page{Controls: []*backendtest.Control{checkbox, button}})
	h := newHarness(t, fake, nil)

	out := h.orch.Run(context.Background(), portalURL)

	assert.True(t, out.Succeeded)
	assert.Equal(t, PhaseSuccess, out.Phase)
	assert.Equal(t, PhaseVerified, out.Reached)
	assert.NoError(t, out.Err)
	assert.NoError(t, out.Navigation)
	assert.Equal(t, 1, fake.ClicksOn(checkbox))
	assert.Equal(t, 1, fake.ClicksOn(button))
	assert.Equal(t, []string{portalURL, verify.DefaultURL}, fake.Opens())
	assert.Equal(t, 1, fake.Closes())
	assert.Equal(t, []time.Duration{5 * time.Second, time.Second, 10 * time.Second}, h.sleeper.Slept())
}

func TestRun_NoControlsStillVerifies(t *testing.T) {
	fake := &backendtest.Fake{Pages: map[string]*backendtest.Page{
		portalURL:        {Text: "Welcome to Hotel WiFi"},
		verify.DefaultURL: {Text: "Please log in to continue"},
	}}
	h := newHarness(t, fake, nil)

	out := h.orch.Run(context.Background(), portalURL)

	assert.False(t, out.Succeeded)
	assert.Equal(t, PhaseFailure, out.Phase)
	assert.Equal(t, PhaseVerified, out.Reached)
	assert.NoError(t, out.Err)
	assert.Empty(t, fake.Clicks())
	assert.Equal(t, "Welcome to Hotel WiFi", out.PortalText)
	assert.Equal(t, 1, fake.Closes())

	require.Len(t, h.recorder.runs, 1)
	assert.Equal(t, "Welcome to Hotel WiFi", h.recorder.runs[0].PortalText)
}

func TestRun_SetupFailure(t *testing.T) {
	fake := connected(&backendtest.Page{})
	h := newHarness(t, fake, errors.New("chrome not found"))

	out := h.orch.Run(context.Background(), portalURL)

	assert.False(t, out.Succeeded)
	assert.Equal(t, PhaseFailure, out.Phase)
	assert.Equal(t, PhaseInit, out.Reached)
	var setup *backend.SetupError
	require.ErrorAs(t, out.Err, &setup)
	assert.Equal(t, "fake", setup.Backend)
	assert.Equal(t, 1, h.opened)
	assert.Empty(t, fake.Opens())
	assert.Zero(t, fake.Closes())
	assert.Empty(t, h.sleeper.Slept())

	require.Len(t, h.recorder.runs, 1)
	assert.Equal(t, "init", h.recorder.runs[0].EndedIn)
	assert.Contains(t, h.recorder.runs[0].Error, "chrome not found")
}

func TestRun_SetupErrorIsNotRewrapped(t *testing.T) {
	orig := &backend.SetupError{Backend: "rod", Err: errors.New("launch failed")}
	h := newHarness(t, connected(&backendtest.Page{}), orig)

	out := h.orch.Run(context.Background(), portalURL)

	assert.Same(t, orig, out.Err)
}

func TestRun_NavigationErrorContinues(t *testing.T) {
	button := backendtest.Button("Continue")
	fake := connected(&backendtest.Page{Controls: []*backendtest.Control{button}})
	fake.OpenErr = map[string]error{portalURL: context.DeadlineExceeded}
	h := newHarness(t, fake, nil)

	out := h.orch.Run(context.Background(), portalURL)

	var nav *backend.NavigationError
	require.ErrorAs(t, out.Navigation, &nav)
	assert.True(t, nav.Timeout())
	assert.Equal(t, 1, fake.ClicksOn(button))
	assert.True(t, out.Succeeded)
	assert.Equal(t, 1, fake.Closes())

	require.Len(t, h.recorder.runs, 1)
	assert.Contains(t, h.recorder.runs[0].NavigationError, portalURL)
	assert.Empty(t, h.recorder.runs[0].PortalText)
}

func TestRun_PanicIsFailureAndReleasesOnce(t *testing.T) {
	tests := []struct {
		name    string
		panicOn string
		reached Phase
	}{
		{"during lookup", "FindElements", PhasePortalLoaded},
		{"during navigation", "Open", PhaseBackendReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := connected(&backendtest.Page{Controls: []*backendtest.Control{backendtest.Checkbox("terms")}})
			fake.PanicOn = tt.panicOn
			h := newHarness(t, fake, nil)

			var out Outcome
			require.NotPanics(t, func() { out = h.orch.Run(context.Background(), portalURL) })

			assert.False(t, out.Succeeded)
			assert.Equal(t, PhaseFailure, out.Phase)
			assert.Equal(t, tt.reached, out.Reached)
			assert.ErrorContains(t, out.Err, "exploded")
			assert.Equal(t, 1, fake.Closes())
			require.Len(t, h.recorder.runs, 1)
		})
	}
}

func TestRun_LongPortalTextIsTruncatedOnRuneBoundary(t *testing.T) {
	// "é" is two bytes, so the byte limit falls in the middle of one.
	text := "x" + strings.Repeat("é", maxPortalText)
	fake := &backendtest.Fake{Pages: map[string]*backendtest.Page{
		portalURL: {Text: text},
	}}
	h := newHarness(t, fake, nil)

	out := h.orch.Run(context.Background(), portalURL)

	assert.True(t, utf8.ValidString(out.PortalText))
	assert.Len(t, out.PortalText, maxPortalText-1)
	assert.True(t, strings.HasPrefix(text, out.PortalText))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exact", 5, "exact"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"aé", 3, "aé"},
		{"日本", 4, "日"},
		{"日本", 2, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, truncate(tt.in, tt.n), "truncate(%q, %d)", tt.in, tt.n)
	}
}

func TestRun_PortalTextFailureIsBestEffort(t *testing.T) {
	fake := connected(&backendtest.Page{Controls: []*backendtest.Control{backendtest.Button("Login")}})
	fake.TextErr = errors.New("detached")
	h := newHarness(t, fake, nil)

	out := h.orch.Run(context.Background(), portalURL)

	// The verifier reads text through the same backend, so it fails too.
	assert.False(t, out.Succeeded)
	assert.Equal(t, PhaseVerified, out.Reached)
	assert.Empty(t, out.PortalText)
	assert.Equal(t, 1, fake.Closes())
}

func TestRun_RecorderErrorDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t, connected(&backendtest.Page{}), nil)
	h.recorder.err = errors.New("disk full")

	out := h.orch.Run(context.Background(), portalURL)

	assert.True(t, out.Succeeded)
}

func TestRun_RecordFields(t *testing.T) {
	checkbox := backendtest.Checkbox("accept")
	button := backendtest.Button("Free WiFi")
	fake := connected(&backendtest.Page{Text: "portal", Controls: []*backendtest.Control{checkbox, button}})
	h := newHarness(t, fake, nil)

	out := h.orch.Run(context.Background(), portalURL)

	require.Len(t, h.recorder.runs, 1)
	r := h.recorder.runs[0]
	assert.Equal(t, out.RunID, r.ID)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, portalURL, r.PortalURL)
	assert.Equal(t, "fake", r.Backend)
	assert.True(t, r.Succeeded)
	assert.Equal(t, "verified", r.EndedIn)
	assert.Equal(t, 1, r.CheckboxClicks)
	assert.Equal(t, "free", r.ButtonKeyword)
	assert.Empty(t, r.PortalText, "portal text is only kept for failures")
}

func TestRun_NilRecorder(t *testing.T) {
	fake := connected(&backendtest.Page{})
	o := New(Config{
		Open:    func(context.Context) (backend.Backend, error) { return fake, nil },
		Sleeper: &clock.Recorder{},
	})

	out := o.Run(context.Background(), portalURL)

	assert.True(t, out.Succeeded)
	assert.Equal(t, 1, fake.Closes())
}

func TestRun_NilBackendIsSetupFailure(t *testing.T) {
	o := New(Config{
		Open:    func(context.Context) (backend.Backend, error) { return nil, nil },
		Sleeper: &clock.Recorder{},
	})

	out := o.Run(context.Background(), portalURL)

	var setup *backend.SetupError
	assert.ErrorAs(t, out.Err, &setup)
	assert.Equal(t, PhaseFailure, out.Phase)
}

func TestPhase(t *testing.T) {
	assert.Equal(t, "backend-ready", PhaseBackendReady.String())
	assert.Equal(t, "unknown", Phase(42).String())
	assert.True(t, PhaseSuccess.Terminal())
	assert.True(t, PhaseFailure.Terminal())
	assert.False(t, PhaseVerified.Terminal())
}

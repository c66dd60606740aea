package backendtest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibeckermayer/portalbypass/internal/backend"
)

const (
	requireTimeout = 10 * time.Second
	pollInterval   = 50 * time.Millisecond
)

// Conformance runs a consent flow against a live Portal through b. Every
// Backend implementation is expected to pass it.
func Conformance(t *testing.T, b backend.Backend) {
	t.Helper()
	ctx := context.Background()

	portal := NewPortal()
	srv := httptest.NewServer(portal)
	defer srv.Close()

	require.NoError(t, b.Open(ctx, srv.URL+SuccessPath))
	text, err := b.PageText(ctx)
	require.NoError(t, err)
	assert.NotContains(t, strings.ToLower(text), "success", "redirected to the portal before consent")

	require.NoError(t, b.Open(ctx, srv.URL+PortalPath))

	none, err := b.FindElements(ctx, backend.SpecFor(backend.Checkbox, "policy"))
	require.NoError(t, err)
	assert.Empty(t, none)

	nested, err := b.FindElements(ctx, backend.SpecFor(backend.Checkbox, "special offers"))
	require.NoError(t, err)
	assert.Len(t, nested, 1)

	terms, err := b.FindElements(ctx, backend.SpecFor(backend.Checkbox, "TERMS"))
	require.NoError(t, err)
	require.Len(t, terms, 1)

	selected, err := b.IsSelected(ctx, terms[0])
	require.NoError(t, err)
	assert.False(t, selected)
	require.True(t, b.IsClickable(ctx, terms[0]))
	require.NoError(t, b.Click(ctx, terms[0]))
	selected, err = b.IsSelected(ctx, terms[0])
	require.NoError(t, err)
	assert.True(t, selected)

	byName, err := b.FindElements(ctx, backend.SpecFor(backend.Checkbox, "tos"))
	require.NoError(t, err)
	assert.Len(t, byName, 1)

	buttons, err := b.FindElements(ctx, backend.SpecFor(backend.Button, "connect"))
	require.NoError(t, err)
	require.Len(t, buttons, 1)
	require.NoError(t, b.Click(ctx, buttons[0]))

	require.Eventually(t, portal.Connected, requireTimeout, pollInterval)

	require.NoError(t, b.Open(ctx, srv.URL+SuccessPath))
	text, err = b.PageText(ctx)
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(text), "success")

	_, err = b.IsSelected(ctx, terms[0])
	assert.ErrorIs(t, err, backend.ErrStaleElement)

	coveredButton(t, b)
}

// coveredButton checks that a click on a covered control is reported as
// intercepted and that a forced click still goes through.
func coveredButton(t *testing.T, b backend.Backend) {
	t.Helper()
	ctx := context.Background()

	portal := NewPortal()
	srv := httptest.NewServer(portal)
	defer srv.Close()

	require.NoError(t, b.Open(ctx, srv.URL+CoveredPath))
	buttons, err := b.FindElements(ctx, backend.SpecFor(backend.Button, "connect"))
	require.NoError(t, err)
	require.Len(t, buttons, 1)

	err = b.Click(ctx, buttons[0])
	require.ErrorIs(t, err, backend.ErrClickIntercepted)
	assert.False(t, portal.Connected())

	require.NoError(t, b.ForceClick(ctx, buttons[0]))
	require.Eventually(t, portal.Connected, requireTimeout, pollInterval)
}

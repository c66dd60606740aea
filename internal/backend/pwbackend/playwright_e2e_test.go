//go:build e2e

package pwbackend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ibeckermayer/portalbypass/internal/backend"
	"github.com/ibeckermayer/portalbypass/internal/backend/backendtest"
)

func TestBackend_Conformance(t *testing.T) {
	b, err := New(backend.DefaultOptions(), zaptest.NewLogger(t))
	var setup *backend.SetupError
	if errors.As(err, &setup) {
		t.Skipf("no browser available: %v", err)
	}
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, b.Close())
	}()

	backendtest.Conformance(t, b)
}

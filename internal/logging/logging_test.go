package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("info", &buf)
	require.NoError(t, err)

	logger.Named("engine").Info("clicking checkbox")
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "portal-bypass.engine")
	assert.Contains(t, out, "clicking checkbox")
	assert.NotContains(t, out, "hidden")
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("chatty", nil)
	assert.Error(t, err)
}

func TestPrintf(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", &buf)
	require.NoError(t, err)

	Printf(logger)("navigated to %s", "http://portal")

	assert.Contains(t, buf.String(), "navigated to http://portal")
}

package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReal_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	Real{}.Sleep(ctx, time.Hour)

	assert.Less(t, time.Since(start), time.Second)
}

func TestReal_Sleeps(t *testing.T) {
	start := time.Now()
	Real{}.Sleep(context.Background(), 20*time.Millisecond)

	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Sleep(context.Background(), time.Second)
	r.Sleep(context.Background(), 5*time.Second)

	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second}, r.Slept())
	assert.Equal(t, 6*time.Second, r.Total())
}

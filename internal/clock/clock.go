// Package clock provides the settle-delay sleeper used between bypass steps.
package clock

import (
	"context"
	"sync"
	"time"
)

// Sleeper waits for a fixed settle delay.
type Sleeper interface {
	// Sleep blocks for d, returning early only if ctx is done.
	Sleep(ctx context.Context, d time.Duration)
}

// Real sleeps on the system clock.
type Real struct{}

// Sleep waits for d or until ctx is done.
func (Real) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Recorder is a Sleeper for tests. It returns immediately and remembers
// every requested delay.
type Recorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

// Sleep records d.
func (r *Recorder) Sleep(_ context.Context, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = append(r.slept, d)
}

// Slept returns the recorded delays in call order.
func (r *Recorder) Slept() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.slept...)
}

// Total returns the sum of the recorded delays.
func (r *Recorder) Total() time.Duration {
	var total time.Duration
	for _, d := range r.Slept() {
		total += d
	}
	return total
}

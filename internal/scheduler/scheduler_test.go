package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestAddJob_InvalidSchedule(t *testing.T) {
	s := New(nil)

	err := s.AddJob("bypass", "every now and then", func(context.Context) error { return nil })

	assert.ErrorContains(t, err, "failed to schedule job bypass")
	assert.Empty(t, s.ListJobs())
}

func TestListJobs_RemoveJob(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.AddJob("bypass", "@every 5m", func(context.Context) error { return nil }))
	s.Start()
	defer s.Stop()

	jobs := s.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "bypass", jobs[0].Name)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), jobs[0].NextRun, 5*time.Second)
	assert.True(t, jobs[0].LastRun.IsZero())

	s.RemoveJob("bypass")
	s.RemoveJob("missing")
	assert.Empty(t, s.ListJobs())
}

func TestRunNow(t *testing.T) {
	s := New(nil)
	want := errors.New("portal unreachable")

	err := s.RunNow("bypass", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return want
	})

	assert.ErrorIs(t, err, want)
}

func TestScheduledRunsDoNotOverlap(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := New(zap.New(core))

	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.AddJob("bypass", "@every 1h", func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}))

	wrapped := s.cron.Entry(s.jobs["bypass"]).WrappedJob
	done := make(chan struct{})
	go func() {
		wrapped.Run()
		close(done)
	}()
	<-started

	wrapped.Run()
	close(release)
	<-done

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 1, logs.FilterMessage("skip").Len())
}

func TestPanickingJobIsRecovered(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := New(zap.New(core))
	require.NoError(t, s.AddJob("bypass", "@every 1h", func(context.Context) error {
		panic("boom")
	}))

	wrapped := s.cron.Entry(s.jobs["bypass"]).WrappedJob

	assert.NotPanics(t, wrapped.Run)
	assert.Equal(t, 1, logs.FilterMessage("panic").Len())
}

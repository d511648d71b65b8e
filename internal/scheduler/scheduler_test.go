package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskRunsAndAdvancesSchedule(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.Register("tick", "*/1 * * * *", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(time.Second)

	require.NoError(t, s.TriggerNow("tick"))
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		st := s.Status()[0]
		return !st.LastRun.IsZero() && st.NextRun.After(st.LastRun)
	}, time.Second, 5*time.Millisecond)
}

func TestDisabledTaskDoesNotRunOnTrigger(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.Register("tick", "*/1 * * * *", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.Disable("tick"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(time.Second)

	require.NoError(t, s.TriggerNow("tick"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())
}

func TestRegistryRefreshFailureSetsDegraded(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Register("registry-refresh", "*/1 * * * *", time.Second, func(ctx context.Context) error {
		return errors.New("fetch failed")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(time.Second)

	require.NoError(t, s.TriggerNow("registry-refresh"))
	assert.Eventually(t, func() bool { return s.Degraded() }, time.Second, 5*time.Millisecond)
}

func TestStatusReportsRegisteredTasks(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Register("tick", "0 * * * *", time.Second, func(ctx context.Context) error { return nil }))
	statuses := s.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, "tick", statuses[0].Name)
	assert.True(t, statuses[0].Enabled)
}

func TestRegisterRejectsUnsupportedSchedule(t *testing.T) {
	s := New(nil)
	err := s.Register("bad", "*/15 8-17 * * 1-5", time.Second, func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

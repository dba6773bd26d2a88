package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitlab-students-monitor/gsm/pkg/registry"
	"github.com/gitlab-students-monitor/gsm/pkg/scheduler"
	"github.com/gitlab-students-monitor/gsm/pkg/syncer"
)

type fakeSyncer struct {
	syncer.Syncer

	calls    atomic.Int32
	inFlight atomic.Int32
	overlap  atomic.Bool
	err      error
	delay    time.Duration
}

func (f *fakeSyncer) SyncAll(
	_ context.Context, _ registry.Registry,
) ([]*syncer.Result, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)

	f.calls.Add(1)
	time.Sleep(f.delay)

	return []*syncer.Result{{Stage: syncer.StageAccounts}}, f.err
}

func newLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestScheduler_RunsImmediatelyAndOnInterval(t *testing.T) {
	fake := &fakeSyncer{delay: 5 * time.Millisecond}
	s := scheduler.New(newLogger(), fake, nil, 10*time.Millisecond)

	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return fake.calls.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())

	status := s.Status()
	assert.GreaterOrEqual(t, status.Passes, int64(3))
	assert.False(t, status.Running)
	assert.Empty(t, status.LastError)
	assert.False(t, fake.overlap.Load())
}

func TestScheduler_RecordsFailures(t *testing.T) {
	fake := &fakeSyncer{err: errors.New("sync runs: run 101: boom")}
	s := scheduler.New(newLogger(), fake, nil, time.Hour)

	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return s.Status().Passes == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())

	assert.Equal(t, "sync runs: run 101: boom", s.Status().LastError)
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	fake := &fakeSyncer{}
	s := scheduler.New(newLogger(), fake, nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		return fake.calls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, s.Stop())
}

func TestScheduler_StopTwice(t *testing.T) {
	fake := &fakeSyncer{}
	s := scheduler.New(newLogger(), fake, nil, time.Hour)

	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return fake.calls.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.NotPanics(t, func() {
		require.NoError(t, s.Stop())
	})
}

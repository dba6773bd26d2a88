// Package scheduler runs the full sync sequence periodically for the
// serve command.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gitlab-students-monitor/gsm/pkg/registry"
	"github.com/gitlab-students-monitor/gsm/pkg/syncer"
)

// Scheduler is a background service that runs SyncAll on an interval.
// Passes run on a single goroutine and never overlap.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
	Status() Status
}

// Status describes the most recent pass.
type Status struct {
	Passes     int64     `json:"passes"`
	LastStart  time.Time `json:"last_start,omitzero"`
	LastFinish time.Time `json:"last_finish,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
	Running    bool      `json:"running"`
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log      logrus.FieldLogger
	syncer   syncer.Syncer
	registry registry.Registry
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	status Status
}

// New creates a scheduler. reg may be nil, in which case the exercises
// stage is skipped.
func New(
	log logrus.FieldLogger,
	s syncer.Syncer,
	reg registry.Registry,
	interval time.Duration,
) Scheduler {
	return &scheduler{
		log:      log.WithField("component", "scheduler"),
		syncer:   s,
		registry: reg,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches a background goroutine that runs one pass immediately
// and then one per interval.
func (s *scheduler) Start(ctx context.Context) error {
	s.log.WithField("interval", s.interval.String()).Info("Starting scheduler")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runPass(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the scheduler goroutine to stop and waits for the pass in
// flight, if any. Calling it more than once is a no-op.
func (s *scheduler) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.log.Info("Scheduler stopped")
	})

	return nil
}

func (s *scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

func (s *scheduler) runPass(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	s.status.Running = true
	s.status.LastStart = start
	s.mu.Unlock()

	s.log.Info("Sync pass started")

	results, err := s.syncer.SyncAll(ctx, s.registry)

	s.mu.Lock()
	s.status.Running = false
	s.status.Passes++
	s.status.LastFinish = time.Now()
	s.status.LastError = ""

	if err != nil {
		s.status.LastError = err.Error()
	}
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{
		"stages":   len(results),
		"duration": time.Since(start).Round(time.Millisecond),
	})

	if err != nil {
		log.WithError(err).Warn("Sync pass failed, retrying next tick")

		return
	}

	log.Info("Sync pass completed")
}

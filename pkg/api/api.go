// Package api serves the read-only reporting API over the synchronized
// snapshot. It never calls upstream.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gitlab-students-monitor/gsm/pkg/config"
	"github.com/gitlab-students-monitor/gsm/pkg/scheduler"
	"github.com/gitlab-students-monitor/gsm/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	store      store.Reader
	counter    counter
	scheduler  scheduler.Scheduler
	links      linker
	users      map[string][]byte
	limiters   []*rateLimiterMap
	httpServer *http.Server
	wg         sync.WaitGroup
}

// counter is the part of the store the stats endpoint needs.
type counter interface {
	Counts(ctx context.Context) (*store.Counts, error)
}

// NewServer creates a new API server reading from st. sched may be nil
// when periodic syncing is disabled.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	sched scheduler.Scheduler,
) Server {
	users := make(map[string][]byte, len(cfg.API.Auth.Basic.Users))
	for _, u := range cfg.API.Auth.Basic.Users {
		users[u.Username] = []byte(u.PasswordHash)
	}

	return &server{
		log:       log.WithField("component", "api"),
		cfg:       &cfg.API,
		store:     st,
		counter:   st,
		scheduler: sched,
		links:     newLinker(cfg.API.WebBaseURL, cfg.Sync.ExerciseMatch),
		users:     users,
	}
}

// Start binds the listener and serves HTTP in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	for _, l := range s.limiters {
		l.stop()
	}

	s.log.Info("API server stopped")

	return nil
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/gitlab-students-monitor/gsm/pkg/metrics"
)

// dummyHash is compared against when the user is unknown so that lookups
// of unknown and known users take the same time.
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3Nw1jKuJcC6qC/6BfUKUYdG")

// requestLogger logs incoming HTTP requests and counts them per route.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		metrics.APIRequests.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", ww.Status()).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireBasicAuth checks HTTP basic credentials against the configured
// bcrypt hashes.
func (s *server) requireBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || !s.checkPassword(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="gsm", charset="UTF-8"`)
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *server) checkPassword(username, password string) bool {
	hash, known := s.users[username]
	if !known {
		hash = dummyHash
	}

	err := bcrypt.CompareHashAndPassword(hash, []byte(password))

	return known && err == nil
}

package upstream_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitlab-students-monitor/gsm/pkg/config"
	"github.com/gitlab-students-monitor/gsm/pkg/upstream"
)

func newTestClient(t *testing.T, mux *http.ServeMux) upstream.Client {
	t.Helper()

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	client, err := upstream.NewGitLab(log, &config.UpstreamConfig{
		URL:       srv.URL,
		Token:     "test-token",
		Group:     "course",
		RateLimit: 1000,
		Timeout:   5 * time.Second,
		Breaker: config.BreakerConfig{
			MaxFailures: 3,
			OpenTimeout: time.Minute,
		},
	})
	require.NoError(t, err)

	return client
}

func writeBody(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprint(w, body)
}

func TestGitLab_ListAccountsDrainsPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/groups/course/subgroups",
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

			switch r.URL.Query().Get("page") {
			case "1":
				w.Header().Set("X-Next-Page", "2")
				writeBody(w, `[{"id":1,"name":"alice","created_at":"2024-03-01T12:00:00.750Z"}]`)
			case "2":
				writeBody(w, `[{"id":2,"name":"bob","created_at":"2024-03-02T12:00:00Z"}]`)
			default:
				t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
			}
		})

	client := newTestClient(t, mux)

	accounts, err := client.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, upstream.Account{
		ID:        1,
		Name:      "alice",
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}, accounts[0])
	assert.Equal(t, "bob", accounts[1].Name)
}

func TestGitLab_ListRepositoriesExcludesArchived(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/groups/1/projects",
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "false", r.URL.Query().Get("archived"))
			writeBody(w, `[
				{"id":10,"name":"ex1","created_at":"2024-03-01T12:00:00Z","last_activity_at":"2024-03-05T08:30:00Z"},
				{"id":11,"name":"scratch","created_at":"2024-03-01T12:00:00Z"}
			]`)
		})

	client := newTestClient(t, mux)

	repos, err := client.ListRepositories(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, repos, 2)

	assert.Equal(t, int64(10), repos[0].ID)
	assert.Equal(t, "ex1", repos[0].Name)
	require.NotNil(t, repos[0].LastActivityAt)
	assert.Equal(t,
		time.Date(2024, 3, 5, 8, 30, 0, 0, time.UTC), *repos[0].LastActivityAt,
	)
	assert.Nil(t, repos[1].LastActivityAt)
}

func TestGitLab_GetRunAndSummary(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/projects/10/pipelines",
		func(w http.ResponseWriter, _ *http.Request) {
			writeBody(w, `[{"id":100},{"id":101}]`)
		})
	mux.HandleFunc("GET /api/v4/projects/10/pipelines/100",
		func(w http.ResponseWriter, _ *http.Request) {
			writeBody(w, `{"id":100,"status":"success","sha":"abc123",
				"created_at":"2024-03-01T12:00:00Z","user":{"username":"alice"}}`)
		})
	mux.HandleFunc("GET /api/v4/projects/10/pipelines/101",
		func(w http.ResponseWriter, _ *http.Request) {
			writeBody(w, `{"id":101,"status":"success","sha":"abc123",
				"created_at":"2024-03-01T12:00:00Z","user":null}`)
		})
	mux.HandleFunc("GET /api/v4/projects/10/pipelines/100/test_report",
		func(w http.ResponseWriter, _ *http.Request) {
			writeBody(w, `{"total_time":1.5,"total_count":5,"success_count":4,
				"failed_count":1,"skipped_count":0,"error_count":0,"test_suites":[]}`)
		})

	client := newTestClient(t, mux)
	ctx := context.Background()

	refs, err := client.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []upstream.RunRef{{ID: 100}, {ID: 101}}, refs)

	detail, err := client.GetRun(ctx, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, &upstream.RunDetail{
		ID:        100,
		Status:    "success",
		Revision:  "abc123",
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Actor:     "alice",
	}, detail)

	summary, err := client.GetTestSummary(ctx, 10, 100)
	require.NoError(t, err)
	assert.Equal(t, &upstream.TestSummary{Count: 5, Success: 4, Failed: 1}, summary)

	_, err = client.GetRun(ctx, 10, 101)
	require.Error(t, err)
	assert.ErrorIs(t, err, upstream.ErrMalformed)
	assert.False(t, upstream.IsTransient(err))
}

func TestGitLab_ListRunSteps(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/projects/10/pipelines/100/jobs",
		func(w http.ResponseWriter, _ *http.Request) {
			writeBody(w, `[
				{"id":1000,"name":"build","status":"success","duration":12.5,
				 "started_at":"2024-03-01T12:00:00Z",
				 "runner":{"id":7,"description":"shared-runner"},
				 "user":{"username":"alice"}},
				{"id":1001,"name":"deploy","status":"manual",
				 "user":{"username":"alice"}}
			]`)
		})

	client := newTestClient(t, mux)

	steps, err := client.ListRunSteps(context.Background(), 10, 100)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, "build", steps[0].Name)
	assert.Equal(t, "alice", steps[0].Actor)
	require.NotNil(t, steps[0].Runner)
	assert.Equal(t, "shared-runner", *steps[0].Runner)
	require.NotNil(t, steps[0].Duration)
	assert.InDelta(t, 12.5, *steps[0].Duration, 1e-9)

	assert.Equal(t, "manual", steps[1].Status)
	assert.Nil(t, steps[1].Runner)
	assert.Nil(t, steps[1].Duration)
}

func TestGitLab_ServerErrorIsTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/groups/1/projects",
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})

	client := newTestClient(t, mux)

	_, err := client.ListRepositories(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, upstream.IsTransient(err))

	var te *upstream.TransientError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "list_repositories", te.Op)
	assert.Equal(t, int64(1), te.Unit)
}

func TestGitLab_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/projects/10/pipelines",
		func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		})

	client := newTestClient(t, mux)
	ctx := context.Background()

	for range 5 {
		_, err := client.ListRuns(ctx, 10)
		require.Error(t, err)
		assert.True(t, upstream.IsTransient(err))
	}

	// Breaker trips after three failures; the rest never reach the server.
	assert.Equal(t, int32(3), hits.Load())
}

func TestGitLab_ClientErrorsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/projects/10/pipelines",
		func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = fmt.Fprint(w, `{"message":"404 Project Not Found"}`)
		})

	client := newTestClient(t, mux)
	ctx := context.Background()

	for range 5 {
		_, err := client.ListRuns(ctx, 10)
		require.Error(t, err)
		assert.True(t, upstream.IsTransient(err))
	}

	assert.Equal(t, int32(5), hits.Load())
}

func TestGitLab_NotFoundProjectsDoNotBlockHealthyOnes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/projects/{id}/pipelines",
		func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("id") != "4" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusNotFound)
				_, _ = fmt.Fprint(w, `{"message":"404 Project Not Found"}`)

				return
			}

			writeBody(w, `[{"id":400}]`)
		})

	client := newTestClient(t, mux)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		_, err := client.ListRuns(ctx, id)
		require.Error(t, err)
		assert.True(t, upstream.IsTransient(err))
	}

	refs, err := client.ListRuns(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, []upstream.RunRef{{ID: 400}}, refs)
}

func TestGitLab_ForbiddenDoesNotTripBreaker(t *testing.T) {
	var hits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/groups/1/projects",
		func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = fmt.Fprint(w, `{"message":"403 Forbidden"}`)
		})

	client := newTestClient(t, mux)

	for range 5 {
		_, err := client.ListRepositories(context.Background(), 1)
		require.Error(t, err)
	}

	assert.Equal(t, int32(5), hits.Load())
}

func TestGitLab_CancelledContextIsNotTransient(t *testing.T) {
	client := newTestClient(t, http.NewServeMux())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ListAccounts(ctx)
	require.Error(t, err)
	assert.False(t, upstream.IsTransient(err))
	assert.ErrorIs(t, err, context.Canceled)
}

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/time/rate"

	"github.com/gitlab-students-monitor/gsm/pkg/config"
	"github.com/gitlab-students-monitor/gsm/pkg/metrics"
)

const (
	perPage                = 100
	breakerName            = "gitlab-api"
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = time.Minute
)

// Compile-time interface check.
var _ Client = (*gitlabClient)(nil)

type gitlabClient struct {
	log     logrus.FieldLogger
	api     *gitlab.Client
	group   string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*gitlab.Response]
}

// NewGitLab creates a Client for the GitLab instance and group described
// by cfg.
func NewGitLab(log logrus.FieldLogger, cfg *config.UpstreamConfig) (Client, error) {
	log = log.WithField("component", "upstream")

	api, err := gitlab.NewOAuthClient(cfg.Token,
		gitlab.WithBaseURL(cfg.URL),
		gitlab.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		gitlab.WithoutRetries(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}

	return &gitlabClient{
		log:     log,
		api:     api,
		group:   cfg.Group,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		breaker: newBreaker(log, cfg.Breaker),
	}, nil
}

func newBreaker(
	log logrus.FieldLogger, cfg config.BreakerConfig,
) *gobreaker.CircuitBreaker[*gitlab.Response] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}

	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	return gobreaker.NewCircuitBreaker[*gitlab.Response](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: isHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("Circuit breaker state changed")

			metrics.CircuitBreakerState.WithLabelValues(name).
				Set(metrics.BreakerStateValue(to))
			metrics.CircuitBreakerTransitions.
				WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}

// isHealthy reports whether err leaves the upstream healthy. A 4xx is an
// answer about one unit, not an unhealthy upstream. The client reports a
// 404 as the ErrNotFound sentinel and other 4xx as an ErrorResponse.
func isHealthy(err error) bool {
	if err == nil || errors.Is(err, gitlab.ErrNotFound) {
		return true
	}

	var resp *gitlab.ErrorResponse
	if errors.As(err, &resp) && resp.Response != nil {
		return resp.Response.StatusCode < http.StatusInternalServerError
	}

	return false
}

// do runs one upstream call behind the rate limiter and the circuit
// breaker. Call failures come back as *TransientError; a cancelled
// context is returned as is.
func (c *gitlabClient) do(
	ctx context.Context,
	op string,
	unit int64,
	call func() (*gitlab.Response, error),
) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	start := time.Now()

	_, err := c.breaker.Execute(call)

	result := "success"

	switch {
	case errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "rejected"
	case err != nil:
		result = "failure"
	}

	metrics.RecordUpstream(op, result, time.Since(start))

	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("upstream %s: %w", op, ctxErr)
	}

	return &TransientError{Op: op, Unit: unit, Err: err}
}

// paginate drains every page of a list endpoint.
func paginate[T any](
	ctx context.Context,
	c *gitlabClient,
	op string,
	unit int64,
	fetch func(opts gitlab.ListOptions) ([]T, *gitlab.Response, error),
) ([]T, error) {
	var all []T

	opts := gitlab.ListOptions{PerPage: perPage, Page: 1}

	for {
		var (
			items []T
			resp  *gitlab.Response
		)

		err := c.do(ctx, op, unit, func() (*gitlab.Response, error) {
			var err error

			items, resp, err = fetch(opts)

			return resp, err
		})
		if err != nil {
			return nil, err
		}

		all = append(all, items...)

		if resp == nil || resp.NextPage == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return all, nil
}

func (c *gitlabClient) ListAccounts(ctx context.Context) ([]Account, error) {
	groups, err := paginate(ctx, c, "list_accounts", 0,
		func(opts gitlab.ListOptions) ([]*gitlab.Group, *gitlab.Response, error) {
			return c.api.Groups.ListSubGroups(c.group,
				&gitlab.ListSubGroupsOptions{ListOptions: opts},
				gitlab.WithContext(ctx),
			)
		},
	)
	if err != nil {
		return nil, err
	}

	accounts := make([]Account, 0, len(groups))

	for _, g := range groups {
		if g.CreatedAt == nil {
			return nil, fmt.Errorf("group %d has no created_at: %w", g.ID, ErrMalformed)
		}

		accounts = append(accounts, Account{
			ID:        int64(g.ID),
			Name:      g.Name,
			CreatedAt: normalizeTime(*g.CreatedAt),
		})
	}

	return accounts, nil
}

func (c *gitlabClient) ListRepositories(
	ctx context.Context, accountID int64,
) ([]Repository, error) {
	projects, err := paginate(ctx, c, "list_repositories", accountID,
		func(opts gitlab.ListOptions) ([]*gitlab.Project, *gitlab.Response, error) {
			return c.api.Groups.ListGroupProjects(int(accountID),
				&gitlab.ListGroupProjectsOptions{
					ListOptions: opts,
					Archived:    gitlab.Ptr(false),
				},
				gitlab.WithContext(ctx),
			)
		},
	)
	if err != nil {
		return nil, err
	}

	repos := make([]Repository, 0, len(projects))

	for _, p := range projects {
		if p.CreatedAt == nil {
			return nil, fmt.Errorf("project %d has no created_at: %w", p.ID, ErrMalformed)
		}

		repos = append(repos, Repository{
			ID:             int64(p.ID),
			Name:           p.Name,
			CreatedAt:      normalizeTime(*p.CreatedAt),
			LastActivityAt: normalizeTimePtr(p.LastActivityAt),
		})
	}

	return repos, nil
}

func (c *gitlabClient) ListRuns(
	ctx context.Context, repositoryID int64,
) ([]RunRef, error) {
	pipelines, err := paginate(ctx, c, "list_runs", repositoryID,
		func(opts gitlab.ListOptions) ([]*gitlab.PipelineInfo, *gitlab.Response, error) {
			return c.api.Pipelines.ListProjectPipelines(int(repositoryID),
				&gitlab.ListProjectPipelinesOptions{ListOptions: opts},
				gitlab.WithContext(ctx),
			)
		},
	)
	if err != nil {
		return nil, err
	}

	refs := make([]RunRef, 0, len(pipelines))
	for _, p := range pipelines {
		refs = append(refs, RunRef{ID: int64(p.ID)})
	}

	return refs, nil
}

func (c *gitlabClient) GetRun(
	ctx context.Context, repositoryID, runID int64,
) (*RunDetail, error) {
	var pipeline *gitlab.Pipeline

	err := c.do(ctx, "get_run", runID, func() (*gitlab.Response, error) {
		var (
			resp *gitlab.Response
			err  error
		)

		pipeline, resp, err = c.api.Pipelines.GetPipeline(
			int(repositoryID), int(runID), gitlab.WithContext(ctx),
		)

		return resp, err
	})
	if err != nil {
		return nil, err
	}

	if pipeline == nil {
		return nil, fmt.Errorf("pipeline %d: empty response: %w", runID, ErrMalformed)
	}

	if pipeline.User == nil || pipeline.User.Username == "" {
		return nil, fmt.Errorf("pipeline %d has no user: %w", runID, ErrMalformed)
	}

	if pipeline.CreatedAt == nil {
		return nil, fmt.Errorf("pipeline %d has no created_at: %w", runID, ErrMalformed)
	}

	return &RunDetail{
		ID:        int64(pipeline.ID),
		Status:    pipeline.Status,
		Revision:  pipeline.SHA,
		CreatedAt: normalizeTime(*pipeline.CreatedAt),
		Actor:     pipeline.User.Username,
	}, nil
}

func (c *gitlabClient) GetTestSummary(
	ctx context.Context, repositoryID, runID int64,
) (*TestSummary, error) {
	var report *gitlab.PipelineTestReport

	err := c.do(ctx, "get_test_summary", runID, func() (*gitlab.Response, error) {
		var (
			resp *gitlab.Response
			err  error
		)

		report, resp, err = c.api.Pipelines.GetPipelineTestReport(
			int(repositoryID), int(runID), gitlab.WithContext(ctx),
		)

		return resp, err
	})
	if err != nil {
		return nil, err
	}

	if report == nil {
		return nil, fmt.Errorf("pipeline %d has no test report: %w", runID, ErrMalformed)
	}

	return &TestSummary{
		Count:   report.TotalCount,
		Success: report.SuccessCount,
		Failed:  report.FailedCount,
		Skipped: report.SkippedCount,
		Error:   report.ErrorCount,
	}, nil
}

func (c *gitlabClient) ListRunSteps(
	ctx context.Context, repositoryID, runID int64,
) ([]RunStep, error) {
	jobs, err := paginate(ctx, c, "list_run_steps", runID,
		func(opts gitlab.ListOptions) ([]*gitlab.Job, *gitlab.Response, error) {
			return c.api.Jobs.ListPipelineJobs(int(repositoryID), int(runID),
				&gitlab.ListJobsOptions{ListOptions: opts},
				gitlab.WithContext(ctx),
			)
		},
	)
	if err != nil {
		return nil, err
	}

	steps := make([]RunStep, 0, len(jobs))

	for _, j := range jobs {
		if j.User == nil || j.User.Username == "" {
			return nil, fmt.Errorf("job %d has no user: %w", j.ID, ErrMalformed)
		}

		step := RunStep{
			ID:     int64(j.ID),
			Status: j.Status,
			Name:   j.Name,
			Actor:  j.User.Username,
		}

		if j.Runner.ID != 0 {
			runner := j.Runner.Description
			step.Runner = &runner
		}

		// Jobs that never started report no duration.
		if j.StartedAt != nil {
			duration := j.Duration
			step.Duration = &duration
		}

		steps = append(steps, step)
	}

	return steps, nil
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gitlab-students-monitor/gsm/pkg/scheduler"
	"github.com/gitlab-students-monitor/gsm/pkg/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Sync   *scheduler.Status `json:"sync,omitempty"`
}

type accountResponse struct {
	store.AccountSummary
	WebURL string `json:"web_url,omitempty"`
}

type accountDetailResponse struct {
	Account     accountResponse      `json:"account"`
	Submissions []submissionResponse `json:"submissions"`
}

type exerciseResponse struct {
	store.ExerciseSummary
	Progress float64 `json:"progress"`
}

type submissionResponse struct {
	store.SubmissionSummary
	WebURL string `json:"web_url,omitempty"`
}

type submissionDetailResponse struct {
	Submission submissionResponse `json:"submission"`
	Runs       []runResponse      `json:"runs"`
}

type runResponse struct {
	store.RunSummary
	Progress store.TestProgress `json:"progress"`
	WebURL   string             `json:"web_url,omitempty"`
	Steps    []runStepResponse  `json:"steps,omitempty"`
}

type runStepResponse struct {
	store.RunStepSummary
	WebURL string `json:"web_url,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError maps a store error onto a response.
func (s *server) writeStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"not found"})

		return
	}

	s.log.WithError(err).Error(msg)
	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}

	if s.scheduler != nil {
		status := s.scheduler.Status()
		resp.Sync = &status
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.counter.Counts(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "Failed to count rows")

		return
	}

	writeJSON(w, http.StatusOK, counts)
}

func (s *server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	active, ok := queryBool(w, r, "active")
	if !ok {
		return
	}

	accounts, err := s.store.ListAccountSummaries(r.Context(), active)
	if err != nil {
		s.writeStoreError(w, err, "Failed to list accounts")

		return
	}

	resp := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, s.account(a))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	account, err := s.store.GetAccountSummary(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "Failed to get account")

		return
	}

	submissions, err := s.store.ListSubmissionSummaries(r.Context(),
		store.SubmissionFilter{AccountID: id})
	if err != nil {
		s.writeStoreError(w, err, "Failed to list account submissions")

		return
	}

	writeJSON(w, http.StatusOK, accountDetailResponse{
		Account:     s.account(*account),
		Submissions: s.submissions(submissions),
	})
}

func (s *server) handleListExercises(w http.ResponseWriter, r *http.Request) {
	exercises, err := s.store.ListExerciseSummaries(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "Failed to list exercises")

		return
	}

	resp := make([]exerciseResponse, 0, len(exercises))
	for _, e := range exercises {
		resp = append(resp, exerciseResponse{
			ExerciseSummary: e,
			Progress:        e.Progress(),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	active, ok := queryBool(w, r, "active")
	if !ok {
		return
	}

	accountID, ok := queryInt(w, r, "account_id")
	if !ok {
		return
	}

	exerciseID, ok := queryInt(w, r, "exercise_id")
	if !ok {
		return
	}

	submissions, err := s.store.ListSubmissionSummaries(r.Context(),
		store.SubmissionFilter{
			ActiveOnly: active,
			AccountID:  accountID,
			ExerciseID: exerciseID,
		})
	if err != nil {
		s.writeStoreError(w, err, "Failed to list submissions")

		return
	}

	writeJSON(w, http.StatusOK, s.submissions(submissions))
}

func (s *server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	submission, err := s.store.GetSubmissionSummary(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "Failed to get submission")

		return
	}

	runs, err := s.store.ListRunSummaries(r.Context(),
		store.RunFilter{SubmissionID: id})
	if err != nil {
		s.writeStoreError(w, err, "Failed to list submission runs")

		return
	}

	resp := submissionDetailResponse{
		Submission: s.submission(*submission),
		Runs:       make([]runResponse, 0, len(runs)),
	}

	if len(runs) > 0 {
		runIDs := make([]int64, 0, len(runs))
		for _, run := range runs {
			runIDs = append(runIDs, run.ID)
		}

		steps, err := s.store.ListRunStepSummaries(r.Context(),
			store.RunStepFilter{RunIDs: runIDs})
		if err != nil {
			s.writeStoreError(w, err, "Failed to list submission run steps")

			return
		}

		byRun := make(map[int64][]store.RunStepSummary, len(runs))
		for _, step := range steps {
			byRun[step.RunID] = append(byRun[step.RunID], step)
		}

		for _, run := range runs {
			resp.Runs = append(resp.Runs, s.run(run, byRun[run.ID]))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	submissionID, ok := queryInt(w, r, "submission_id")
	if !ok {
		return
	}

	runs, err := s.store.ListRunSummaries(r.Context(), store.RunFilter{
		SubmissionID: submissionID,
		Limit:        limit,
	})
	if err != nil {
		s.writeStoreError(w, err, "Failed to list runs")

		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, s.run(run, nil))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	run, err := s.store.GetRunSummary(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "Failed to get run")

		return
	}

	steps, err := s.store.ListRunStepSummaries(r.Context(),
		store.RunStepFilter{RunIDs: []int64{id}})
	if err != nil {
		s.writeStoreError(w, err, "Failed to list run steps")

		return
	}

	writeJSON(w, http.StatusOK, s.run(*run, steps))
}

func (s *server) handleListRunSteps(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	steps, err := s.store.ListRunStepSummaries(r.Context(),
		store.RunStepFilter{Limit: limit})
	if err != nil {
		s.writeStoreError(w, err, "Failed to list run steps")

		return
	}

	writeJSON(w, http.StatusOK, s.runSteps(steps))
}

func (s *server) account(a store.AccountSummary) accountResponse {
	return accountResponse{
		AccountSummary: a,
		WebURL:         s.links.account(a.Name),
	}
}

func (s *server) submission(sub store.SubmissionSummary) submissionResponse {
	return submissionResponse{
		SubmissionSummary: sub,
		WebURL:            s.links.submission(sub.AccountName, sub.ExerciseName),
	}
}

func (s *server) submissions(subs []store.SubmissionSummary) []submissionResponse {
	resp := make([]submissionResponse, 0, len(subs))
	for _, sub := range subs {
		resp = append(resp, s.submission(sub))
	}

	return resp
}

func (s *server) run(run store.RunSummary, steps []store.RunStepSummary) runResponse {
	return runResponse{
		RunSummary: run,
		Progress:   run.Progress(),
		WebURL:     s.links.run(run.AccountName, run.ExerciseName, run.ID),
		Steps:      s.runSteps(steps),
	}
}

func (s *server) runSteps(steps []store.RunStepSummary) []runStepResponse {
	if steps == nil {
		return nil
	}

	resp := make([]runStepResponse, 0, len(steps))
	for _, step := range steps {
		resp = append(resp, runStepResponse{
			RunStepSummary: step,
			WebURL: s.links.runStep(
				step.AccountName, step.ExerciseName, step.ID,
			),
		})
	}

	return resp
}

// pathID parses the {id} URL parameter, writing a 400 when it is invalid.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return 0, false
	}

	return id, true
}

func queryBool(w http.ResponseWriter, r *http.Request, key string) (bool, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, true
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid " + key + " parameter"})

		return false, false
	}

	return v, true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid " + key + " parameter"})

		return 0, false
	}

	return v, true
}

// queryLimit parses the limit parameter, defaulting and capping it.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return 0, false
	}

	switch {
	case limit == 0:
		return defaultListLimit, true
	case limit > maxListLimit:
		return maxListLimit, true
	default:
		return int(limit), true
	}
}

package handlers

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/gocohort/internal/errors"
	"github.com/3leaps/gocohort/pkg/metricstore"
)

// defaultRunListLimit bounds unpaginated run listings.
const defaultRunListLimit = 100

// RunsAPI serves the run query endpoints backed by the metric store.
type RunsAPI struct {
	db *sql.DB
}

// NewRunsAPI creates the run query API over an open metric store.
func NewRunsAPI(db *sql.DB) *RunsAPI {
	return &RunsAPI{db: db}
}

// Routes mounts the run endpoints on a chi router.
func (a *RunsAPI) Routes(r chi.Router) {
	r.Get("/runs", a.ListRuns)
	r.Get("/runs/{runID}", a.GetRun)
	r.Get("/runs/{runID}/metrics", a.GetRunMetrics)
	r.Get("/runs/{runID}/checkpoints", a.GetRunCheckpoints)
}

func (a *RunsAPI) storeReady(w http.ResponseWriter, r *http.Request) bool {
	if a == nil || a.db == nil {
		respondWithError(w, r, apperrors.NewExternalServiceError("metric store is not attached"))
		return false
	}
	return true
}

// ListRuns returns recent runs, newest first.
func (a *RunsAPI) ListRuns(w http.ResponseWriter, r *http.Request) {
	if !a.storeReady(w, r) {
		return
	}

	limit := defaultRunListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondWithError(w, r, apperrors.NewInvalidArgumentError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	runs, err := metricstore.ListRuns(r.Context(), a.db, limit)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list runs"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun returns one run with its state transitions.
func (a *RunsAPI) GetRun(w http.ResponseWriter, r *http.Request) {
	if !a.storeReady(w, r) {
		return
	}
	runID := chi.URLParam(r, "runID")

	run, err := metricstore.GetRun(r.Context(), a.db, runID)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "get run"))
		return
	}
	if run == nil {
		respondWithError(w, r, apperrors.NewNotFoundError("run not found: "+runID))
		return
	}

	transitions, err := metricstore.ListTransitions(r.Context(), a.db, runID)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list transitions"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":         run,
		"transitions": transitions,
	})
}

// GetRunMetrics returns a run's metric records, optionally filtered by rank
// and epoch.
func (a *RunsAPI) GetRunMetrics(w http.ResponseWriter, r *http.Request) {
	if !a.storeReady(w, r) {
		return
	}
	runID := chi.URLParam(r, "runID")

	params := metricstore.QueryParams{RunID: runID}
	if v := r.URL.Query().Get("rank"); v != "" {
		rank, err := strconv.Atoi(v)
		if err != nil || rank < 0 {
			respondWithError(w, r, apperrors.NewInvalidArgumentError("rank must be a non-negative integer"))
			return
		}
		params.Rank = &rank
	}
	if v := r.URL.Query().Get("epoch"); v != "" {
		epoch, err := strconv.Atoi(v)
		if err != nil || epoch < 0 {
			respondWithError(w, r, apperrors.NewInvalidArgumentError("epoch must be a non-negative integer"))
			return
		}
		params.Epoch = &epoch
	}

	records, err := metricstore.QueryMetrics(r.Context(), a.db, params)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "query metrics"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": records})
}

// GetRunCheckpoints returns a run's checkpoint claims.
func (a *RunsAPI) GetRunCheckpoints(w http.ResponseWriter, r *http.Request) {
	if !a.storeReady(w, r) {
		return
	}
	runID := chi.URLParam(r, "runID")

	claims, err := metricstore.ListCheckpoints(r.Context(), a.db, runID)
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "list checkpoints"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": claims})
}

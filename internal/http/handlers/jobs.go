package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"scenefit/internal/domain"
	"scenefit/internal/notify"
)

type jobView struct {
	JobID            string            `json:"job_id"`
	Kind             string            `json:"kind"`
	State            string            `json:"state"`
	Attempt          int               `json:"attempt"`
	Result           *domain.JobResult `json:"result,omitempty"`
	Error            *domain.JobError  `json:"error,omitempty"`
	EstimatedSeconds int               `json:"estimated_seconds,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func viewOf(job *domain.Job) jobView {
	view := jobView{
		JobID:     job.ID,
		Kind:      string(job.Kind),
		State:     string(job.State),
		Attempt:   job.Attempt,
		Result:    job.Result,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Active() {
		view.EstimatedSeconds = domain.KindEstimateSeconds(job.Kind)
	}
	return view
}

// JobStatus returns the owner's view of one job. Safe to poll; reads never
// mutate state.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, _, ok := a.currentUser(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}

	job, err := a.Jobs.GetForOwner(r.Context(), jobID, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("job fetch failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to fetch job")
		return
	}
	a.json(w, http.StatusOK, viewOf(job))
}

// JobCancel cancels a queued or processing job on behalf of its owner. A job
// that already reached a terminal state is reported as a conflict with its
// current state so the client can reconcile.
func (a *App) JobCancel(w http.ResponseWriter, r *http.Request) {
	ownerID, _, ok := a.currentUser(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}

	job, err := a.Jobs.Cancel(r.Context(), jobID, ownerID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	case errors.Is(err, domain.ErrNotCancellable):
		current, getErr := a.Jobs.GetForOwner(r.Context(), jobID, ownerID)
		state := ""
		if getErr == nil {
			state = string(current.State)
		}
		a.json(w, http.StatusConflict, map[string]any{
			"error": map[string]string{
				"code":    "not_cancellable",
				"message": "job already reached a terminal state",
				"state":   state,
			},
		})
		return
	default:
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("cancel failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}

	if a.Metrics != nil {
		a.Metrics.JobsCancelled.Inc()
	}
	a.recordUsage(r, job, "generation_cancelled", true)
	a.publish(r.Context(), notify.Event{
		Type:      notify.EventTypeGenerationUpdate,
		OwnerID:   job.OwnerID,
		JobID:     job.ID,
		State:     job.State,
		ErrorCode: domain.ErrCodeCancelled,
	})

	a.json(w, http.StatusOK, map[string]string{
		"job_id": job.ID,
		"state":  string(job.State),
	})
}

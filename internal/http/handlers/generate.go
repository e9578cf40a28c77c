package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"scenefit/internal/domain"
)

const maxInstructionLength = 2000

type generateRequest struct {
	Kind           string `json:"kind"`
	SubjectFaceRef string `json:"subject_face_ref"`
	SubjectBodyRef string `json:"subject_body_ref"`
	TargetSceneRef string `json:"target_scene_ref"`
	Style          string `json:"style"`
	Instruction    string `json:"instruction"`
}

type generateResponse struct {
	JobID            string    `json:"job_id"`
	State            string    `json:"state"`
	EstimatedSeconds int       `json:"estimated_seconds"`
	Cost             float64   `json:"cost"`
	RemainingQuota   int       `json:"remaining_quota"`
	ResetAt          time.Time `json:"reset_at"`
}

func (req *generateRequest) validate() (domain.JobKind, string) {
	kind := domain.JobKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if !kind.Valid() {
		return "", "kind must be image or video"
	}
	if strings.TrimSpace(req.SubjectFaceRef) == "" {
		return "", "subject_face_ref is required"
	}
	if strings.TrimSpace(req.SubjectBodyRef) == "" {
		return "", "subject_body_ref is required"
	}
	if strings.TrimSpace(req.TargetSceneRef) == "" {
		return "", "target_scene_ref is required"
	}
	if len(req.Instruction) > maxInstructionLength {
		return "", "instruction is too long"
	}
	return kind, ""
}

// Generate validates a submission, reserves one unit of today's quota, and
// enqueues the job. The quota reservation happens before the insert so a burst
// of concurrent submissions cannot overshoot the ceiling; if the insert then
// fails the reservation is given back.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	ownerID, tier, ok := a.currentUser(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	kind, problem := req.validate()
	if problem != "" {
		a.error(w, http.StatusBadRequest, "bad_request", problem)
		return
	}

	decision, err := a.Quota.CheckAndReserve(r.Context(), ownerID, tier, kind)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupportedTier) {
			a.error(w, http.StatusForbidden, "unsupported_plan", "plan does not allow this generation kind")
			return
		}
		a.error(w, http.StatusServiceUnavailable, "quota_unavailable", "quota check unavailable, try again shortly")
		return
	}
	if !decision.Allowed {
		if a.Metrics != nil {
			a.Metrics.QuotaRejections.Inc()
		}
		a.json(w, http.StatusTooManyRequests, map[string]any{
			"error": map[string]any{
				"code":      domain.ErrCodeDailyLimit,
				"message":   "daily generation limit reached",
				"remaining": decision.Remaining,
				"reset_at":  decision.ResetAt,
			},
		})
		return
	}

	job := &domain.Job{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Tier:    tier,
		Kind:    kind,
		State:   domain.JobStateQueued,
		Inputs: domain.JobInputs{
			SubjectFaceRef: strings.TrimSpace(req.SubjectFaceRef),
			SubjectBodyRef: strings.TrimSpace(req.SubjectBodyRef),
			TargetSceneRef: strings.TrimSpace(req.TargetSceneRef),
			Style:          strings.TrimSpace(req.Style),
			Instruction:    strings.TrimSpace(req.Instruction),
		},
	}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.Quota.Release(r.Context(), ownerID, kind)
		a.Logger.Error().Err(err).Str("owner_id", ownerID).Msg("job create failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue generation")
		return
	}

	if a.Metrics != nil {
		a.Metrics.JobsSubmitted.WithLabelValues(string(kind), string(tier)).Inc()
	}
	a.recordUsage(r, job, "generation_submitted", true)

	a.json(w, http.StatusAccepted, generateResponse{
		JobID:            job.ID,
		State:            string(domain.JobStateQueued),
		EstimatedSeconds: domain.KindEstimateSeconds(kind),
		Cost:             domain.KindCost(kind),
		RemainingQuota:   decision.Remaining,
		ResetAt:          decision.ResetAt,
	})
}

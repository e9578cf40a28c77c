// Package handlers implements the HTTP API surface.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"scenefit/internal/domain"
	"scenefit/internal/metrics"
	"scenefit/internal/middleware"
	"scenefit/internal/notify"
	"scenefit/internal/quota"
	"scenefit/internal/storage"
)

// QuotaGuard is the submission-side quota contract.
type QuotaGuard interface {
	CheckAndReserve(ctx context.Context, ownerID string, tier domain.Tier, kind domain.JobKind) (quota.Decision, error)
	Release(ctx context.Context, ownerID string, kind domain.JobKind)
}

// App bundles the dependencies of all HTTP handlers. Usage, Files and Metrics
// are optional.
type App struct {
	Jobs      domain.JobRepository
	Quota     QuotaGuard
	Publisher notify.Publisher
	Hub       *notify.Hub
	Usage     domain.UsageRepository
	Files     *storage.FileStore
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{"error": map[string]string{"code": errCode, "message": message}})
}

// currentUser resolves the authenticated caller and their normalized tier.
func (a *App) currentUser(r *http.Request) (ownerID string, tier domain.Tier, ok bool) {
	ownerID = middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		return "", "", false
	}
	tier, valid := domain.NormalizeTier(middleware.PlanFromContext(r.Context()))
	if !valid {
		tier = domain.TierFree
	}
	return ownerID, tier, true
}

// recordUsage appends a best-effort analytics event tagged with the request's
// resolved country and locale.
func (a *App) recordUsage(r *http.Request, job *domain.Job, eventType string, success bool) {
	if a.Usage == nil {
		return
	}
	event := domain.UsageEvent{
		OwnerID:   job.OwnerID,
		JobID:     job.ID,
		EventType: eventType,
		Kind:      job.Kind,
		Success:   success,
		Country:   middleware.CountryFromContext(r.Context()),
		Locale:    middleware.LocaleFromContext(r.Context()),
	}
	if err := a.Usage.InsertEvent(r.Context(), event); err != nil {
		a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("usage event insert failed")
	}
}

func (a *App) publish(ctx context.Context, event notify.Event) {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.Publish(ctx, event); err != nil {
		a.Logger.Warn().Err(err).Str("job_id", event.JobID).Msg("notify publish failed")
	}
}

// Package httpapi wires the HTTP routes and middleware chain.
package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"scenefit/internal/http/handlers"
	"scenefit/internal/infra"
	"scenefit/internal/middleware"
)

// NewRouter assembles the full route tree. The generation endpoints sit
// behind JWT auth; health and metrics stay open for probes and scrapers.
func NewRouter(app *handlers.App, cfg *infra.Config, logger zerolog.Logger, lookup middleware.CountryLookup, gatherer prometheus.Gatherer) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(logger),
		middleware.CORS([]string{"http://localhost:3000"}),
		middleware.I18N("en", lookup),
	)

	r.Get("/v1/healthz", app.Health)
	if gatherer != nil {
		r.Method(stdhttp.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitPerMin, time.Minute))

		r.Route("/v1/generations", func(r chi.Router) {
			r.Post("/", app.Generate)
			r.Get("/{job_id}", app.JobStatus)
			r.Post("/{job_id}/cancel", app.JobCancel)
			r.Get("/{job_id}/artifacts/archive", app.ArtifactArchive)
		})

		r.Get("/v1/ws", app.Subscribe)
	})

	return r
}

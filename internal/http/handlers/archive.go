package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"scenefit/internal/domain"
	"scenefit/pkg/zip"
)

// ArtifactArchive bundles a completed job's artifact together with the inputs
// that produced it into a single zip download. Only locally stored artifacts
// can be archived; externally hosted ones are fetched by the client directly.
func (a *App) ArtifactArchive(w http.ResponseWriter, r *http.Request) {
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
		a.error(w, http.StatusInternalServerError, "internal", "failed to fetch job")
		return
	}
	if job.State != domain.JobStateCompleted || job.Result == nil {
		a.error(w, http.StatusConflict, "not_completed", "job has no artifact yet")
		return
	}

	data, err := a.Files.Read(r.Context(), job.Result.ArtifactRef)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "artifact is not stored locally")
		return
	}

	manifest := fmt.Sprintf("job_id: %s\nkind: %s\ndegraded: %t\nquality: %.2f\n",
		job.ID, job.Kind, job.Result.Degraded, job.Result.Quality)
	archive := zip.ArchiveAssets([]zip.Asset{
		{Filename: path.Base(job.Result.ArtifactRef), Data: data},
		{Filename: "manifest.txt", MIME: "text/plain", Data: []byte(manifest)},
	})
	if len(archive) == 0 {
		a.error(w, http.StatusInternalServerError, "internal", "failed to build archive")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"scenefit/internal/domain"
	"scenefit/internal/middleware"
	"scenefit/internal/notify"
	"scenefit/internal/quota"
	"scenefit/internal/storage"
	"scenefit/internal/store/memory"
)

type stubQuota struct {
	decision quota.Decision
	err      error
	checks   int
	releases int
}

func (s *stubQuota) CheckAndReserve(context.Context, string, domain.Tier, domain.JobKind) (quota.Decision, error) {
	s.checks++
	return s.decision, s.err
}

func (s *stubQuota) Release(context.Context, string, domain.JobKind) {
	s.releases++
}

func allowAll() *stubQuota {
	return &stubQuota{decision: quota.Decision{Allowed: true, Remaining: 9, ResetAt: time.Now().Add(time.Hour)}}
}

func asUser(ownerID, plan string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := middleware.ContextWithUserID(r.Context(), ownerID)
			ctx = middleware.ContextWithPlan(ctx, plan)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func testRouter(app *App, ownerID, plan string) http.Handler {
	r := chi.NewRouter()
	r.Use(asUser(ownerID, plan))
	r.Post("/v1/generations", app.Generate)
	r.Get("/v1/generations/{job_id}", app.JobStatus)
	r.Post("/v1/generations/{job_id}/cancel", app.JobCancel)
	r.Get("/v1/generations/{job_id}/artifacts/archive", app.ArtifactArchive)
	return r
}

func validBody() *bytes.Buffer {
	payload, _ := json.Marshal(map[string]string{
		"kind":             "image",
		"subject_face_ref": "https://cdn.example.com/face.png",
		"subject_body_ref": "https://cdn.example.com/body.png",
		"target_scene_ref": "https://cdn.example.com/scene.png",
		"style":            "studio",
	})
	return bytes.NewBuffer(payload)
}

func TestGenerateAcceptsValidSubmission(t *testing.T) {
	store := memory.NewStore()
	guard := allowAll()
	app := &App{Jobs: store, Quota: guard, Publisher: notify.NopPublisher{}, Logger: zerolog.Nop()}
	router := testRouter(app, "owner-1", "plus")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/generations", validBody()))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		JobID          string `json:"job_id"`
		State          string `json:"state"`
		RemainingQuota int    `json:"remaining_quota"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != "queued" || resp.JobID == "" {
		t.Fatalf("response = %+v, want a queued job id", resp)
	}
	if resp.RemainingQuota != 9 {
		t.Fatalf("remaining = %d, want 9", resp.RemainingQuota)
	}

	job, err := store.GetForOwner(context.Background(), resp.JobID, "owner-1")
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.Tier != domain.TierPlus || job.State != domain.JobStateQueued {
		t.Fatalf("job = tier %s state %s, want plus/queued", job.Tier, job.State)
	}
}

func TestGenerateRejectsInvalidPayloadBeforeQuota(t *testing.T) {
	guard := allowAll()
	app := &App{Jobs: memory.NewStore(), Quota: guard, Logger: zerolog.Nop()}
	router := testRouter(app, "owner-1", "free")

	payload, _ := json.Marshal(map[string]string{
		"kind":             "image",
		"subject_face_ref": "https://cdn.example.com/face.png",
		"subject_body_ref": "https://cdn.example.com/body.png",
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/generations", bytes.NewBuffer(payload)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if guard.checks != 0 {
		t.Fatalf("invalid submissions must not consume quota, got %d checks", guard.checks)
	}
}

func TestGenerateRejectsUnknownKind(t *testing.T) {
	app := &App{Jobs: memory.NewStore(), Quota: allowAll(), Logger: zerolog.Nop()}
	router := testRouter(app, "owner-1", "free")

	payload, _ := json.Marshal(map[string]string{
		"kind":             "hologram",
		"subject_face_ref": "a", "subject_body_ref": "b", "target_scene_ref": "c",
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/generations", bytes.NewBuffer(payload)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGenerateReturns429WhenQuotaExceeded(t *testing.T) {
	store := memory.NewStore()
	guard := &stubQuota{decision: quota.Decision{Allowed: false, Remaining: 0, ResetAt: time.Now().Add(time.Hour)}}
	app := &App{Jobs: store, Quota: guard, Logger: zerolog.Nop()}
	router := testRouter(app, "owner-1", "free")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/generations", validBody()))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	var resp struct {
		Error struct {
			Code    string    `json:"code"`
			ResetAt time.Time `json:"reset_at"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error.Code != domain.ErrCodeDailyLimit {
		t.Fatalf("code = %s, want %s", resp.Error.Code, domain.ErrCodeDailyLimit)
	}
	if resp.Error.ResetAt.IsZero() {
		t.Fatalf("rejection must carry reset_at")
	}
}

func TestGenerateFailsClosedWhenQuotaStoreDown(t *testing.T) {
	guard := &stubQuota{err: domain.ErrQuotaStoreDown}
	app := &App{Jobs: memory.NewStore(), Quota: guard, Logger: zerolog.Nop()}
	router := testRouter(app, "owner-1", "free")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/generations", validBody()))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

type failingCreateRepo struct {
	domain.JobRepository
}

func (failingCreateRepo) Create(context.Context, *domain.Job) error {
	return errors.New("insert failed")
}

func TestGenerateReleasesQuotaWhenCreateFails(t *testing.T) {
	guard := allowAll()
	app := &App{Jobs: failingCreateRepo{memory.NewStore()}, Quota: guard, Logger: zerolog.Nop()}
	router := testRouter(app, "owner-1", "free")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/generations", validBody()))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if guard.releases != 1 {
		t.Fatalf("reservation must be given back on insert failure, got %d releases", guard.releases)
	}
}

func seedJob(t *testing.T, store *memory.Store, job *domain.Job) {
	t.Helper()
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestJobStatusIsOwnerScoped(t *testing.T) {
	store := memory.NewStore()
	seedJob(t, store, &domain.Job{ID: "job-1", OwnerID: "owner-1", Tier: domain.TierFree, Kind: domain.JobKindImage, State: domain.JobStateQueued})
	app := &App{Jobs: store, Quota: allowAll(), Logger: zerolog.Nop()}

	rec := httptest.NewRecorder()
	testRouter(app, "owner-2", "free").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/generations/job-1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("another owner's job must be invisible, status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	testRouter(app, "owner-1", "free").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/generations/job-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view jobView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.State != "queued" || view.EstimatedSeconds == 0 {
		t.Fatalf("view = %+v, want queued with an estimate", view)
	}
}

func TestJobCancelThenConflictOnSecondCancel(t *testing.T) {
	store := memory.NewStore()
	seedJob(t, store, &domain.Job{ID: "job-1", OwnerID: "owner-1", Tier: domain.TierFree, Kind: domain.JobKindImage, State: domain.JobStateQueued})
	publisher := &capturingPublisher{}
	app := &App{Jobs: store, Quota: allowAll(), Publisher: publisher, Logger: zerolog.Nop()}
	router := testRouter(app, "owner-1", "free")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/generations/job-1/cancel", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	job, _ := store.GetByID(context.Background(), "job-1")
	if job.State != domain.JobStateCancelled {
		t.Fatalf("state = %s, want cancelled", job.State)
	}
	if len(publisher.events) != 1 || publisher.events[0].ErrorCode != domain.ErrCodeCancelled {
		t.Fatalf("events = %+v, want one cancellation event", publisher.events)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/generations/job-1/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rec.Code)
	}
	var resp struct {
		Error struct {
			State string `json:"state"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error.State != "cancelled" {
		t.Fatalf("conflict must report the current state, got %q", resp.Error.State)
	}
}

type capturingPublisher struct {
	events []notify.Event
}

func (p *capturingPublisher) Publish(_ context.Context, event notify.Event) error {
	p.events = append(p.events, event)
	return nil
}

func TestArtifactArchiveStreamsZip(t *testing.T) {
	store := memory.NewStore()
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	key, err := files.Write(context.Background(), "artifacts/job-1.png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	seedJob(t, store, &domain.Job{
		ID: "job-1", OwnerID: "owner-1", Tier: domain.TierFree, Kind: domain.JobKindImage,
		State:  domain.JobStateCompleted,
		Result: &domain.JobResult{ArtifactRef: key, Cost: 0.04, Quality: 0.9},
	})
	app := &App{Jobs: store, Quota: allowAll(), Files: files, Logger: zerolog.Nop()}

	rec := httptest.NewRecorder()
	testRouter(app, "owner-1", "free").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/generations/job-1/artifacts/archive", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("content type = %q, want application/zip", ct)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("archive body is empty")
	}
}

func TestArtifactArchiveRejectsUnfinishedJob(t *testing.T) {
	store := memory.NewStore()
	seedJob(t, store, &domain.Job{ID: "job-1", OwnerID: "owner-1", Tier: domain.TierFree, Kind: domain.JobKindImage, State: domain.JobStateQueued})
	app := &App{Jobs: store, Quota: allowAll(), Logger: zerolog.Nop()}

	rec := httptest.NewRecorder()
	testRouter(app, "owner-1", "free").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/generations/job-1/artifacts/archive", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	app := &App{Jobs: memory.NewStore(), Quota: allowAll(), Logger: zerolog.Nop()}
	router := testRouter(app, "", "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/generations", validBody()))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scenefit/internal/domain"
	"scenefit/internal/notify"
	"scenefit/internal/policy"
	"scenefit/internal/providers"
	"scenefit/internal/store/memory"
)

type stubAdapter struct {
	mu       sync.Mutex
	calls    int
	generate func(ctx context.Context, req providers.Request) (*providers.Outcome, error)
	poll     func(externalRef string) (*providers.PollUpdate, error)
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Generate(ctx context.Context, req providers.Request) (*providers.Outcome, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.generate(ctx, req)
}

func (a *stubAdapter) PollStatus(_ context.Context, externalRef string) (*providers.PollUpdate, error) {
	return a.poll(externalRef)
}

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) states() []domain.JobState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.JobState, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.State)
	}
	return out
}

type recordingCosts struct {
	mu    sync.Mutex
	total float64
}

func (c *recordingCosts) RecordCost(_ context.Context, _ string, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += cost
}

func testConfig() Config {
	return Config{
		ImageWorkers:    1,
		VideoWorkers:    1,
		ClaimInterval:   5 * time.Millisecond,
		Lease:           time.Minute,
		PollInterval:    10 * time.Millisecond,
		PollCeiling:     time.Minute,
		JanitorInterval: 10 * time.Millisecond,
		Retry:           policy.Config{MaxAttempts: 3, UnchangedRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}
}

func queuedJob(id string, kind domain.JobKind) *domain.Job {
	return &domain.Job{
		ID:      id,
		OwnerID: "owner-1",
		Tier:    domain.TierPro,
		Kind:    kind,
		State:   domain.JobStateQueued,
		Inputs: domain.JobInputs{
			SubjectFaceRef: "faces/1.png",
			SubjectBodyRef: "bodies/1.png",
			TargetSceneRef: "scenes/1.png",
		},
	}
}

func claim(t *testing.T, store *memory.Store, kind domain.JobKind) *domain.Job {
	t.Helper()
	job, err := store.ClaimNext(context.Background(), domain.ClaimOptions{Kind: kind, LeaseFor: time.Minute, MaxAttempt: 3})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return job
}

func TestProcessCompletesImmediateArtifact(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	adapter := &stubAdapter{generate: func(context.Context, providers.Request) (*providers.Outcome, error) {
		return &providers.Outcome{Artifact: &providers.Artifact{Ref: "out/artifact.png", Cost: 0.04, Quality: 0.9}}, nil
	}}
	publisher := &recordingPublisher{}
	costs := &recordingCosts{}
	pool := New(testConfig(), Deps{
		Store:     store,
		Adapters:  map[domain.JobKind]providers.Adapter{domain.JobKindImage: adapter},
		Publisher: publisher,
		Costs:     costs,
		Logger:    zerolog.Nop(),
	})

	if err := store.Create(ctx, queuedJob("job-1", domain.JobKindImage)); err != nil {
		t.Fatalf("create: %v", err)
	}
	pool.process(ctx, claim(t, store, domain.JobKindImage), zerolog.Nop())

	job, err := store.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.State != domain.JobStateCompleted {
		t.Fatalf("state = %s, want completed", job.State)
	}
	if job.Result == nil || job.Result.ArtifactRef != "out/artifact.png" {
		t.Fatalf("result = %+v, want artifact ref out/artifact.png", job.Result)
	}
	if job.Result.Degraded {
		t.Fatalf("a full provider success must not be marked degraded")
	}
	if job.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", job.Attempt)
	}
	if job.Provider != "stub" {
		t.Fatalf("provider = %q, want the dispatching adapter's name", job.Provider)
	}
	if costs.total != 0.04 {
		t.Fatalf("recorded cost = %v, want 0.04", costs.total)
	}

	states := publisher.states()
	if len(states) != 2 || states[0] != domain.JobStateProcessing || states[1] != domain.JobStateCompleted {
		t.Fatalf("published states = %v, want [processing completed]", states)
	}
}

func TestProcessFailsOnNonRetryableError(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	adapter := &stubAdapter{generate: func(context.Context, providers.Request) (*providers.Outcome, error) {
		return nil, providers.NewAuthError("credentials rejected", nil)
	}}
	publisher := &recordingPublisher{}
	pool := New(testConfig(), Deps{
		Store:     store,
		Adapters:  map[domain.JobKind]providers.Adapter{domain.JobKindImage: adapter},
		Publisher: publisher,
		Logger:    zerolog.Nop(),
	})

	if err := store.Create(ctx, queuedJob("job-1", domain.JobKindImage)); err != nil {
		t.Fatalf("create: %v", err)
	}
	pool.process(ctx, claim(t, store, domain.JobKindImage), zerolog.Nop())

	job, _ := store.GetByID(ctx, "job-1")
	if job.State != domain.JobStateFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	if job.Error == nil || job.Error.Code != domain.ErrCodeProviderAuth {
		t.Fatalf("error = %+v, want code %s", job.Error, domain.ErrCodeProviderAuth)
	}
	if adapter.callCount() != 1 {
		t.Fatalf("auth failures must not be retried, got %d calls", adapter.callCount())
	}
	states := publisher.states()
	if states[len(states)-1] != domain.JobStateFailed {
		t.Fatalf("last published state = %s, want failed", states[len(states)-1])
	}
}

func TestReclaimedJobResumesAttemptBudget(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	adapter := &stubAdapter{generate: func(context.Context, providers.Request) (*providers.Outcome, error) {
		return nil, providers.NewTransientError("upstream 503", nil)
	}}
	pool := New(testConfig(), Deps{
		Store:     store,
		Adapters:  map[domain.JobKind]providers.Adapter{domain.JobKindImage: adapter},
		Publisher: notify.NopPublisher{},
		Logger:    zerolog.Nop(),
	})

	if err := store.Create(ctx, queuedJob("job-1", domain.JobKindImage)); err != nil {
		t.Fatalf("create: %v", err)
	}
	job := claim(t, store, domain.JobKindImage)
	// Two attempts already burned by a previous worker before it stalled.
	if err := store.RecordAttempt(ctx, job.ID, 2); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	job.Attempt = 2

	pool.process(ctx, job, zerolog.Nop())

	if adapter.callCount() != 1 {
		t.Fatalf("only one attempt remained, adapter called %d times", adapter.callCount())
	}
	got, _ := store.GetByID(ctx, "job-1")
	if got.State != domain.JobStateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.Attempt != 3 {
		t.Fatalf("attempt = %d, want 3", got.Attempt)
	}
}

func TestPollingJobCompletes(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	var polls int
	var pollMu sync.Mutex
	adapter := &stubAdapter{
		generate: func(context.Context, providers.Request) (*providers.Outcome, error) {
			return &providers.Outcome{Accepted: true, ExternalRef: "task-42"}, nil
		},
		poll: func(ref string) (*providers.PollUpdate, error) {
			if ref != "task-42" {
				t.Errorf("poll ref = %s, want task-42", ref)
			}
			pollMu.Lock()
			defer pollMu.Unlock()
			polls++
			if polls < 3 {
				return &providers.PollUpdate{State: providers.PollStateWaiting}, nil
			}
			return &providers.PollUpdate{State: providers.PollStateSuccess, ArtifactRef: "videos/task-42.mp4"}, nil
		},
	}
	publisher := &recordingPublisher{}
	pool := New(testConfig(), Deps{
		Store:     store,
		Adapters:  map[domain.JobKind]providers.Adapter{domain.JobKindVideo: adapter},
		Publisher: publisher,
		Logger:    zerolog.Nop(),
	})

	if err := store.Create(ctx, queuedJob("job-1", domain.JobKindVideo)); err != nil {
		t.Fatalf("create: %v", err)
	}
	pool.process(ctx, claim(t, store, domain.JobKindVideo), zerolog.Nop())

	job, _ := store.GetByID(ctx, "job-1")
	if job.State != domain.JobStateCompleted {
		t.Fatalf("state = %s, want completed", job.State)
	}
	if job.ExternalRef != "task-42" {
		t.Fatalf("external ref = %q, want task-42", job.ExternalRef)
	}
	if job.Result == nil || job.Result.ArtifactRef != "videos/task-42.mp4" {
		t.Fatalf("result = %+v, want polled artifact ref", job.Result)
	}
	if job.Result.Cost != domain.KindCost(domain.JobKindVideo) {
		t.Fatalf("cost = %v, want kind cost", job.Result.Cost)
	}
}

func TestPollingFailureSurfacesProviderMessage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	adapter := &stubAdapter{
		generate: func(context.Context, providers.Request) (*providers.Outcome, error) {
			return &providers.Outcome{Accepted: true, ExternalRef: "task-7"}, nil
		},
		poll: func(string) (*providers.PollUpdate, error) {
			return &providers.PollUpdate{State: providers.PollStateFail, ErrorMessage: "model unavailable"}, nil
		},
	}
	pool := New(testConfig(), Deps{
		Store:     store,
		Adapters:  map[domain.JobKind]providers.Adapter{domain.JobKindVideo: adapter},
		Publisher: notify.NopPublisher{},
		Logger:    zerolog.Nop(),
	})

	if err := store.Create(ctx, queuedJob("job-1", domain.JobKindVideo)); err != nil {
		t.Fatalf("create: %v", err)
	}
	pool.process(ctx, claim(t, store, domain.JobKindVideo), zerolog.Nop())

	job, _ := store.GetByID(ctx, "job-1")
	if job.State != domain.JobStateFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	if job.Error == nil || job.Error.Message != "model unavailable" {
		t.Fatalf("error = %+v, want the provider failure message", job.Error)
	}
	if job.Attempt != 1 {
		t.Fatalf("attempt = %d, want exactly 1", job.Attempt)
	}
}

func TestPollingCeilingFailsWithTimeout(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	adapter := &stubAdapter{
		generate: func(context.Context, providers.Request) (*providers.Outcome, error) {
			return &providers.Outcome{Accepted: true, ExternalRef: "task-9"}, nil
		},
		poll: func(string) (*providers.PollUpdate, error) {
			return &providers.PollUpdate{State: providers.PollStateWaiting}, nil
		},
	}
	cfg := testConfig()
	cfg.PollCeiling = 25 * time.Millisecond
	pool := New(cfg, Deps{
		Store:     store,
		Adapters:  map[domain.JobKind]providers.Adapter{domain.JobKindVideo: adapter},
		Publisher: notify.NopPublisher{},
		Logger:    zerolog.Nop(),
	})

	if err := store.Create(ctx, queuedJob("job-1", domain.JobKindVideo)); err != nil {
		t.Fatalf("create: %v", err)
	}
	pool.process(ctx, claim(t, store, domain.JobKindVideo), zerolog.Nop())

	job, _ := store.GetByID(ctx, "job-1")
	if job.State != domain.JobStateFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	if job.Error == nil || job.Error.Code != domain.ErrCodePollTimeout {
		t.Fatalf("error = %+v, want code %s", job.Error, domain.ErrCodePollTimeout)
	}
}

func TestLateResultDiscardedAfterCancel(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	adapter := &stubAdapter{generate: func(context.Context, providers.Request) (*providers.Outcome, error) {
		// The owner cancels while the provider call is still in flight.
		if _, err := store.Cancel(ctx, "job-1", "owner-1"); err != nil {
			t.Errorf("cancel: %v", err)
		}
		return &providers.Outcome{Artifact: &providers.Artifact{Ref: "out/late.png", Cost: 0.04}}, nil
	}}
	publisher := &recordingPublisher{}
	costs := &recordingCosts{}
	pool := New(testConfig(), Deps{
		Store:     store,
		Adapters:  map[domain.JobKind]providers.Adapter{domain.JobKindImage: adapter},
		Publisher: publisher,
		Costs:     costs,
		Logger:    zerolog.Nop(),
	})

	if err := store.Create(ctx, queuedJob("job-1", domain.JobKindImage)); err != nil {
		t.Fatalf("create: %v", err)
	}
	pool.process(ctx, claim(t, store, domain.JobKindImage), zerolog.Nop())

	job, _ := store.GetByID(ctx, "job-1")
	if job.State != domain.JobStateCancelled {
		t.Fatalf("state = %s, want cancelled", job.State)
	}
	if job.Result != nil {
		t.Fatalf("late result must be discarded, got %+v", job.Result)
	}
	if costs.total != 0 {
		t.Fatalf("no cost may accrue for a discarded result, got %v", costs.total)
	}
	for _, state := range publisher.states() {
		if state == domain.JobStateCompleted {
			t.Fatalf("a completed event must not be published for a cancelled job")
		}
	}
}

func TestCancelledJobNeverReachesAnAdapter(t *testing.T) {
	store := memory.NewStore()
	adapter := &stubAdapter{generate: func(context.Context, providers.Request) (*providers.Outcome, error) {
		return &providers.Outcome{Artifact: &providers.Artifact{Ref: "out.png"}}, nil
	}}
	pool := New(testConfig(), Deps{
		Store:     store,
		Adapters: map[domain.JobKind]providers.Adapter{
			domain.JobKindImage: adapter,
			domain.JobKindVideo: adapter,
		},
		Publisher: notify.NopPublisher{},
		Logger:    zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := store.Create(ctx, queuedJob("job-1", domain.JobKindImage)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Cancel(ctx, "job-1", "owner-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_ = pool.Run(ctx)

	if adapter.callCount() != 0 {
		t.Fatalf("cancelled job reached the adapter %d times", adapter.callCount())
	}
	job, _ := store.GetByID(context.Background(), "job-1")
	if job.State != domain.JobStateCancelled {
		t.Fatalf("state = %s, want cancelled", job.State)
	}
}

func TestJanitorFailsExhaustedStalledJobs(t *testing.T) {
	store := memory.NewStore()
	base := time.Now()
	store.SetClock(func() time.Time { return base })

	ctx := context.Background()
	if err := store.Create(ctx, queuedJob("job-1", domain.JobKindImage)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ClaimNext(ctx, domain.ClaimOptions{Kind: domain.JobKindImage, LeaseFor: time.Minute, MaxAttempt: 3}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.RecordAttempt(ctx, "job-1", 3); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	// Lease expired, worker gone.
	store.SetClock(func() time.Time { return base.Add(2 * time.Minute) })

	publisher := &recordingPublisher{}
	pool := New(testConfig(), Deps{
		Store:     store,
		Adapters:  map[domain.JobKind]providers.Adapter{},
		Publisher: publisher,
		Logger:    zerolog.Nop(),
	})

	runCtx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = pool.Run(runCtx)

	job, _ := store.GetByID(ctx, "job-1")
	if job.State != domain.JobStateFailed {
		t.Fatalf("state = %s, want failed", job.State)
	}
	if job.Error == nil || job.Error.Code != domain.ErrCodeStalled {
		t.Fatalf("error = %+v, want code %s", job.Error, domain.ErrCodeStalled)
	}
	found := false
	for _, state := range publisher.states() {
		if state == domain.JobStateFailed {
			found = true
		}
	}
	if !found {
		t.Fatalf("janitor must publish the failed transition")
	}
}

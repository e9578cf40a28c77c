// Package queue runs the worker pool that drains the job store: claiming by
// tier priority, invoking provider adapters through the retry policy, polling
// accepted remote tasks, and writing terminal states back through conditional
// updates.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scenefit/internal/domain"
	"scenefit/internal/metrics"
	"scenefit/internal/notify"
	"scenefit/internal/policy"
	"scenefit/internal/providers"
	"scenefit/internal/storage"
)

// Config sizes the pool and bounds how long a job may stay in flight.
type Config struct {
	// ImageWorkers and VideoWorkers are fixed per-kind slot counts. Image
	// slots outnumber video slots because image jobs are short and plentiful.
	ImageWorkers int
	VideoWorkers int
	// ClaimInterval is the idle sleep between claim attempts when the queue
	// has nothing eligible.
	ClaimInterval time.Duration
	// Lease is how long a claim stays exclusive without a heartbeat.
	Lease time.Duration
	// PollInterval is the cadence for checking accepted remote tasks.
	PollInterval time.Duration
	// PollCeiling is the wall-clock limit for a remote task; past it the job
	// fails with a timeout code.
	PollCeiling time.Duration
	// JanitorInterval is how often stalled, retry-exhausted jobs are swept.
	JanitorInterval time.Duration
	Retry           policy.Config
}

func (c Config) withDefaults() Config {
	if c.ImageWorkers <= 0 {
		c.ImageWorkers = 4
	}
	if c.VideoWorkers <= 0 {
		c.VideoWorkers = 1
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 2 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PollCeiling <= 0 {
		c.PollCeiling = 10 * time.Minute
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 30 * time.Second
	}
	return c
}

// CostRecorder accrues the spend of completed jobs against the owner's daily
// cost counter. Accrual is best-effort; implementations log their own failures.
type CostRecorder interface {
	RecordCost(ctx context.Context, ownerID string, cost float64)
}

// Deps are the collaborators a pool needs. Files, Costs, Usage and Metrics
// are optional.
type Deps struct {
	Store     domain.JobRepository
	Adapters  map[domain.JobKind]providers.Adapter
	Publisher notify.Publisher
	Files     *storage.FileStore
	Costs     CostRecorder
	Usage     domain.UsageRepository
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Pool owns the worker goroutines for both job kinds plus the janitor.
type Pool struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	wg   sync.WaitGroup
}

// New builds a pool. Run must be called to start it.
func New(cfg Config, deps Deps) *Pool {
	if deps.Publisher == nil {
		deps.Publisher = notify.NopPublisher{}
	}
	return &Pool{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  deps.Logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Run starts all worker slots and the janitor, then blocks until the context
// is cancelled and every slot has drained.
func (p *Pool) Run(ctx context.Context) error {
	for i := 0; i < p.cfg.ImageWorkers; i++ {
		p.spawn(ctx, domain.JobKindImage, i)
	}
	for i := 0; i < p.cfg.VideoWorkers; i++ {
		p.spawn(ctx, domain.JobKindVideo, i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.janitorLoop(ctx)
	}()

	p.log.Info().
		Int("image_workers", p.cfg.ImageWorkers).
		Int("video_workers", p.cfg.VideoWorkers).
		Msg("worker pool started")

	<-ctx.Done()
	p.wg.Wait()
	p.log.Info().Msg("worker pool stopped")
	return ctx.Err()
}

func (p *Pool) spawn(ctx context.Context, kind domain.JobKind, slot int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log := p.log.With().Str("kind", string(kind)).Int("slot", slot).Logger()
		for {
			job, err := p.deps.Store.ClaimNext(ctx, domain.ClaimOptions{
				Kind:       kind,
				LeaseFor:   p.cfg.Lease,
				MaxAttempt: p.retryConfig().MaxAttempts,
			})
			switch {
			case err == nil:
				p.process(ctx, job, log)
			case errors.Is(err, domain.ErrNoJobAvailable):
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.cfg.ClaimInterval):
				}
			case ctx.Err() != nil:
				return
			default:
				log.Error().Err(err).Msg("claim failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.cfg.ClaimInterval):
				}
			}
		}
	}()
}

func (p *Pool) retryConfig() policy.Config {
	cfg := p.cfg.Retry
	if cfg.MaxAttempts <= 0 {
		cfg = policy.DefaultConfig()
	}
	return cfg
}

// process drives one claimed job to a terminal state. The heartbeat goroutine
// keeps the lease fresh and cancels jobCtx the moment the job leaves the
// processing state, which aborts both in-flight provider calls and polling.
func (p *Pool) process(ctx context.Context, job *domain.Job, log zerolog.Logger) {
	started := time.Now()
	log = log.With().Str("job_id", job.ID).Logger()
	log.Info().Str("owner_id", job.OwnerID).Int("attempt", job.Attempt).Msg("job claimed")

	p.publish(ctx, notify.Event{
		Type:    notify.EventTypeGenerationUpdate,
		OwnerID: job.OwnerID,
		JobID:   job.ID,
		State:   domain.JobStateProcessing,
	})

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		p.heartbeat(jobCtx, cancel, job.ID)
	}()
	defer func() { cancel(); <-heartbeatDone }()

	adapter, ok := p.deps.Adapters[job.Kind]
	if !ok {
		p.failJob(ctx, job, domain.JobError{
			Code:    domain.ErrCodeTransient,
			Message: "no provider configured for this job kind",
		}, started, log)
		return
	}

	job.Provider = adapter.Name()
	if err := p.deps.Store.SetProvider(ctx, job.ID, adapter.Name()); err != nil {
		log.Warn().Err(err).Msg("persist provider failed")
	}

	retryCfg := p.retryConfig()
	prior := job.Attempt
	if remaining := retryCfg.MaxAttempts - prior; remaining < retryCfg.MaxAttempts {
		// A reclaimed job resumes its attempt budget, not a fresh one.
		retryCfg.MaxAttempts = remaining
	}
	invoker := policy.NewInvoker(retryCfg, p.log)

	req := providers.Request{
		JobID:       job.ID,
		Kind:        job.Kind,
		Inputs:      job.Inputs,
		Instruction: providers.BuildInstruction(job.Inputs),
	}

	result, err := invoker.Run(jobCtx, adapter, req, job.Tier, func(attempt int) {
		if recErr := p.deps.Store.RecordAttempt(ctx, job.ID, prior+attempt); recErr != nil {
			log.Warn().Err(recErr).Msg("record attempt failed")
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-job: leave it processing so another worker reclaims
			// it once the lease runs out.
			return
		}
		if jobCtx.Err() != nil {
			// The heartbeat noticed the job left processing; someone else owns
			// its terminal state now.
			log.Info().Msg("job no longer processing, abandoning work")
			return
		}
		p.failJob(ctx, job, jobErrorFrom(err), started, log)
		return
	}

	if result.Outcome.Accepted {
		if refErr := p.deps.Store.SetExternalRef(ctx, job.ID, result.Outcome.ExternalRef); refErr != nil {
			log.Warn().Err(refErr).Msg("persist external ref failed")
		}
		p.pollRemote(jobCtx, ctx, job, adapter, result.Outcome.ExternalRef, started, log)
		return
	}

	p.completeJob(ctx, job, result.Outcome.Artifact, result.Degraded, started, log)
}

// heartbeat extends the lease on a cadence well inside the lease window. A
// state conflict means the job was cancelled or finished elsewhere; cancelling
// the job context aborts the worker's in-flight work.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, jobID string) {
	interval := p.cfg.Lease / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.deps.Store.ExtendLease(ctx, jobID, p.cfg.Lease); err != nil {
				if errors.Is(err, domain.ErrStateConflict) || errors.Is(err, domain.ErrNotFound) {
					cancel()
					return
				}
				p.log.Warn().Err(err).Str("job_id", jobID).Msg("lease heartbeat failed")
			}
		}
	}
}

// pollRemote watches an accepted remote task until it finishes, fails, or the
// wall-clock ceiling is hit. jobCtx dies when the job leaves processing;
// baseCtx stays alive so the terminal write can still go through.
func (p *Pool) pollRemote(jobCtx, baseCtx context.Context, job *domain.Job, adapter providers.Adapter, externalRef string, started time.Time, log zerolog.Logger) {
	poller, ok := adapter.(providers.Poller)
	if !ok {
		p.failJob(baseCtx, job, domain.JobError{
			Code:    domain.ErrCodeTransient,
			Message: "provider accepted the task but cannot be polled",
		}, started, log)
		return
	}

	deadline := time.Now().Add(p.cfg.PollCeiling)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-jobCtx.Done():
			if baseCtx.Err() == nil {
				log.Info().Str("external_ref", externalRef).Msg("job no longer processing, polling abandoned")
			}
			return
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			p.failJob(baseCtx, job, domain.JobError{
				Code:    domain.ErrCodePollTimeout,
				Message: "generation did not finish within the allowed time",
			}, started, log)
			return
		}

		update, err := poller.PollStatus(jobCtx, externalRef)
		if err != nil {
			perr := providers.Classify(err)
			if perr.Retryable() {
				log.Warn().Err(err).Str("external_ref", externalRef).Msg("poll attempt failed, will retry")
				continue
			}
			p.failJob(baseCtx, job, jobErrorFrom(perr), started, log)
			return
		}

		switch update.State {
		case providers.PollStateWaiting:
			continue
		case providers.PollStateSuccess:
			p.completeJob(baseCtx, job, &providers.Artifact{
				Ref:     update.ArtifactRef,
				Cost:    domain.KindCost(job.Kind),
				Quality: polledQuality,
			}, false, started, log)
			return
		case providers.PollStateFail:
			p.failJob(baseCtx, job, domain.JobError{
				Code:    domain.ErrCodeTransient,
				Message: update.ErrorMessage,
			}, started, log)
			return
		}
	}
}

// polledQuality is assigned to artifacts from polling providers, which do not
// report a score of their own.
const polledQuality = 0.85

func (p *Pool) completeJob(ctx context.Context, job *domain.Job, artifact *providers.Artifact, degraded bool, started time.Time, log zerolog.Logger) {
	ref := artifact.Ref
	if len(artifact.Data) > 0 && p.deps.Files != nil {
		key := fmt.Sprintf("generated/%ss/%s.%s", job.Kind, job.ID, extForFormat(artifact.Format))
		stored, err := p.deps.Files.Write(ctx, key, artifact.Data)
		if err != nil {
			log.Warn().Err(err).Msg("artifact persistence failed, keeping provider ref")
		} else {
			ref = stored
		}
	}

	elapsed := time.Since(started)
	result := domain.JobResult{
		ArtifactRef: ref,
		DurationMS:  elapsed.Milliseconds(),
		Cost:        artifact.Cost,
		Quality:     artifact.Quality,
		Degraded:    degraded,
	}
	if artifact.DurationMS > 0 {
		result.DurationMS = artifact.DurationMS
	}

	if err := p.deps.Store.Complete(ctx, job.ID, result); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			log.Info().Msg("late result discarded, job already terminal")
			return
		}
		log.Error().Err(err).Msg("complete failed")
		return
	}

	if result.Cost > 0 && p.deps.Costs != nil {
		p.deps.Costs.RecordCost(ctx, job.OwnerID, result.Cost)
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.JobsCompleted.WithLabelValues(string(job.Kind)).Inc()
		p.deps.Metrics.ProcessingSeconds.WithLabelValues(string(job.Kind)).Observe(elapsed.Seconds())
		if degraded {
			p.deps.Metrics.JobsDegraded.Inc()
		}
	}
	p.recordUsage(ctx, job, "generation_completed", true, elapsed)
	p.publish(ctx, notify.Event{
		Type:        notify.EventTypeGenerationUpdate,
		OwnerID:     job.OwnerID,
		JobID:       job.ID,
		State:       domain.JobStateCompleted,
		ArtifactRef: result.ArtifactRef,
		Degraded:    degraded,
	})
	log.Info().Str("artifact_ref", result.ArtifactRef).Bool("degraded", degraded).Dur("took", elapsed).Msg("job completed")
}

func (p *Pool) failJob(ctx context.Context, job *domain.Job, jobErr domain.JobError, started time.Time, log zerolog.Logger) {
	if err := p.deps.Store.Fail(ctx, job.ID, jobErr); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			log.Info().Str("code", jobErr.Code).Msg("late failure discarded, job already terminal")
			return
		}
		log.Error().Err(err).Msg("fail transition failed")
		return
	}

	elapsed := time.Since(started)
	if p.deps.Metrics != nil {
		p.deps.Metrics.JobsFailed.WithLabelValues(string(job.Kind), jobErr.Code).Inc()
		p.deps.Metrics.ProcessingSeconds.WithLabelValues(string(job.Kind)).Observe(elapsed.Seconds())
	}
	p.recordUsage(ctx, job, "generation_failed", false, elapsed)
	p.publish(ctx, notify.Event{
		Type:      notify.EventTypeGenerationUpdate,
		OwnerID:   job.OwnerID,
		JobID:     job.ID,
		State:     domain.JobStateFailed,
		ErrorCode: jobErr.Code,
	})
	log.Warn().Str("code", jobErr.Code).Str("message", jobErr.Message).Msg("job failed")
}

// janitorLoop terminally fails stalled jobs whose retry budget is spent. Jobs
// with budget left are not touched here; the claim path picks them back up
// once their lease expires.
func (p *Pool) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := p.deps.Store.FailExhausted(ctx, p.retryConfig().MaxAttempts)
			if err != nil {
				p.log.Warn().Err(err).Msg("janitor sweep failed")
				continue
			}
			for _, id := range ids {
				p.log.Warn().Str("job_id", id).Msg("stalled job failed by janitor")
				job, err := p.deps.Store.GetByID(ctx, id)
				if err != nil {
					continue
				}
				if p.deps.Metrics != nil {
					p.deps.Metrics.JobsFailed.WithLabelValues(string(job.Kind), domain.ErrCodeStalled).Inc()
				}
				p.publish(ctx, notify.EventFromJob(job))
			}
		}
	}
}

func (p *Pool) recordUsage(ctx context.Context, job *domain.Job, eventType string, success bool, elapsed time.Duration) {
	if p.deps.Usage == nil {
		return
	}
	event := domain.UsageEvent{
		OwnerID:   job.OwnerID,
		JobID:     job.ID,
		EventType: eventType,
		Kind:      job.Kind,
		Success:   success,
		LatencyMS: elapsed.Milliseconds(),
	}
	if err := p.deps.Usage.InsertEvent(ctx, event); err != nil {
		p.log.Warn().Err(err).Str("job_id", job.ID).Msg("usage event insert failed")
	}
}

func (p *Pool) publish(ctx context.Context, event notify.Event) {
	if err := p.deps.Publisher.Publish(ctx, event); err != nil {
		p.log.Warn().Err(err).Str("job_id", event.JobID).Msg("notify publish failed")
	}
}

// jobErrorFrom maps a provider error onto a stable code and a client-safe
// message. Raw provider text never reaches the job record.
func jobErrorFrom(err error) domain.JobError {
	perr := providers.Classify(err)
	switch perr.Kind {
	case providers.ErrorAuth:
		return domain.JobError{Code: domain.ErrCodeProviderAuth, Message: "provider rejected our credentials"}
	case providers.ErrorInvalidInput:
		return domain.JobError{Code: domain.ErrCodeInvalidInput, Message: "provider rejected the submitted inputs"}
	case providers.ErrorTimeout:
		return domain.JobError{Code: domain.ErrCodePollTimeout, Message: "generation did not finish within the allowed time"}
	case providers.ErrorUnchanged:
		return domain.JobError{Code: domain.ErrCodeUnchangedOutput, Message: "generation produced no visible change"}
	default:
		return domain.JobError{Code: domain.ErrCodeTransient, Message: "provider was unavailable after retries"}
	}
}

func extForFormat(format string) string {
	switch format {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "video/mp4":
		return "mp4"
	default:
		return "bin"
	}
}

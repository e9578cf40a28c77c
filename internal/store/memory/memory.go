// Package memory provides an in-process JobRepository with the same
// conditional-update semantics as the PostgreSQL store. It backs tests and
// local development without a database.
package memory

import (
	"context"
	"sync"
	"time"

	"scenefit/internal/domain"
)

// Store is a mutex-guarded in-memory job repository.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]*domain.Job), now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func copyJob(j *domain.Job) *domain.Job {
	out := *j
	if j.Result != nil {
		result := *j.Result
		out.Result = &result
	}
	if j.Error != nil {
		jobErr := *j.Error
		out.Error = &jobErr
	}
	return &out
}

// Create inserts a new job record in the queued state.
func (s *Store) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return domain.ErrDuplicateJob
	}
	stored := copyJob(job)
	if stored.State == "" {
		stored.State = domain.JobStateQueued
	}
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.jobs[job.ID] = stored
	return nil
}

// GetByID fetches a job by its identifier.
func (s *Store) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyJob(job), nil
}

// GetForOwner fetches a job scoped to its owner.
func (s *Store) GetForOwner(_ context.Context, jobID, ownerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return copyJob(job), nil
}

// ClaimNext atomically claims the best eligible job: queued, or processing
// with an expired lease. Higher tier rank first, then FIFO by creation time.
func (s *Store) ClaimNext(_ context.Context, opts domain.ClaimOptions) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var best *domain.Job
	for _, job := range s.jobs {
		if job.Kind != opts.Kind {
			continue
		}
		if opts.MaxAttempt > 0 && job.Attempt >= opts.MaxAttempt {
			continue
		}
		eligible := job.State == domain.JobStateQueued ||
			(job.State == domain.JobStateProcessing && job.LeaseExpiresAt.Before(now))
		if !eligible {
			continue
		}
		if best == nil || claimLess(job, best) {
			best = job
		}
	}
	if best == nil {
		return nil, domain.ErrNoJobAvailable
	}

	best.State = domain.JobStateProcessing
	best.LeaseExpiresAt = now.Add(opts.LeaseFor)
	best.UpdatedAt = now
	return copyJob(best), nil
}

// claimLess reports whether a should be dequeued before b.
func claimLess(a, b *domain.Job) bool {
	if a.Tier.Rank() != b.Tier.Rank() {
		return a.Tier.Rank() > b.Tier.Rank()
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ExtendLease refreshes the liveness lease of a processing job.
func (s *Store) ExtendLease(_ context.Context, jobID string, leaseFor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.State != domain.JobStateProcessing {
		return domain.ErrStateConflict
	}
	now := s.now()
	job.LeaseExpiresAt = now.Add(leaseFor)
	job.UpdatedAt = now
	return nil
}

// RecordAttempt persists the adapter invocation count.
func (s *Store) RecordAttempt(_ context.Context, jobID string, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.State.Terminal() {
		return domain.ErrStateConflict
	}
	job.Attempt = attempt
	job.UpdatedAt = s.now()
	return nil
}

// SetProvider stamps the adapter a job was dispatched to.
func (s *Store) SetProvider(_ context.Context, jobID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.State != domain.JobStateProcessing {
		return domain.ErrStateConflict
	}
	job.Provider = provider
	job.UpdatedAt = s.now()
	return nil
}

// SetExternalRef records the remote task handle acknowledged by a polling
// provider.
func (s *Store) SetExternalRef(_ context.Context, jobID, externalRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.State != domain.JobStateProcessing {
		return domain.ErrStateConflict
	}
	job.ExternalRef = externalRef
	job.UpdatedAt = s.now()
	return nil
}

// Complete moves processing -> completed.
func (s *Store) Complete(_ context.Context, jobID string, result domain.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.State != domain.JobStateProcessing {
		return domain.ErrStateConflict
	}
	job.State = domain.JobStateCompleted
	job.Result = &result
	job.Error = nil
	job.LeaseExpiresAt = time.Time{}
	job.UpdatedAt = s.now()
	return nil
}

// Fail moves processing -> failed.
func (s *Store) Fail(_ context.Context, jobID string, jobErr domain.JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.State != domain.JobStateProcessing {
		return domain.ErrStateConflict
	}
	job.State = domain.JobStateFailed
	job.Error = &jobErr
	job.Result = nil
	job.LeaseExpiresAt = time.Time{}
	job.UpdatedAt = s.now()
	return nil
}

// Cancel moves queued or processing -> cancelled on behalf of the owner.
func (s *Store) Cancel(_ context.Context, jobID, ownerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	if !job.Active() {
		return nil, domain.ErrNotCancellable
	}
	job.State = domain.JobStateCancelled
	job.LeaseExpiresAt = time.Time{}
	job.UpdatedAt = s.now()
	return copyJob(job), nil
}

// FailExhausted terminally fails stalled processing jobs that ran out of
// attempts.
func (s *Store) FailExhausted(_ context.Context, maxAttempt int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var failed []string
	for _, job := range s.jobs {
		if job.State != domain.JobStateProcessing {
			continue
		}
		if job.LeaseExpiresAt.After(now) || job.Attempt < maxAttempt {
			continue
		}
		job.State = domain.JobStateFailed
		job.Error = &domain.JobError{Code: domain.ErrCodeStalled, Message: "processing stalled and the retry ceiling was reached"}
		job.LeaseExpiresAt = time.Time{}
		job.UpdatedAt = now
		failed = append(failed, job.ID)
	}
	return failed, nil
}

var _ domain.JobRepository = (*Store)(nil)

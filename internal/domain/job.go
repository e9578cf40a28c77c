package domain

import "time"

// JobKind enumerates the artifact categories a generation job can produce.
type JobKind string

const (
	JobKindImage JobKind = "image"
	JobKindVideo JobKind = "video"
)

// Valid reports whether the kind is one of the supported categories.
func (k JobKind) Valid() bool {
	return k == JobKindImage || k == JobKindVideo
}

// JobState enumerates job lifecycle states.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateCancelled  JobState = "cancelled"
)

// Terminal reports whether no further transition is permitted from the state.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from s to next.
func (s JobState) CanTransitionTo(next JobState) bool {
	switch s {
	case JobStateQueued:
		return next == JobStateProcessing || next == JobStateCancelled
	case JobStateProcessing:
		return next == JobStateCompleted || next == JobStateFailed || next == JobStateCancelled
	}
	return false
}

// JobInputs is the immutable snapshot of the source material captured at
// submission time. Refs are either URLs or storage keys.
type JobInputs struct {
	SubjectFaceRef string `json:"subject_face_ref"`
	SubjectBodyRef string `json:"subject_body_ref"`
	TargetSceneRef string `json:"target_scene_ref"`
	Style          string `json:"style"`
	Instruction    string `json:"instruction,omitempty"`
}

// JobResult is populated exactly once, when a job reaches the completed state.
// Degraded marks a fallback substitute so it is never mistaken for a
// full-quality success downstream.
type JobResult struct {
	ArtifactRef string  `json:"artifact_ref"`
	DurationMS  int64   `json:"duration_ms"`
	Cost        float64 `json:"cost"`
	Quality     float64 `json:"quality"`
	Degraded    bool    `json:"degraded,omitempty"`
}

// JobError is populated exactly once, when a job reaches the failed state.
// Code is a stable machine-readable identifier; Message must be safe to show
// to the client and never carries raw provider internals.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is the authoritative record of one generation request. Mutation happens
// only through conditional state updates keyed on the expected current state.
type Job struct {
	ID             string
	OwnerID        string
	Tier           Tier
	Kind           JobKind
	Inputs         JobInputs
	Provider       string
	ExternalRef    string
	State          JobState
	Attempt        int
	Result         *JobResult
	Error          *JobError
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LeaseExpiresAt time.Time
}

// Active reports whether the job may still be cancelled by its owner.
func (j *Job) Active() bool {
	return j.State == JobStateQueued || j.State == JobStateProcessing
}

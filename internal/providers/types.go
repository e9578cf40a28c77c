package providers

import (
	"context"

	"scenefit/internal/domain"
)

// Request is the normalized payload passed to any generation adapter.
// Instruction is the active instruction variant; the retry policy may swap it
// for a stricter one between attempts.
type Request struct {
	JobID       string
	Kind        domain.JobKind
	Inputs      domain.JobInputs
	Instruction string
}

// Artifact is a finished generation result returned by a synchronous call or
// a successful poll.
type Artifact struct {
	Ref        string
	Data       []byte
	Format     string
	DurationMS int64
	Cost       float64
	Quality    float64
}

// Outcome is the discriminated result of Generate: either an immediate
// artifact, or an accepted remote task identified by ExternalRef that must be
// polled until terminal.
type Outcome struct {
	Accepted    bool
	ExternalRef string
	Artifact    *Artifact
}

// PollState enumerates the remote task states reported by polling providers.
type PollState string

const (
	PollStateWaiting PollState = "waiting"
	PollStateSuccess PollState = "success"
	PollStateFail    PollState = "fail"
)

// PollUpdate is one observation of a remote task's status.
type PollUpdate struct {
	State        PollState
	ArtifactRef  string
	ErrorMessage string
}

// Adapter is the contract implemented by all generation providers.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Outcome, error)
}

// Poller is implemented by adapters whose Generate returns an accepted remote
// task. The caller owns the polling cadence and ceiling.
type Poller interface {
	PollStatus(ctx context.Context, externalRef string) (*PollUpdate, error)
}

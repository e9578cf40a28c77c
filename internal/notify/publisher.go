// Package notify pushes job-state transitions to subscribed clients. Delivery
// is best-effort and at-least-once: push is a latency optimization, never the
// source of truth. Clients re-fetch job status after a reconnect.
package notify

import (
	"context"

	"scenefit/internal/domain"
)

// EventTypeGenerationUpdate is the only message type on the realtime channel.
const EventTypeGenerationUpdate = "generation_update"

// Event is one job-state transition pushed to the owner's live connections.
type Event struct {
	Type        string          `json:"type"`
	OwnerID     string          `json:"owner_id"`
	JobID       string          `json:"job_id"`
	State       domain.JobState `json:"state"`
	ArtifactRef string          `json:"artifact_ref,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Degraded    bool            `json:"degraded,omitempty"`
}

// EventFromJob snapshots the notification payload for a job's current state.
func EventFromJob(job *domain.Job) Event {
	event := Event{
		Type:    EventTypeGenerationUpdate,
		OwnerID: job.OwnerID,
		JobID:   job.ID,
		State:   job.State,
	}
	if job.Result != nil {
		event.ArtifactRef = job.Result.ArtifactRef
		event.Degraded = job.Result.Degraded
	}
	if job.Error != nil {
		event.ErrorCode = job.Error.Code
	}
	return event
}

// Publisher delivers events toward the owner's subscribed connections.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops all events. Used when no realtime backend is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

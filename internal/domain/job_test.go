package domain

import "testing"

func TestStateTransitions(t *testing.T) {
	allowed := []struct {
		from, to JobState
	}{
		{JobStateQueued, JobStateProcessing},
		{JobStateQueued, JobStateCancelled},
		{JobStateProcessing, JobStateCompleted},
		{JobStateProcessing, JobStateFailed},
		{JobStateProcessing, JobStateCancelled},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct {
		from, to JobState
	}{
		{JobStateQueued, JobStateCompleted},
		{JobStateQueued, JobStateFailed},
		{JobStateProcessing, JobStateQueued},
		{JobStateCompleted, JobStateProcessing},
		{JobStateCompleted, JobStateFailed},
		{JobStateFailed, JobStateQueued},
		{JobStateCancelled, JobStateProcessing},
		{JobStateCancelled, JobStateCompleted},
	}
	for _, tc := range denied {
		if tc.from.CanTransitionTo(tc.to) {
			t.Fatalf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []JobState{JobStateCompleted, JobStateFailed, JobStateCancelled} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	for _, s := range []JobState{JobStateQueued, JobStateProcessing} {
		if s.Terminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}

func TestNormalizeTier(t *testing.T) {
	if tier, ok := NormalizeTier(" Pro "); !ok || tier != TierPro {
		t.Fatalf("NormalizeTier(Pro) = %q, %v", tier, ok)
	}
	if _, ok := NormalizeTier("enterprise"); ok {
		t.Fatalf("expected unknown tier to be rejected")
	}
}

func TestTierCeilingsAndPriority(t *testing.T) {
	if got := TierFree.DailyCeiling(JobKindImage); got != 10 {
		t.Fatalf("free image ceiling = %d, want 10", got)
	}
	if got := TierFree.DailyCeiling(JobKindVideo); got != 2 {
		t.Fatalf("free video ceiling = %d, want 2", got)
	}
	if TierPro.Rank() <= TierFree.Rank() {
		t.Fatalf("pro should outrank free")
	}
	if !TierFree.AllowsDegradedFallback() {
		t.Fatalf("free tier should allow degraded fallback")
	}
	if TierPro.AllowsDegradedFallback() {
		t.Fatalf("pro tier should not allow degraded fallback")
	}
}

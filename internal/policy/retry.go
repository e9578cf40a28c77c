package policy

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"scenefit/internal/domain"
	"scenefit/internal/providers"
)

// Config bounds the retry behavior around adapter invocations.
type Config struct {
	// MaxAttempts is the total number of Generate invocations per job.
	MaxAttempts int
	// UnchangedRetries is how many stricter-instruction retries are granted
	// when the provider silently returns the target scene unchanged. An
	// identical retry would reproduce the identical no-op, so these attempts
	// escalate the instruction instead.
	UnchangedRetries int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

// DefaultConfig mirrors the production ceilings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		UnchangedRetries: 1,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.UnchangedRetries < 0 {
		c.UnchangedRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	return c
}

// Result reports what the policy produced and how hard it had to work.
type Result struct {
	Outcome  *providers.Outcome
	Attempts int
	// Degraded marks a fallback substitute; the artifact is the unmodified
	// subject image, zero cost, and must stay distinguishable downstream.
	Degraded bool
}

// Invoker wraps every adapter invocation with bounded retries, stricter
// instruction variants for silent no-ops, and an optional degraded fallback.
type Invoker struct {
	cfg    Config
	logger zerolog.Logger
}

// NewInvoker builds a policy invoker.
func NewInvoker(cfg Config, logger zerolog.Logger) *Invoker {
	return &Invoker{cfg: cfg.withDefaults(), logger: logger.With().Str("component", "retry_policy").Logger()}
}

// Run invokes the adapter until it succeeds, a non-retryable error occurs, or
// the attempt ceiling is exhausted. onAttempt is called with the attempt
// number before each invocation so the caller can persist it. When attempts
// run out on a retryable failure and the tier allows it, a degraded fallback
// result is returned instead of the error.
func (p *Invoker) Run(ctx context.Context, adapter providers.Adapter, req providers.Request, tier domain.Tier, onAttempt func(int)) (*Result, error) {
	base := req.Instruction
	strictLevel := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialBackoff
	bo.MaxInterval = p.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	var lastErr *providers.Error
	attempts := 0
	for attempts < p.cfg.MaxAttempts {
		attempts++
		if onAttempt != nil {
			onAttempt(attempts)
		}
		req.Instruction = providers.StricterInstruction(base, strictLevel)

		outcome, err := adapter.Generate(ctx, req)
		if err == nil {
			return &Result{Outcome: outcome, Attempts: attempts}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = providers.Classify(err)
		if !lastErr.Retryable() {
			p.logger.Warn().Str("job_id", req.JobID).Str("code", lastErr.Code()).Msg("non-retryable provider error")
			return nil, lastErr
		}
		if lastErr.Kind == providers.ErrorUnchanged {
			if strictLevel >= p.cfg.UnchangedRetries {
				// Escalation budget spent; a further identical escalation
				// is not going to help.
				break
			}
			strictLevel++
			p.logger.Info().Str("job_id", req.JobID).Int("strict_level", strictLevel).Msg("output unchanged, retrying with stricter instruction")
			continue
		}

		if attempts >= p.cfg.MaxAttempts {
			break
		}
		wait := bo.NextBackOff()
		p.logger.Info().Str("job_id", req.JobID).Int("attempt", attempts).Dur("backoff", wait).Msg("transient provider error, backing off")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if tier.AllowsDegradedFallback() {
		p.logger.Warn().Str("job_id", req.JobID).Int("attempts", attempts).Msg("attempts exhausted, serving degraded fallback")
		return &Result{
			Outcome: &providers.Outcome{Artifact: &providers.Artifact{
				Ref:     req.Inputs.SubjectBodyRef,
				Format:  "image/png",
				Cost:    0,
				Quality: 0,
			}},
			Attempts: attempts,
			Degraded: true,
		}, nil
	}
	return nil, lastErr
}

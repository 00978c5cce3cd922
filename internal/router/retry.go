package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/florejun0824/srcslmsstable-sub009/internal/quota"
	"github.com/florejun0824/srcslmsstable-sub009/internal/types"
)

const (
	DefaultMaxRetries  = 5
	DefaultBaseBackoff = time.Second
)

// Phase is a state of the retry state machine.
type Phase int

const (
	PhaseAttempting Phase = iota
	PhaseRetrying
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseAttempting:
		return "attempting"
	case PhaseRetrying:
		return "retrying"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Attempt describes one provider call within a retry sequence. Backoff is
// how long the controller waits if this attempt fails with a retryable kind.
type Attempt struct {
	Candidate        string
	Number           int
	RetriesRemaining int
	Backoff          time.Duration
}

// Transition is reported to the OnTransition hook on every phase change.
type Transition struct {
	Attempt Attempt
	Phase   Phase
	Err     error
}

// QuotaGate is the part of quota.Tracker the controller needs.
type QuotaGate interface {
	CheckAndReserve(ctx context.Context) (*quota.Reservation, error)
	Release(ctx context.Context, res *quota.Reservation) error
}

// Recorder receives routing metrics. telemetry.Metrics implements it.
type Recorder interface {
	RecordAttempt(candidate, outcome string)
	RecordRetry(candidate, kind string)
	RecordFallback(candidate string)
	RecordStreamChunk(provider string)
}

// RetryPolicy bounds the retries of a single candidate.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
}

// schedule returns the doubling backoff sequence without jitter.
func (p RetryPolicy) schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetryController runs one candidate's attempts. Every attempt reserves a
// unit of quota first and gives it back unless the attempt succeeds.
type RetryController struct {
	policy       RetryPolicy
	gate         QuotaGate
	wait         func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger
	metrics      Recorder
	onTransition func(Transition)
}

func NewRetryController(policy RetryPolicy, gate QuotaGate) *RetryController {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseBackoff < 0 {
		policy.BaseBackoff = 0
	}
	return &RetryController{
		policy: policy,
		gate:   gate,
		wait:   sleepContext,
		logger: slog.Default(),
	}
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (rc *RetryController) transition(att Attempt, phase Phase, err error) {
	if rc.onTransition != nil {
		rc.onTransition(Transition{Attempt: att, Phase: phase, Err: err})
	}
}

func (rc *RetryController) recordAttempt(candidate, outcome string) {
	if rc.metrics != nil {
		rc.metrics.RecordAttempt(candidate, outcome)
	}
}

// execute drives op through the retry state machine. On success the
// reservation is returned to the caller, who owns it from then on.
func execute[T any](ctx context.Context, rc *RetryController, candidate string, op func(context.Context, Attempt) (T, error)) (T, *quota.Reservation, error) {
	var zero T
	schedule := rc.policy.schedule()
	att := Attempt{
		Candidate:        candidate,
		Number:           1,
		RetriesRemaining: rc.policy.MaxRetries,
		Backoff:          schedule.NextBackOff(),
	}

	for {
		rc.transition(att, PhaseAttempting, nil)
		if err := ctx.Err(); err != nil {
			rc.transition(att, PhaseFailed, err)
			return zero, nil, err
		}

		res, err := rc.gate.CheckAndReserve(ctx)
		if err != nil {
			rc.recordAttempt(candidate, "quota_denied")
			rc.transition(att, PhaseFailed, err)
			return zero, nil, err
		}

		out, err := op(ctx, att)
		if err == nil {
			rc.recordAttempt(candidate, "success")
			rc.transition(att, PhaseSucceeded, nil)
			return out, res, nil
		}

		if rerr := rc.gate.Release(ctx, res); rerr != nil {
			rc.recordAttempt(candidate, "release_failed")
			rc.logger.Error("quota reservation leaked after failed attempt",
				"candidate", candidate,
				"attempt", att.Number,
				"error", rerr,
			)
		}
		kind := types.KindOf(err)
		rc.recordAttempt(candidate, kind.String())

		if ctxErr := ctx.Err(); ctxErr != nil {
			rc.transition(att, PhaseFailed, ctxErr)
			return zero, nil, ctxErr
		}
		if !types.IsRetryable(err) || att.RetriesRemaining == 0 {
			rc.transition(att, PhaseFailed, err)
			return zero, nil, err
		}

		rc.transition(att, PhaseRetrying, err)
		if rc.metrics != nil {
			rc.metrics.RecordRetry(candidate, kind.String())
		}
		rc.logger.Info("retrying provider call",
			"candidate", candidate,
			"attempt", att.Number,
			"kind", kind.String(),
			"backoff", att.Backoff.String(),
			"retries_remaining", att.RetriesRemaining,
		)
		if werr := rc.wait(ctx, att.Backoff); werr != nil {
			rc.transition(att, PhaseFailed, werr)
			return zero, nil, werr
		}

		att.Number++
		att.RetriesRemaining--
		att.Backoff = schedule.NextBackOff()
	}
}

package engine

import (
	"context"
	"time"

	"github.com/orpheon-systems/node/plan"
)

// StepRunner performs the side effects a single plan step represents. The
// reference engine only ever simulates steps by sleeping for their
// estimated duration; DefaultStepRunner preserves that behavior exactly,
// while callers that wire in real action execution supply their own
// StepRunner via WithStepRunner.
type StepRunner interface {
	Run(ctx context.Context, step plan.Step) error
}

// DefaultStepRunner simulates a step by sleeping for its estimated
// duration (or 50ms, whichever is longer) and succeeding, unless ctx is
// cancelled first, in which case it returns ctx.Err().
type DefaultStepRunner struct{}

func (DefaultStepRunner) Run(ctx context.Context, step plan.Step) error {
	duration := time.Duration(step.EstimatedDurationMs) * time.Millisecond
	if duration < 50*time.Millisecond {
		duration = 50 * time.Millisecond
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

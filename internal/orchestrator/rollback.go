package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const rollbackTimeout = 10 * time.Second

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// rollback collects compensating actions while a job is being created. run executes them newest
// first, so a refund registered after the job row always precedes the row's deletion.
type rollback struct {
	steps []compensation
}

func (r *rollback) add(name string, fn func(ctx context.Context) error) {
	r.steps = append(r.steps, compensation{name: name, fn: fn})
}

// run executes every step even if earlier ones fail. It detaches from the caller's cancellation so
// a disconnecting client cannot leave money deducted for a job that does not exist.
func (r *rollback) run(ctx context.Context, logger *zap.Logger, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		if err := step.fn(ctx); err != nil {
			logger.Error("compensation failed",
				zap.String("step", step.name),
				zap.NamedError("cause", cause),
				zap.Error(err),
			)
		}
	}
	r.steps = nil
}

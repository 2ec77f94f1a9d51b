package tools

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// retrySchedule is the fixed backoff between attempts. Two retries on top
// of the initial attempt keeps a flaky provider from failing a whole step
// without letting one call stall the dispatcher for long.
var retrySchedule = []time.Duration{500 * time.Millisecond, 2 * time.Second}

// RetryingInvoker wraps an Invoker with retry on transient tool failures.
// Validation and fatal errors pass through on the first attempt.
type RetryingInvoker struct {
	next   Invoker
	logger *zap.SugaredLogger
	sleep  func(context.Context, time.Duration) error
}

// WithRetries decorates an invoker with the standard retry schedule.
func WithRetries(next Invoker, logger *zap.SugaredLogger) *RetryingInvoker {
	return &RetryingInvoker{next: next, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RetryingInvoker) Invoke(ctx context.Context, call Call) (*Result, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		res, err := r.next.Invoke(ctx, call)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !Retryable(err) || attempt >= len(retrySchedule) {
			return nil, lastErr
		}
		delay := retrySchedule[attempt]
		r.logger.Warnw("Retrying tool call",
			"tool", call.Tool,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if serr := r.sleep(ctx, delay); serr != nil {
			return nil, lastErr
		}
	}
}

package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/metrics"
)

const DefaultMaxAttempts = 3

// Executor runs a single side effecting step with retry and backoff.
// Transient errors are retried up to the attempt cap and then surface as
// ACTIVITY_FAILED. Retry-cancelled errors surface on first occurrence.
type Executor struct {
	maxAttempts int
	strategy    RetryStrategy
	logger      command.Logger
	metrics     metrics.Recorder
	tracer      trace.Tracer
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		maxAttempts: DefaultMaxAttempts,
		strategy:    DefaultBackoff,
		logger:      command.NewFmtLogger(nil),
		metrics:     metrics.Nop{},
		tracer:      otel.Tracer("github.com/goliatone/go-controlplane/runner"),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.maxAttempts < 1 {
		e.maxAttempts = 1
	}
	return e
}

// Execute calls fn until it succeeds, returns a retry-cancelled error or the
// attempt cap is reached.
func (e *Executor) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "activity "+name, trace.WithAttributes(
		attribute.String("activity.name", name),
		attribute.Int("activity.max_attempts", e.maxAttempts),
	))
	defer span.End()

	start := time.Now()
	var err error
	attempt := 0
	for ; attempt < e.maxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
			break
		}

		err = e.call(ctx, name, fn)
		if err == nil {
			e.metrics.ActivityAttempt(name, "success")
			break
		}

		span.AddEvent("attempt failed", trace.WithAttributes(
			attribute.Int("activity.attempt", attempt+1),
			attribute.String("error", err.Error()),
		))

		decision := DecideRetry(e.strategy, attempt, err)
		if !decision.ShouldRetry {
			e.metrics.ActivityAttempt(name, "retry_cancelled")
			e.logger.Warn("activity %s retry cancelled on attempt %d: %v", name, attempt+1, err)
			break
		}
		e.metrics.ActivityAttempt(name, "transient")

		if attempt+1 >= e.maxAttempts {
			break
		}

		e.logger.Debug("activity %s attempt %d of %d failed, retrying in %s: %v",
			name, attempt+1, e.maxAttempts, decision.Delay, err)

		if serr := e.sleep(ctx, decision.Delay); serr != nil {
			err = serr
			break
		}
	}

	switch {
	case err == nil:
		e.metrics.ActivityCompleted(name, "success", time.Since(start))
		span.SetStatus(codes.Ok, "")
		return nil
	case command.IsRetryCancelled(err):
		e.metrics.ActivityCompleted(name, "retry_cancelled", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "retry cancelled")
		return err
	default:
		e.metrics.ActivityCompleted(name, "failed", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempts exhausted")
		return errors.Wrap(err, errors.CategoryHandler,
			fmt.Sprintf("activity %s failed after %d attempts", name, e.maxAttempts)).
			WithTextCode(command.ErrCodeActivityFailed).
			WithMetadata(map[string]any{
				"activity": name,
				"attempts": e.maxAttempts,
			})
	}
}

func (e *Executor) call(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer command.MakePanicHandler(command.CapturePanic(&err, nil))("activity " + name)
	return fn(ctx)
}

// Run is the typed form of Execute.
func Run[O any](ctx context.Context, e *Executor, name string, fn func(context.Context) (O, error)) (O, error) {
	var out O
	err := e.Execute(ctx, name, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

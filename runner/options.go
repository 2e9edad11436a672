package runner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/metrics"
)

type Option func(*Executor)

// WithMaxAttempts sets the total number of calls, first one included.
func WithMaxAttempts(max int) Option {
	return func(e *Executor) {
		e.maxAttempts = max
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(e *Executor) {
		if s != nil {
			e.strategy = s
		}
	}
}

func WithLogger(l command.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(e *Executor) {
		e.metrics = metrics.OrNop(m)
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithSleep replaces the backoff wait, tests use it to record delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

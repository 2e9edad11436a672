package runner

import (
	"math"
	"time"

	"github.com/goliatone/go-controlplane/command"
)

// RetryStrategy encapsulates the delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecider lets a strategy veto a retry outright.
type RetryDecider interface {
	Decide(attempt int, err error) RetryDecision
}

type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// DecideRetry asks strategy whether attempt should be followed by another.
// Retry-cancelled errors never retry, whatever the strategy says.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if err != nil && command.IsRetryCancelled(err) {
		return RetryDecision{ShouldRetry: false, Metadata: map[string]any{"retry_cancelled": true}}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.Decide(attempt, err)
	}
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	return RetryDecision{ShouldRetry: true, Delay: strategy.SleepDuration(attempt, err)}
}

// NoDelayStrategy performs all retries immediately.
type NoDelayStrategy struct{}

func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy implements a capped exponential backoff.
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   time.Second,
//	    Factor: 2,
//	    Max:    30 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// DefaultBackoff is the activity policy: 1s, 2s, 4s ... capped at 30s.
var DefaultBackoff = ExponentialBackoffStrategy{
	Base:   time.Second,
	Factor: 2,
	Max:    30 * time.Second,
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(e.Base) * math.Pow(e.Factor, float64(attempt))
	if time.Duration(delay) > e.Max && e.Max > 0 {
		return e.Max
	}
	return time.Duration(delay)
}

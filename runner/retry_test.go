package runner

import (
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-controlplane/command"
)

func TestDecideRetryUsesDeciderWhenAvailable(t *testing.T) {
	strategy := fixedDecisionStrategy{
		decision: RetryDecision{
			ShouldRetry: false,
			Delay:       25 * time.Millisecond,
			Metadata: map[string]any{
				"source": "test",
			},
		},
	}

	decision := DecideRetry(strategy, 1, fmt.Errorf("boom"))
	if decision.ShouldRetry {
		t.Fatal("expected strategy decision to disable retry")
	}
	if decision.Delay != 25*time.Millisecond {
		t.Fatalf("unexpected delay: %s", decision.Delay)
	}
	if decision.Metadata["source"] != "test" {
		t.Fatal("expected metadata propagation")
	}
}

func TestDecideRetryFallsBackToSleepDuration(t *testing.T) {
	strategy := ExponentialBackoffStrategy{
		Base:   10 * time.Millisecond,
		Factor: 2,
		Max:    100 * time.Millisecond,
	}
	decision := DecideRetry(strategy, 2, nil)
	if !decision.ShouldRetry {
		t.Fatal("expected fallback strategy to retry")
	}
	if decision.Delay != 40*time.Millisecond {
		t.Fatalf("unexpected fallback delay: %s", decision.Delay)
	}
}

func TestDecideRetryStopsOnRetryCancel(t *testing.T) {
	decision := DecideRetry(NoDelayStrategy{}, 0, command.RetryCancel(fmt.Errorf("403"), "forbidden"))
	if decision.ShouldRetry {
		t.Fatal("expected retry-cancelled error to stop retries")
	}
}

func TestDefaultBackoffCaps(t *testing.T) {
	cases := map[int]time.Duration{
		0: time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
		4: 16 * time.Second,
		5: 30 * time.Second,
		9: 30 * time.Second,
	}
	for attempt, want := range cases {
		if got := DefaultBackoff.SleepDuration(attempt, nil); got != want {
			t.Errorf("attempt %d: want %s, got %s", attempt, want, got)
		}
	}
}

type fixedDecisionStrategy struct {
	decision RetryDecision
}

func (f fixedDecisionStrategy) SleepDuration(int, error) time.Duration {
	return f.decision.Delay
}

func (f fixedDecisionStrategy) Decide(int, error) RetryDecision {
	return f.decision
}

package orchestration

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/lock"
	"github.com/goliatone/go-controlplane/runner"
	"github.com/goliatone/go-controlplane/store"
)

type fixture struct {
	store  InstanceStore
	locks  *lock.Manager
	clock  Clock
	engine *Engine
}

func newFixture(t *testing.T, clock Clock) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemoryInstanceStore(),
		locks: lock.NewManager(lock.NewMemoryBackend(), lock.WithLogger(command.NopLogger{}), lock.WithPollInterval(time.Millisecond)),
		clock: clock,
	}
	f.engine = f.newEngine()
	t.Cleanup(func() { _ = f.engine.Shutdown(context.Background()) })
	return f
}

func (f *fixture) newEngine() *Engine {
	opts := []Option{
		WithLockManager(f.locks),
		WithLogger(command.NopLogger{}),
		WithExecutor(runner.NewExecutor(
			runner.WithRetryStrategy(runner.NoDelayStrategy{}),
			runner.WithLogger(command.NopLogger{}),
		)),
	}
	if f.clock != nil {
		opts = append(opts, WithClock(f.clock))
	}
	return NewEngine(f.store, opts...)
}

func waitDone(t *testing.T, e *Engine, id string) *Instance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := e.WaitForCompletion(ctx, id)
	require.NoError(t, err)
	return inst
}

func waitHistory(t *testing.T, e *Engine, id string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst, err := e.Status(context.Background(), id)
		return err == nil && len(inst.History) >= n
	}, 5*time.Second, time.Millisecond)
}

func TestEngineCompletesWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.RegisterActivity("greet", Activity(func(_ context.Context, name string) (string, error) {
		return "hello " + name, nil
	}))
	f.engine.RegisterWorkflow("hello", Workflow(func(ctx *Context, name string) (string, error) {
		return Call[string](ctx, "greet", name)
	}))

	var seen []command.RuntimeStatus
	f.engine.AddStatusHook(func(_ context.Context, inst *Instance) { seen = append(seen, inst.Status) })

	require.NoError(t, f.engine.Start(context.Background(), "i1", "hello", "world"))
	inst := waitDone(t, f.engine, "i1")

	assert.Equal(t, command.RuntimeStatusCompleted, inst.Status)
	assert.JSONEq(t, `"hello world"`, string(inst.Output))
	assert.Equal(t, []command.RuntimeStatus{command.RuntimeStatusRunning, command.RuntimeStatusCompleted}, seen)

	require.NoError(t, f.engine.Start(context.Background(), "i1", "hello", "again"), "start is idempotent")
	again, err := f.engine.Status(context.Background(), "i1")
	require.NoError(t, err)
	assert.JSONEq(t, `"hello world"`, string(again.Output))
}

func TestEngineUnknownWorkflow(t *testing.T) {
	f := newFixture(t, nil)
	err := f.engine.Start(context.Background(), "i1", "missing", nil)
	assert.True(t, command.HasCode(err, command.ErrCodeHandlerNotRegistered))
}

func TestEngineReplaysRecordedActivitiesAfterRestart(t *testing.T) {
	f := newFixture(t, nil)
	var calls int32
	register := func(e *Engine) {
		e.RegisterActivity("count", Activity(func(context.Context, struct{}) (int32, error) {
			return atomic.AddInt32(&calls, 1), nil
		}))
		e.RegisterWorkflow("resumable", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
			n, err := Call[int32](ctx, "count", nil)
			if err != nil {
				return nil, err
			}
			if _, err := ctx.WaitForExternalEvent("go", 0); err != nil {
				return nil, err
			}
			return json.Marshal(n)
		})
	}
	register(f.engine)

	require.NoError(t, f.engine.Start(context.Background(), "i1", "resumable", nil))
	waitHistory(t, f.engine, "i1", 2)
	require.NoError(t, f.engine.Shutdown(context.Background()))

	persisted, err := f.store.GetInstance(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, command.RuntimeStatusRunning, persisted.Status)

	restarted := f.newEngine()
	t.Cleanup(func() { _ = restarted.Shutdown(context.Background()) })
	register(restarted)
	n, err := restarted.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, restarted.RaiseEvent(context.Background(), "i1", "go", nil))
	inst := waitDone(t, restarted, "i1")

	assert.Equal(t, command.RuntimeStatusCompleted, inst.Status)
	assert.JSONEq(t, `1`, string(inst.Output))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "recorded activity must not run again")
}

func TestEngineEventRaisedBeforeWait(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	f.engine.RegisterActivity("block", Activity(func(context.Context, struct{}) (struct{}, error) {
		<-release
		return struct{}{}, nil
	}))
	f.engine.RegisterWorkflow("late", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := ctx.CallActivity("block", nil, nil); err != nil {
			return nil, err
		}
		return ctx.WaitForExternalEvent("ready", time.Minute)
	})

	require.NoError(t, f.engine.Start(context.Background(), "i1", "late", nil))
	require.NoError(t, f.engine.RaiseEvent(context.Background(), "i1", "ready", map[string]string{"ok": "yes"}))
	close(release)

	inst := waitDone(t, f.engine, "i1")
	assert.Equal(t, command.RuntimeStatusCompleted, inst.Status)
	assert.JSONEq(t, `{"ok":"yes"}`, string(inst.Output))
	assert.Empty(t, inst.Inbox)
}

func TestEngineEventTimeout(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f := newFixture(t, clock)
	f.engine.RegisterWorkflow("wait", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		return ctx.WaitForExternalEvent("never", 30*time.Minute)
	})

	require.NoError(t, f.engine.Start(context.Background(), "i1", "wait", nil))
	require.True(t, clock.BlockUntil(1, 5*time.Second))
	clock.Advance(30 * time.Minute)

	inst := waitDone(t, f.engine, "i1")
	assert.Equal(t, command.RuntimeStatusFailed, inst.Status)
	require.NotNil(t, inst.Failure)
	assert.Equal(t, command.ErrCodeEventTimeout, inst.Failure.Code)
}

func TestEngineTimerUsesClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, NewAutoClock(start))
	f.engine.RegisterWorkflow("sleepy", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := ctx.CreateTimer(time.Hour); err != nil {
			return nil, err
		}
		return json.Marshal(ctx.CurrentUTC())
	})

	require.NoError(t, f.engine.Start(context.Background(), "i1", "sleepy", nil))
	inst := waitDone(t, f.engine, "i1")
	require.Equal(t, command.RuntimeStatusCompleted, inst.Status)

	var at time.Time
	require.NoError(t, json.Unmarshal(inst.Output, &at))
	assert.Equal(t, start.Add(time.Hour), at)
}

type counterInput struct {
	N       int    `json:"n"`
	Payload string `json:"payload"`
}

func TestEngineContinueAsNewKeepsPayload(t *testing.T) {
	f := newFixture(t, NewAutoClock(time.Now()))
	var ids []string
	f.engine.RegisterWorkflow("loop", Workflow(func(ctx *Context, in counterInput) (counterInput, error) {
		ids = append(ids, ctx.NewGUID())
		if in.N < 3 {
			return counterInput{}, ctx.ContinueAsNew(counterInput{N: in.N + 1, Payload: in.Payload}, time.Second)
		}
		return in, nil
	}))

	var statuses []command.RuntimeStatus
	f.engine.AddStatusHook(func(_ context.Context, inst *Instance) { statuses = append(statuses, inst.Status) })

	require.NoError(t, f.engine.Start(context.Background(), "i1", "loop", counterInput{Payload: "keep-me"}))
	inst := waitDone(t, f.engine, "i1")

	require.Equal(t, command.RuntimeStatusCompleted, inst.Status)
	assert.Equal(t, 3, inst.Generation)
	assert.JSONEq(t, `{"n":3,"payload":"keep-me"}`, string(inst.Output))
	assert.Contains(t, statuses, command.RuntimeStatusContinuedAsNew)
	assert.Len(t, ids, 4)
	assert.NotEqual(t, ids[0], ids[1], "each generation draws fresh identifiers")
}

func TestEngineTerminateReleasesLocks(t *testing.T) {
	f := newFixture(t, nil)
	key := lock.Key{Type: "component", ID: "c1"}
	f.engine.RegisterWorkflow("holder", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		if _, err := ctx.Lock(key); err != nil {
			return nil, err
		}
		return ctx.WaitForExternalEvent("never", 0)
	})

	require.NoError(t, f.engine.Start(context.Background(), "i1", "holder", nil))
	waitHistory(t, f.engine, "i1", 2)

	locked, err := f.locks.IsLockedBy(context.Background(), "i1", key)
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, f.engine.Terminate(context.Background(), "i1", "user cancelled"))
	inst := waitDone(t, f.engine, "i1")
	assert.Equal(t, command.RuntimeStatusTerminated, inst.Status)
	assert.Equal(t, command.ErrCodeTerminated, inst.Failure.Code)

	locked, err = f.locks.IsLockedBy(context.Background(), "i1", key)
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Empty(t, f.locks.Held("i1"))

	assert.NoError(t, f.engine.Terminate(context.Background(), "i1", "again"))
}

func TestEngineReleasedLockIsNotReacquiredOnReplay(t *testing.T) {
	f := newFixture(t, nil)
	key := lock.Key{Type: "project", ID: "p1"}
	register := func(e *Engine) {
		e.RegisterWorkflow("scoped", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
			h, err := ctx.Lock(key)
			if err != nil {
				return nil, err
			}
			if err := h.Release(); err != nil {
				return nil, err
			}
			return ctx.WaitForExternalEvent("go", 0)
		})
	}
	register(f.engine)

	require.NoError(t, f.engine.Start(context.Background(), "i1", "scoped", nil))
	waitHistory(t, f.engine, "i1", 3)
	require.NoError(t, f.engine.Shutdown(context.Background()))

	other, err := f.locks.Acquire(context.Background(), "someone-else", key)
	require.NoError(t, err)
	defer other.Release(context.Background())

	restarted := f.newEngine()
	t.Cleanup(func() { _ = restarted.Shutdown(context.Background()) })
	register(restarted)
	_, err = restarted.Resume(context.Background())
	require.NoError(t, err)
	require.NoError(t, restarted.RaiseEvent(context.Background(), "i1", "go", "done"))

	inst := waitDone(t, restarted, "i1")
	assert.Equal(t, command.RuntimeStatusCompleted, inst.Status)
}

func TestEngineResumeInSameProcessReleasesReplayedLock(t *testing.T) {
	f := newFixture(t, nil)
	key := lock.Key{Type: "project", ID: "p1"}
	register := func(e *Engine) {
		e.RegisterWorkflow("held", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
			h, err := ctx.Lock(key)
			if err != nil {
				return nil, err
			}
			if _, err := ctx.WaitForExternalEvent("go", 0); err != nil {
				return nil, err
			}
			if err := h.Release(); err != nil {
				return nil, err
			}
			return ctx.WaitForExternalEvent("done", 0)
		})
	}
	register(f.engine)

	require.NoError(t, f.engine.Start(context.Background(), "i1", "held", nil))
	waitHistory(t, f.engine, "i1", 2)
	require.NoError(t, f.engine.Shutdown(context.Background()))

	restarted := f.newEngine()
	t.Cleanup(func() { _ = restarted.Shutdown(context.Background()) })
	register(restarted)
	_, err := restarted.Resume(context.Background())
	require.NoError(t, err)
	require.NoError(t, restarted.RaiseEvent(context.Background(), "i1", "go", nil))
	waitHistory(t, restarted, "i1", 4)

	locked, err := f.locks.IsLockedBy(context.Background(), "i1", key)
	require.NoError(t, err)
	assert.False(t, locked, "the single release frees the key")
	assert.Empty(t, f.locks.Held("i1"))

	require.NoError(t, restarted.RaiseEvent(context.Background(), "i1", "done", nil))
	assert.Equal(t, command.RuntimeStatusCompleted, waitDone(t, restarted, "i1").Status)
}

func TestEngineDetectsNondeterminism(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.RegisterActivity("step", Activity(func(context.Context, struct{}) (struct{}, error) {
		return struct{}{}, nil
	}))
	f.engine.RegisterWorkflow("changed", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, ctx.CallActivity("step", nil, nil)
	})

	now := time.Now().UTC()
	fireAt := now.Add(time.Hour)
	require.NoError(t, f.store.SaveInstance(context.Background(), &Instance{
		ID:      "i1",
		Name:    "changed",
		Status:  command.RuntimeStatusRunning,
		History: []HistoryEvent{{Seq: 0, Kind: EventTimer, FireAt: &fireAt}},
		Created: now,
		Updated: now,
	}))

	_, err := f.engine.Resume(context.Background())
	require.NoError(t, err)
	inst := waitDone(t, f.engine, "i1")
	assert.Equal(t, command.RuntimeStatusFailed, inst.Status)
	assert.Equal(t, command.ErrCodeNondeterminism, inst.Failure.Code)
}

func TestEngineRetryCancelledActivityFailsOnce(t *testing.T) {
	f := newFixture(t, nil)
	var calls int32
	f.engine.RegisterActivity("reject", Activity(func(context.Context, struct{}) (struct{}, error) {
		atomic.AddInt32(&calls, 1)
		return struct{}{}, command.RetryCancel(nil, "bad input")
	}))
	f.engine.RegisterWorkflow("rejecting", func(ctx *Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, ctx.CallActivity("reject", nil, nil)
	})

	require.NoError(t, f.engine.Start(context.Background(), "i1", "rejecting", nil))
	inst := waitDone(t, f.engine, "i1")

	assert.Equal(t, command.RuntimeStatusFailed, inst.Status)
	assert.True(t, inst.Failure.RetryCancelled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.Len(t, inst.History, 1)
	assert.NotNil(t, inst.History[0].Failure)
}

func TestEngineRecoversWorkflowPanic(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.RegisterWorkflow("boom", func(*Context, json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	})

	require.NoError(t, f.engine.Start(context.Background(), "i1", "boom", nil))
	inst := waitDone(t, f.engine, "i1")
	assert.Equal(t, command.RuntimeStatusFailed, inst.Status)
	assert.Equal(t, command.ErrCodePanic, inst.Failure.Code)
}

func TestRaiseEventToFinishedInstance(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.RegisterWorkflow("noop", func(*Context, json.RawMessage) (json.RawMessage, error) { return nil, nil })

	require.NoError(t, f.engine.Start(context.Background(), "i1", "noop", nil))
	waitDone(t, f.engine, "i1")

	err := f.engine.RaiseEvent(context.Background(), "i1", "late", nil)
	assert.True(t, command.HasCode(err, command.ErrCodeConflict))

	err = f.engine.RaiseEvent(context.Background(), "missing", "late", nil)
	assert.True(t, command.HasCode(err, command.ErrCodeNotFound))
}

func TestSQLInstanceStore(t *testing.T) {
	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	s := &SQLInstanceStore{DB: db}
	ctx := context.Background()
	now := time.Now().UTC()

	_, err = s.GetInstance(ctx, "i1")
	assert.True(t, IsInstanceNotFound(err))

	inst := &Instance{ID: "i1", Name: "wf", Status: command.RuntimeStatusRunning, Input: json.RawMessage(`{"a":1}`), Created: now, Updated: now}
	require.NoError(t, s.SaveInstance(ctx, inst))
	inst.Status = command.RuntimeStatusCompleted
	require.NoError(t, s.SaveInstance(ctx, inst))
	require.NoError(t, s.SaveInstance(ctx, &Instance{ID: "i2", Name: "wf", Status: command.RuntimeStatusPending, Created: now, Updated: now}))

	got, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, command.RuntimeStatusCompleted, got.Status)
	assert.JSONEq(t, `{"a":1}`, string(got.Input))

	pending, err := s.ListInstances(ctx, command.RuntimeStatusPending, command.RuntimeStatusRunning)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "i2", pending[0].ID)
}

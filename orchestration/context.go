package orchestration

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/lock"
)

// Context is handed to workflow code. Each durable call consumes the next
// history slot; while slots are already recorded the call is replaying and
// returns the recorded outcome.
type Context struct {
	ctx    context.Context
	engine *Engine
	live   *liveInstance
	id     string
	gen    int
	seq    int
	guids  int
	logger command.Logger
}

func newContext(ctx context.Context, e *Engine, l *liveInstance) *Context {
	l.mu.Lock()
	id, gen := l.inst.ID, l.inst.Generation
	l.mu.Unlock()

	c := &Context{
		ctx:    lock.WithOwner(ctx, id),
		engine: e,
		live:   l,
		id:     id,
		gen:    gen,
	}
	c.logger = &replaySafeLogger{c: c, inner: command.WithLoggerFields(e.logger, map[string]any{
		"instance_id": id,
		"generation":  gen,
	})}
	return c
}

func (c *Context) InstanceID() string { return c.id }
func (c *Context) Generation() int    { return c.gen }

// Context returns the cancellation context of the run. It carries the
// instance id as lock owner.
func (c *Context) Context() context.Context { return c.ctx }

// Logger drops records while replaying so each message is written once.
func (c *Context) Logger() command.Logger { return c.logger }

// IsReplaying reports whether the next durable call will be served from
// history.
func (c *Context) IsReplaying() bool {
	c.live.mu.Lock()
	defer c.live.mu.Unlock()
	return c.seq < len(c.live.inst.History)
}

func (c *Context) next(kind EventKind, name string) (int, *HistoryEvent, error) {
	c.live.mu.Lock()
	defer c.live.mu.Unlock()

	seq := c.seq
	c.seq++
	if seq >= len(c.live.inst.History) {
		return seq, nil, nil
	}
	ev := c.live.inst.History[seq]
	if ev.Kind != kind || ev.Name != name {
		return seq, nil, errors.New(
			fmt.Sprintf("history slot %d holds %s %q, workflow asked for %s %q", seq, ev.Kind, ev.Name, kind, name),
			errors.CategoryHandler).
			WithTextCode(command.ErrCodeNondeterminism).
			WithMetadata(map[string]any{"instance_id": c.id, "seq": seq})
	}
	return seq, &ev, nil
}

func (c *Context) record(ev HistoryEvent) error {
	c.live.mu.Lock()
	defer c.live.mu.Unlock()
	ev.Seq = len(c.live.inst.History)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.engine.clock.Now().UTC()
	}
	c.live.inst.History = append(c.live.inst.History, ev)
	c.live.inst.Updated = ev.Timestamp
	return c.engine.store.SaveInstance(context.WithoutCancel(c.ctx), c.live.inst)
}

func (c *Context) update(seq int, mutate func(*HistoryEvent)) error {
	c.live.mu.Lock()
	defer c.live.mu.Unlock()
	mutate(&c.live.inst.History[seq])
	c.live.inst.Updated = c.engine.clock.Now().UTC()
	return c.engine.store.SaveInstance(context.WithoutCancel(c.ctx), c.live.inst)
}

func (c *Context) stopped() error {
	if cause := context.Cause(c.ctx); cause != nil {
		return cause
	}
	return nil
}

// CallActivity runs the named activity through the engine's executor, or
// returns its recorded outcome on replay. The result is decoded into out
// when out is non-nil.
func (c *Context) CallActivity(name string, input any, out any) error {
	_, ev, err := c.next(EventActivity, name)
	if err != nil {
		return err
	}
	if ev != nil {
		if ev.Failure != nil {
			return ev.Failure.Err()
		}
		return decode(ev.Result, out)
	}

	fn, ok := c.engine.activity(name)
	if !ok {
		return notRegistered("activity", name)
	}
	raw, err := marshal(input)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "encode input of "+name)
	}

	var result json.RawMessage
	execErr := c.engine.executor.Execute(c.ctx, name, func(ctx context.Context) error {
		r, err := fn(ctx, raw)
		result = r
		return err
	})
	if stop := c.stopped(); stop != nil {
		// not recorded: a resumed run executes the step again
		return stop
	}

	rec := HistoryEvent{Kind: EventActivity, Name: name, Completed: true}
	if execErr != nil {
		rec.Failure = failureOf(execErr)
	} else {
		rec.Result = result
	}
	if err := c.record(rec); err != nil {
		return err
	}
	if execErr != nil {
		return execErr
	}
	return decode(result, out)
}

// CurrentUTC returns a replay stable timestamp.
func (c *Context) CurrentUTC() time.Time {
	_, ev, err := c.next(EventCurrentTime, "")
	if err != nil {
		c.logger.Error("current time: %v", err)
		return c.engine.clock.Now().UTC()
	}
	if ev != nil {
		return ev.Timestamp
	}
	now := c.engine.clock.Now().UTC()
	if err := c.record(HistoryEvent{Kind: EventCurrentTime, Timestamp: now, Completed: true}); err != nil {
		c.logger.Error("record current time: %v", err)
	}
	return now
}

// NewGUID returns an identifier that is stable across replays of the same
// generation.
func (c *Context) NewGUID() string {
	n := c.guids
	c.guids++
	name := fmt.Sprintf("%s/%d/%d", c.id, c.gen, n)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// CreateTimer blocks until d has elapsed on the engine clock. The fire time
// is recorded, so a resumed run only waits for what remains.
func (c *Context) CreateTimer(d time.Duration) error {
	seq, ev, err := c.next(EventTimer, "")
	if err != nil {
		return err
	}
	var fireAt time.Time
	if ev != nil {
		if ev.Completed {
			return nil
		}
		fireAt = *ev.FireAt
	} else {
		fireAt = c.engine.clock.Now().UTC().Add(d)
		if err := c.record(HistoryEvent{Kind: EventTimer, FireAt: &fireAt}); err != nil {
			return err
		}
	}

	if remaining := fireAt.Sub(c.engine.clock.Now()); remaining > 0 {
		select {
		case <-c.engine.clock.After(remaining):
		case <-c.ctx.Done():
			return c.stopped()
		}
	}
	return c.update(seq, func(ev *HistoryEvent) { ev.Completed = true })
}

// WaitForExternalEvent blocks until an event called name is raised for this
// instance. A non positive timeout waits forever; otherwise the wait fails
// with EVENT_TIMEOUT once timeout elapses.
func (c *Context) WaitForExternalEvent(name string, timeout time.Duration) (json.RawMessage, error) {
	seq, ev, err := c.next(EventExternal, name)
	if err != nil {
		return nil, err
	}
	var deadline time.Time
	if ev != nil {
		if ev.Completed {
			if ev.Failure != nil {
				return nil, ev.Failure.Err()
			}
			return ev.Result, nil
		}
		if ev.FireAt != nil {
			deadline = *ev.FireAt
		}
	} else {
		rec := HistoryEvent{Kind: EventExternal, Name: name}
		if timeout > 0 {
			deadline = c.engine.clock.Now().UTC().Add(timeout)
			rec.FireAt = &deadline
		}
		if err := c.record(rec); err != nil {
			return nil, err
		}
	}

	var timer <-chan time.Time
	if !deadline.IsZero() {
		timer = c.engine.clock.After(deadline.Sub(c.engine.clock.Now()))
	}
	expired := false
	for {
		payload, ok, err := c.takeEvent(seq, name)
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}
		if expired {
			timeoutErr := errors.New(fmt.Sprintf("timed out waiting for event %s", name), errors.CategoryHandler).
				WithTextCode(command.ErrCodeEventTimeout).
				WithMetadata(map[string]any{"instance_id": c.id, "event": name, "timeout": timeout.String()})
			if err := c.update(seq, func(ev *HistoryEvent) {
				ev.Completed = true
				ev.Failure = failureOf(timeoutErr)
			}); err != nil {
				return nil, err
			}
			return nil, timeoutErr
		}
		select {
		case <-c.live.signal:
		case <-timer:
			expired = true
		case <-c.ctx.Done():
			return nil, c.stopped()
		}
	}
}

// takeEvent pops the oldest inbox entry for name and records it in slot seq
// in the same write.
func (c *Context) takeEvent(seq int, name string) (json.RawMessage, bool, error) {
	c.live.mu.Lock()
	defer c.live.mu.Unlock()
	queue := c.live.inst.Inbox[name]
	if len(queue) == 0 {
		return nil, false, nil
	}
	payload := queue[0]
	if len(queue) == 1 {
		delete(c.live.inst.Inbox, name)
	} else {
		c.live.inst.Inbox[name] = queue[1:]
	}
	ev := &c.live.inst.History[seq]
	ev.Completed = true
	ev.Result = payload
	ev.Timestamp = c.engine.clock.Now().UTC()
	c.live.inst.Updated = ev.Timestamp
	if err := c.engine.store.SaveInstance(context.WithoutCancel(c.ctx), c.live.inst); err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// Lock acquires keys on behalf of the instance. Acquisition and release are
// recorded; a replayed scope that was already released is not acquired
// again. Locks still held when the instance continues as new or finishes
// are swept by the engine.
func (c *Context) Lock(keys ...lock.Key) (*LockHandle, error) {
	keys = lock.Sort(keys)
	name := joinKeys(keys)
	seq, ev, err := c.next(EventLockAcquired, name)
	if err != nil {
		return nil, err
	}

	h := &LockHandle{c: c, seq: seq, name: name, keys: keys}
	if ev != nil && c.releasedLater(seq) {
		return h, nil
	}

	scope, err := c.engine.locks.Acquire(c.ctx, c.id, keys...)
	if err != nil {
		if stop := c.stopped(); stop != nil {
			return nil, stop
		}
		return nil, err
	}
	h.scope = scope
	if ev == nil {
		if err := c.record(HistoryEvent{Kind: EventLockAcquired, Name: name, Completed: true}); err != nil {
			_ = scope.Release(context.WithoutCancel(c.ctx))
			return nil, err
		}
	}
	return h, nil
}

func (c *Context) releasedLater(seq int) bool {
	c.live.mu.Lock()
	defer c.live.mu.Unlock()
	for _, ev := range c.live.inst.History[seq+1:] {
		if ev.Kind == EventLockReleased && ev.Ref == seq {
			return true
		}
	}
	return false
}

func joinKeys(keys []lock.Key) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, ",")
}

// LockHandle is a held lock scope inside a workflow.
type LockHandle struct {
	c        *Context
	seq      int
	name     string
	keys     []lock.Key
	scope    *lock.Scope
	released bool
}

func (h *LockHandle) Keys() []lock.Key { return append([]lock.Key(nil), h.keys...) }

// Release frees the scope. Calling it more than once is a no-op.
func (h *LockHandle) Release() error {
	if h == nil || h.released {
		return nil
	}
	h.released = true

	_, ev, err := h.c.next(EventLockReleased, h.name)
	if err != nil {
		if h.scope != nil {
			_ = h.scope.Release(context.WithoutCancel(h.c.ctx))
		}
		return err
	}
	if h.scope != nil {
		if err := h.scope.Release(context.WithoutCancel(h.c.ctx)); err != nil {
			return err
		}
	}
	if ev != nil {
		return nil
	}
	return h.c.record(HistoryEvent{Kind: EventLockReleased, Name: h.name, Ref: h.seq, Completed: true})
}

type continueAsNewError struct {
	input json.RawMessage
	delay time.Duration
}

func (e *continueAsNewError) Error() string {
	return fmt.Sprintf("continue as new after %s", e.delay)
}

// ContinueAsNew returns the error a workflow returns to restart itself with
// a fresh history and the given input once delay has passed. Locks held by
// the instance are released before the restart.
func (c *Context) ContinueAsNew(input any, delay time.Duration) error {
	raw, err := marshal(input)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "encode continue-as-new input")
	}
	return &continueAsNewError{input: raw, delay: delay}
}

// IsContinueAsNew reports whether err asks the engine to continue as new.
func IsContinueAsNew(err error) bool {
	var target *continueAsNewError
	return stderrors.As(err, &target)
}

func decode(raw json.RawMessage, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, errors.CategoryHandler, fmt.Sprintf("decode result into %T", out))
	}
	return nil
}

type replaySafeLogger struct {
	c     *Context
	inner command.Logger
}

func (l *replaySafeLogger) Trace(msg string, args ...any) {
	if !l.c.IsReplaying() {
		l.inner.Trace(msg, args...)
	}
}

func (l *replaySafeLogger) Debug(msg string, args ...any) {
	if !l.c.IsReplaying() {
		l.inner.Debug(msg, args...)
	}
}

func (l *replaySafeLogger) Info(msg string, args ...any) {
	if !l.c.IsReplaying() {
		l.inner.Info(msg, args...)
	}
}

func (l *replaySafeLogger) Warn(msg string, args ...any) {
	if !l.c.IsReplaying() {
		l.inner.Warn(msg, args...)
	}
}

func (l *replaySafeLogger) Error(msg string, args ...any) {
	if !l.c.IsReplaying() {
		l.inner.Error(msg, args...)
	}
}

func (l *replaySafeLogger) Fatal(msg string, args ...any) {
	if !l.c.IsReplaying() {
		l.inner.Fatal(msg, args...)
	}
}

func (l *replaySafeLogger) WithContext(ctx context.Context) command.Logger {
	return &replaySafeLogger{c: l.c, inner: l.inner.WithContext(ctx)}
}

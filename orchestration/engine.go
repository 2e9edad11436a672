package orchestration

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/lock"
	"github.com/goliatone/go-controlplane/metrics"
	"github.com/goliatone/go-controlplane/runner"
)

// WorkflowFunc is the body of a durable workflow. It must be deterministic:
// every side effect, clock read, identifier and wait goes through ctx.
type WorkflowFunc func(ctx *Context, input json.RawMessage) (json.RawMessage, error)

// ActivityFunc performs one side effecting step on behalf of a workflow.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// StatusHook observes every status transition of an instance. It runs on the
// instance goroutine before WaitForCompletion callers are released.
type StatusHook func(ctx context.Context, inst *Instance)

var errShutdown = stderrors.New("orchestration engine shut down")

// Engine runs workflow instances with durable history. An instance that is
// interrupted, by a crash or Shutdown, is resumed by replaying its history:
// recorded steps return their stored outcome instead of running again.
type Engine struct {
	store    InstanceStore
	locks    *lock.Manager
	executor *runner.Executor
	clock    Clock
	logger   command.Logger
	metrics  metrics.Recorder
	hooks    []StatusHook
	slots    chan struct{}

	regMu      sync.RWMutex
	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc

	startMu sync.Mutex

	mu      sync.Mutex
	live    map[string]*liveInstance
	waiters map[string]chan struct{}
	closed  bool
}

type liveInstance struct {
	mu     sync.Mutex
	inst   *Instance
	cancel context.CancelCauseFunc
	signal chan struct{}
	done   chan struct{}
}

type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithExecutor(x *runner.Executor) Option {
	return func(e *Engine) {
		if x != nil {
			e.executor = x
		}
	}
}

func WithLockManager(m *lock.Manager) Option {
	return func(e *Engine) {
		if m != nil {
			e.locks = m
		}
	}
}

func WithLogger(l command.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = metrics.OrNop(r) }
}

// WithMaxConcurrent bounds how many instances execute at once. Instances
// waiting for a scheduled start do not count.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.slots = make(chan struct{}, n)
		}
	}
}

func WithStatusHook(h StatusHook) Option {
	return func(e *Engine) {
		if h != nil {
			e.hooks = append(e.hooks, h)
		}
	}
}

func NewEngine(store InstanceStore, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		clock:      RealClock(),
		logger:     command.NewFmtLogger(nil),
		metrics:    metrics.Nop{},
		slots:      make(chan struct{}, 64),
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]ActivityFunc),
		live:       make(map[string]*liveInstance),
		waiters:    make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.store == nil {
		e.store = NewMemoryInstanceStore()
	}
	if e.locks == nil {
		e.locks = lock.NewManager(lock.NewMemoryBackend(), lock.WithLogger(e.logger))
	}
	if e.executor == nil {
		e.executor = runner.NewExecutor(runner.WithLogger(e.logger), runner.WithMetrics(e.metrics))
	}
	return e
}

func (e *Engine) Clock() Clock               { return e.clock }
func (e *Engine) Locks() *lock.Manager       { return e.locks }
func (e *Engine) Executor() *runner.Executor { return e.executor }

// AddStatusHook registers h for every later status change. It is not safe to
// call while instances are running.
func (e *Engine) AddStatusHook(h StatusHook) {
	if h != nil {
		e.hooks = append(e.hooks, h)
	}
}

func (e *Engine) RegisterWorkflow(name string, fn WorkflowFunc) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.workflows[name] = fn
}

func (e *Engine) RegisterActivity(name string, fn ActivityFunc) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.activities[name] = fn
}

func (e *Engine) workflow(name string) (WorkflowFunc, bool) {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	fn, ok := e.workflows[name]
	return fn, ok
}

func (e *Engine) activity(name string) (ActivityFunc, bool) {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	fn, ok := e.activities[name]
	return fn, ok
}

// Activities lists registered activity names.
func (e *Engine) Activities() []string {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	out := make([]string, 0, len(e.activities))
	for name := range e.activities {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RunActivity runs a registered activity outside any workflow. Retries
// follow the engine's executor; nothing is recorded.
func (e *Engine) RunActivity(ctx context.Context, name string, input, out any) error {
	fn, ok := e.activity(name)
	if !ok {
		return notRegistered("activity", name)
	}
	raw, err := marshal(input)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "encode input of "+name)
	}
	var result json.RawMessage
	err = e.executor.Execute(ctx, name, func(ctx context.Context) error {
		r, err := fn(ctx, raw)
		result = r
		return err
	})
	if err != nil {
		return err
	}
	return decode(result, out)
}

func notRegistered(kind, name string) error {
	return errors.New(kind+" "+name+" is not registered", errors.CategoryHandler).
		WithTextCode(command.ErrCodeHandlerNotRegistered).
		WithMetadata(map[string]any{kind: name})
}

// Start schedules a new instance. Starting an id that already exists is a
// no-op, which makes redelivered start requests safe.
func (e *Engine) Start(ctx context.Context, id, name string, input any) error {
	if id == "" {
		return errors.New("instance id required", errors.CategoryValidation)
	}
	if _, ok := e.workflow(name); !ok {
		return notRegistered("workflow", name)
	}
	raw, err := marshal(input)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "encode workflow input")
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.Wrap(errShutdown, errors.CategoryHandler, "start "+id)
	}
	if _, running := e.live[id]; running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	existing, err := e.store.GetInstance(ctx, id)
	switch {
	case err == nil:
		if existing.Status.IsFinal() {
			e.logger.Debug("instance %s already %s", id, existing.Status)
			return nil
		}
		e.launch(existing)
		return nil
	case !IsInstanceNotFound(err):
		return err
	}

	now := e.clock.Now().UTC()
	inst := &Instance{
		ID:      id,
		Name:    name,
		Input:   raw,
		Status:  command.RuntimeStatusPending,
		Created: now,
		Updated: now,
	}
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return err
	}
	e.metrics.OrchestrationStatus(name, string(inst.Status))
	e.launch(inst)
	return nil
}

// Resume relaunches every persisted instance that has not reached a final
// status. It is called once at startup.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	pending, err := e.store.ListInstances(ctx,
		command.RuntimeStatusPending, command.RuntimeStatusRunning, command.RuntimeStatusContinuedAsNew)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, inst := range pending {
		if _, ok := e.workflow(inst.Name); !ok {
			e.logger.Warn("cannot resume %s: workflow %s not registered", inst.ID, inst.Name)
			continue
		}
		if e.launch(inst) {
			n++
		}
	}
	if n > 0 {
		e.logger.Info("resumed %d orchestration instance(s)", n)
	}
	return n, nil
}

func (e *Engine) launch(inst *Instance) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if _, running := e.live[inst.ID]; running {
		e.mu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancelCause(context.Background())
	l := &liveInstance{
		inst:   inst,
		cancel: cancel,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	e.live[inst.ID] = l
	e.mu.Unlock()

	go e.run(runCtx, l)
	return true
}

// RaiseEvent delivers a named event to an instance. Events arriving before
// the instance waits for them are kept in its inbox.
func (e *Engine) RaiseEvent(ctx context.Context, id, name string, payload any) error {
	raw, err := marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "encode event "+name)
	}

	e.mu.Lock()
	l := e.live[id]
	e.mu.Unlock()

	if l != nil {
		l.mu.Lock()
		if l.inst.Status.IsFinal() {
			status := l.inst.Status
			l.mu.Unlock()
			return finishedConflict(id, name, status)
		}
		pushInbox(l.inst, name, raw)
		l.inst.Updated = e.clock.Now().UTC()
		err := e.store.SaveInstance(ctx, l.inst)
		l.mu.Unlock()
		if err != nil {
			return err
		}
		select {
		case l.signal <- struct{}{}:
		default:
		}
		return nil
	}

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.IsFinal() {
		return finishedConflict(id, name, inst.Status)
	}
	pushInbox(inst, name, raw)
	inst.Updated = e.clock.Now().UTC()
	return e.store.SaveInstance(ctx, inst)
}

func finishedConflict(id, event string, status command.RuntimeStatus) error {
	return errors.New("instance "+id+" is "+string(status), errors.CategoryConflict).
		WithTextCode(command.ErrCodeConflict).
		WithMetadata(map[string]any{"instance_id": id, "event": event})
}

func pushInbox(inst *Instance, name string, raw json.RawMessage) {
	if inst.Inbox == nil {
		inst.Inbox = make(map[string][]json.RawMessage)
	}
	inst.Inbox[name] = append(inst.Inbox[name], raw)
}

// Terminate stops an instance and marks it Terminated. It waits for a running
// instance to unwind. Terminating a finished instance is a no-op.
func (e *Engine) Terminate(ctx context.Context, id, reason string) error {
	e.mu.Lock()
	l := e.live[id]
	e.mu.Unlock()

	if l != nil {
		l.cancel(terminated(id, reason))
		select {
		case <-l.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status.IsFinal() {
		return nil
	}
	inst.Status = command.RuntimeStatusTerminated
	inst.Failure = failureOf(terminated(id, reason))
	inst.Updated = e.clock.Now().UTC()
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return err
	}
	e.releaseLocks(inst.ID)
	e.transitioned(ctx, inst)
	return nil
}

func terminated(id, reason string) error {
	if reason == "" {
		reason = "terminated"
	}
	return errors.New(reason, errors.CategoryHandler).
		WithTextCode(command.ErrCodeTerminated).
		WithMetadata(map[string]any{"instance_id": id})
}

// Status returns a snapshot of the instance.
func (e *Engine) Status(ctx context.Context, id string) (*Instance, error) {
	e.mu.Lock()
	l := e.live[id]
	e.mu.Unlock()
	if l != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.inst.clone(), nil
	}
	return e.store.GetInstance(ctx, id)
}

// WaitForCompletion blocks until the instance reaches a final status.
func (e *Engine) WaitForCompletion(ctx context.Context, id string) (*Instance, error) {
	for {
		ch := e.waitChan(id)
		inst, err := e.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsFinal() {
			return inst, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) waitChan(id string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.waiters[id]
	if !ok {
		ch = make(chan struct{})
		e.waiters[id] = ch
	}
	return ch
}

func (e *Engine) notify(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.waiters[id]; ok {
		close(ch)
		delete(e.waiters, id)
	}
}

// Shutdown stops every running instance without changing its persisted
// status, so a later Resume replays it.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	running := make([]*liveInstance, 0, len(e.live))
	for _, l := range e.live {
		running = append(running, l)
	}
	e.mu.Unlock()

	for _, l := range running {
		l.cancel(errShutdown)
	}
	for _, l := range running {
		select {
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) run(ctx context.Context, l *liveInstance) {
	id := l.inst.ID
	defer func() {
		e.mu.Lock()
		delete(e.live, id)
		e.mu.Unlock()
		close(l.done)
	}()

	persist := context.WithoutCancel(ctx)
	logger := command.WithLoggerFields(e.logger, map[string]any{"instance_id": id})

	for {
		if err := e.waitScheduled(ctx, l); err != nil {
			e.interrupted(persist, l, err)
			return
		}

		select {
		case e.slots <- struct{}{}:
		case <-ctx.Done():
			e.interrupted(persist, l, context.Cause(ctx))
			return
		}

		e.setStatus(persist, l, func(inst *Instance) {
			inst.Status = command.RuntimeStatusRunning
		})

		out, err := e.execute(ctx, l)
		<-e.slots

		if cause := context.Cause(ctx); cause != nil {
			e.interrupted(persist, l, cause)
			return
		}

		var next *continueAsNewError
		if stderrors.As(err, &next) {
			logger.Debug("continuing as new after %s", next.delay)
			e.continueAsNew(persist, l, next)
			continue
		}

		if err != nil {
			logger.Warn("workflow failed: %v", err)
			e.finish(persist, l, command.RuntimeStatusFailed, out, err)
			return
		}
		e.finish(persist, l, command.RuntimeStatusCompleted, out, nil)
		return
	}
}

func (e *Engine) waitScheduled(ctx context.Context, l *liveInstance) error {
	l.mu.Lock()
	at := l.inst.ScheduledAt
	l.mu.Unlock()
	if at == nil {
		return nil
	}
	remaining := at.Sub(e.clock.Now())
	if remaining <= 0 {
		return nil
	}
	select {
	case <-e.clock.After(remaining):
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (e *Engine) execute(ctx context.Context, l *liveInstance) (out json.RawMessage, err error) {
	l.mu.Lock()
	name := l.inst.Name
	input := append(json.RawMessage(nil), l.inst.Input...)
	l.mu.Unlock()

	fn, ok := e.workflow(name)
	if !ok {
		return nil, notRegistered("workflow", name)
	}

	// every execution replays from the first step, so lock depth recorded by
	// an earlier run of this instance in this process no longer applies
	e.locks.Reset(l.inst.ID)

	wctx := newContext(ctx, e, l)
	defer command.MakePanicHandler(command.CapturePanic(&err, command.LoggerPanicLogger(e.logger)))(
		"workflow "+name, map[string]any{"instance_id": l.inst.ID},
	)
	return fn(wctx, input)
}

func (e *Engine) continueAsNew(ctx context.Context, l *liveInstance, next *continueAsNewError) {
	e.releaseLocks(l.inst.ID)
	e.setStatus(ctx, l, func(inst *Instance) {
		inst.Status = command.RuntimeStatusContinuedAsNew
		inst.History = nil
		inst.Input = next.input
		inst.Generation++
	})
	at := e.clock.Now().UTC().Add(next.delay)
	e.setStatus(ctx, l, func(inst *Instance) {
		inst.Status = command.RuntimeStatusPending
		inst.ScheduledAt = &at
	})
}

// interrupted handles a cancelled run: termination is final, shutdown leaves
// the persisted state for Resume.
func (e *Engine) interrupted(ctx context.Context, l *liveInstance, cause error) {
	if command.HasCode(cause, command.ErrCodeTerminated) {
		e.finish(ctx, l, command.RuntimeStatusTerminated, nil, cause)
		return
	}
	e.logger.Debug("instance %s stopped: %v", l.inst.ID, cause)
}

func (e *Engine) finish(ctx context.Context, l *liveInstance, status command.RuntimeStatus, out json.RawMessage, err error) {
	e.releaseLocks(l.inst.ID)
	e.setStatus(ctx, l, func(inst *Instance) {
		inst.Status = status
		inst.ScheduledAt = nil
		if out != nil {
			inst.Output = out
		}
		inst.Failure = failureOf(err)
	})
}

func (e *Engine) releaseLocks(owner string) {
	if _, err := e.locks.ReleaseOwner(context.Background(), owner); err != nil {
		e.logger.Error("release locks of %s: %v", owner, err)
	}
}

func (e *Engine) setStatus(ctx context.Context, l *liveInstance, mutate func(*Instance)) {
	l.mu.Lock()
	mutate(l.inst)
	l.inst.Updated = e.clock.Now().UTC()
	if err := e.store.SaveInstance(ctx, l.inst); err != nil {
		e.logger.Error("persist instance %s: %v", l.inst.ID, err)
	}
	snapshot := l.inst.clone()
	l.mu.Unlock()
	e.transitioned(ctx, snapshot)
}

func (e *Engine) transitioned(ctx context.Context, inst *Instance) {
	e.metrics.OrchestrationStatus(inst.Name, string(inst.Status))
	for _, h := range e.hooks {
		e.safeHook(ctx, h, inst.clone())
	}
	e.notify(inst.ID)
}

func (e *Engine) safeHook(ctx context.Context, h StatusHook, inst *Instance) {
	defer command.MakePanicHandler(command.LoggerPanicLogger(e.logger))(
		"status hook", map[string]any{"instance_id": inst.ID},
	)
	h(ctx, inst)
}

func marshal(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return append(json.RawMessage(nil), t...), nil
	case []byte:
		return append(json.RawMessage(nil), t...), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %T: %w", v, err)
		}
		return raw, nil
	}
}

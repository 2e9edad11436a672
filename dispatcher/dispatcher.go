// Package dispatcher turns every command into a persisted, audited
// command result. Direct handlers run in the dispatching goroutine;
// orchestrated handlers run as a durable workflow instance whose id is the
// command id, and the result follows that instance's status.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/audit"
	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/lock"
	"github.com/goliatone/go-controlplane/metrics"
	"github.com/goliatone/go-controlplane/orchestration"
	"github.com/goliatone/go-controlplane/queue"
	"github.com/goliatone/go-controlplane/store"
)

const (
	// WorkflowCommand is the workflow every orchestrated handler runs in.
	WorkflowCommand = "command"
	// ActivityEnqueue adds a follow-up command from inside a workflow.
	ActivityEnqueue = "queue.add"
)

type Dispatcher struct {
	registry *Registry
	engine   *orchestration.Engine
	queue    queue.Queue
	results  store.ResultStore
	audit    audit.Writer
	logger   command.Logger
	metrics  metrics.Recorder
	provider string

	// mu serializes read-modify-write cycles on results
	mu sync.Mutex
}

type Option func(*Dispatcher)

func WithResultStore(s store.ResultStore) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.results = s
		}
	}
}

func WithAudit(w audit.Writer) Option {
	return func(d *Dispatcher) { d.audit = w }
}

func WithLogger(l command.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(d *Dispatcher) { d.metrics = metrics.OrNop(r) }
}

// WithProvider names the provider context recorded with audit entries.
func WithProvider(name string) Option {
	return func(d *Dispatcher) { d.provider = name }
}

// New wires the dispatcher into engine: it registers the command workflow,
// the enqueue activity and a status hook. The registry is initialized when
// that has not happened yet, so a missing handler fails here.
func New(registry *Registry, engine *orchestration.Engine, q queue.Queue, opts ...Option) (*Dispatcher, error) {
	if registry == nil || engine == nil {
		return nil, errors.New("dispatcher needs a registry and an engine", errors.CategoryValidation)
	}
	d := &Dispatcher{
		registry: registry,
		engine:   engine,
		queue:    q,
		results:  store.NewMemoryResultStore(),
		logger:   command.NewFmtLogger(nil),
		metrics:  metrics.Nop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if !registry.Initialized() {
		if err := registry.Initialize(); err != nil {
			return nil, err
		}
	}

	engine.RegisterWorkflow(WorkflowCommand, d.runWorkflow)
	engine.RegisterActivity(ActivityEnqueue, orchestration.Activity(func(ctx context.Context, cmd *command.Command) (struct{}, error) {
		if d.queue == nil {
			return struct{}{}, errors.New("no command queue configured", errors.CategoryHandler)
		}
		return struct{}{}, d.queue.Add(ctx, cmd)
	}))
	engine.AddStatusHook(d.onStatus)
	return d, nil
}

func (d *Dispatcher) Engine() *orchestration.Engine { return d.engine }
func (d *Dispatcher) Results() store.ResultStore    { return d.results }

// Dispatch processes cmd and returns its result as it stands when Dispatch
// returns: final for direct-only commands, usually Running for orchestrated
// ones. Business failures are recorded in the result; an error is returned
// only when the command could not be recorded at all, so a queue redelivers
// it.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *command.Command) (*command.Result, error) {
	if cmd == nil || cmd.ID == "" {
		return nil, errors.New("command without id", errors.CategoryValidation).
			WithTextCode(command.ErrCodeInvalidCommand)
	}
	logger := command.WithLoggerFields(d.logger, map[string]any{
		"command_id":   cmd.ID,
		"command_type": string(cmd.Type),
	})

	result, err := d.results.GetResult(ctx, cmd.ID)
	switch {
	case err == nil && result.RuntimeStatus.IsFinal():
		logger.Debug("command already %s, skipping", result.RuntimeStatus)
		return result, nil
	case err == nil:
		logger.Info("redelivered command found %s, dispatching again", result.RuntimeStatus)
	case store.IsNotFound(err):
		result = command.NewResult(cmd)
	default:
		return nil, err
	}

	if err := cmd.Validate(); err != nil {
		return d.reject(ctx, cmd, result, err)
	}
	handlers, err := d.registry.Resolve(cmd.Type)
	if err != nil {
		return d.reject(ctx, cmd, result, err)
	}

	result.SetStatus(command.RuntimeStatusRunning)
	if err := d.save(ctx, cmd, result); err != nil {
		return nil, err
	}

	var orchestrated Handler
	for _, h := range handlers {
		if h.Orchestration() {
			orchestrated = h
			continue
		}
		if err := d.runDirect(ctx, cmd, h, result); err != nil {
			logger.Warn("handler %s failed: %v", h.Name(), err)
			result.AddError(err)
		}
	}

	if orchestrated == nil {
		result.Finalize(nil)
		if err := d.save(ctx, cmd, result); err != nil {
			return nil, err
		}
		return result.Clone(), nil
	}

	if err := d.save(ctx, cmd, result); err != nil {
		return nil, err
	}
	err = d.engine.Start(ctx, cmd.ID, WorkflowCommand, envelope{Handler: orchestrated.Name(), Command: cmd})
	if err != nil {
		logger.Error("start orchestration %s: %v", orchestrated.Name(), err)
		return d.update(ctx, cmd, func(r *command.Result) {
			if !r.RuntimeStatus.IsFinal() {
				r.Finalize(err)
			}
		})
	}
	// an instance that finished before this delivery fires no more hooks
	if inst, err := d.engine.Status(ctx, cmd.ID); err == nil && inst.Status.IsFinal() {
		d.onStatus(ctx, inst)
	}
	return d.Result(ctx, cmd.ID)
}

// Run dispatches every command the consumer delivers until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, c queue.Consumer) error {
	return c.Consume(ctx, func(ctx context.Context, cmd *command.Command) error {
		_, err := d.Dispatch(ctx, cmd)
		return err
	})
}

// Result returns the stored result of a command.
func (d *Dispatcher) Result(ctx context.Context, commandID string) (*command.Result, error) {
	return d.results.GetResult(ctx, commandID)
}

// Wait blocks until the result of commandID is final.
func (d *Dispatcher) Wait(ctx context.Context, commandID string) (*command.Result, error) {
	r, err := d.results.GetResult(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if r.RuntimeStatus.IsFinal() {
		return r, nil
	}
	if _, err := d.engine.WaitForCompletion(ctx, commandID); err != nil && !orchestration.IsInstanceNotFound(err) {
		return nil, err
	}
	return d.results.GetResult(ctx, commandID)
}

func (d *Dispatcher) reject(ctx context.Context, cmd *command.Command, result *command.Result, cause error) (*command.Result, error) {
	d.logger.Warn("command %s (%s) rejected: %v", cmd.ID, cmd.Type, cause)
	result.Finalize(cause)
	if err := d.save(ctx, cmd, result); err != nil {
		return nil, err
	}
	return result.Clone(), nil
}

func (d *Dispatcher) runDirect(ctx context.Context, cmd *command.Command, h Handler, result *command.Result) (err error) {
	owner := cmd.ID + "/" + h.Name()
	defer func() {
		if _, rerr := d.engine.Locks().ReleaseOwner(context.WithoutCancel(ctx), owner); rerr != nil {
			d.logger.Error("release locks of %s: %v", owner, rerr)
		}
	}()
	defer command.MakePanicHandler(command.CapturePanic(&err, command.LoggerPanicLogger(d.logger)))(
		"handler "+h.Name(), map[string]any{"command_id": cmd.ID},
	)

	scope := &Scope{
		Command: cmd,
		Queue:   d.queue,
		Client:  d.engine,
		Logger:  command.WithLoggerFields(d.logger, map[string]any{"command_id": cmd.ID, "handler": h.Name()}),
		Result:  result,
		handler: h.Name(),
		owner:   owner,
	}
	return h.Handle(lock.WithOwner(ctx, owner), cmd, scope)
}

func (d *Dispatcher) runWorkflow(octx *orchestration.Context, input json.RawMessage) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(input, &env); err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "decode command envelope")
	}
	if env.Command == nil {
		return nil, errors.New("command envelope without command", errors.CategoryBadInput)
	}
	h, ok := d.registry.Handler(env.Handler)
	if !ok {
		return nil, errors.New("handler "+env.Handler+" is not registered", errors.CategoryHandler).
			WithTextCode(command.ErrCodeHandlerNotRegistered)
	}

	scope := &Scope{
		Command:       env.Command,
		Queue:         d.queue,
		Client:        d.engine,
		Orchestration: octx,
		Logger:        command.WithLoggerFields(octx.Logger(), map[string]any{"handler": h.Name()}),
		Result:        command.NewResult(env.Command),
		handler:       h.Name(),
		owner:         octx.InstanceID(),
	}
	herr := h.Handle(octx.Context(), env.Command, scope)
	out, err := encodeOutput(env.Command.ID, scope.Result)
	if herr != nil {
		// a failed run still reports its warnings and the payload it changed
		if err != nil {
			d.logger.Warn("encode output of failed command %s: %v", env.Command.ID, err)
		}
		return out, herr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func encodeOutput(commandID string, r *command.Result) (json.RawMessage, error) {
	out := output{Errors: r.Errors}
	if r.Result != nil {
		raw, err := json.Marshal(r.Result)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryHandler, "encode result of "+commandID)
		}
		out.Result = raw
	}
	return json.Marshal(out)
}

// applyOutput copies the recorded errors and payload of a workflow run into r.
func applyOutput(r *command.Result, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var out output
	if err := json.Unmarshal(raw, &out); err != nil {
		r.AddError(errors.Wrap(err, errors.CategoryHandler, "decode workflow output"))
		return
	}
	r.Errors = append(r.Errors, out.Errors...)
	if len(out.Result) > 0 {
		r.SetResult(decodeResult(r.Type, out.Result))
	}
}

// onStatus mirrors instance transitions of the command workflow into the
// command result.
func (d *Dispatcher) onStatus(ctx context.Context, inst *orchestration.Instance) {
	if inst.Name != WorkflowCommand {
		return
	}
	var env envelope
	if err := json.Unmarshal(inst.Input, &env); err != nil || env.Command == nil {
		d.logger.Error("instance %s carries no command: %v", inst.ID, err)
		return
	}

	_, err := d.update(ctx, env.Command, func(r *command.Result) {
		if r.RuntimeStatus.IsFinal() {
			return
		}
		switch inst.Status {
		case command.RuntimeStatusCompleted:
			applyOutput(r, inst.Output)
			r.Finalize(nil)
		case command.RuntimeStatusFailed, command.RuntimeStatusTerminated:
			applyOutput(r, inst.Output)
			if inst.Failure != nil {
				r.AddError(inst.Failure.Err())
			}
			r.SetStatus(inst.Status)
		default:
			r.SetStatus(inst.Status)
		}
	})
	if err != nil {
		d.logger.Error("update result of %s: %v", inst.ID, err)
	}
}

// save stores result unless a final result is already stored: the status
// hook of a finished instance can settle a redelivered command first.
func (d *Dispatcher) save(ctx context.Context, cmd *command.Command, result *command.Result) error {
	d.mu.Lock()
	if !result.RuntimeStatus.IsFinal() {
		if current, err := d.results.GetResult(ctx, result.CommandID); err == nil && current.RuntimeStatus.IsFinal() {
			d.mu.Unlock()
			return nil
		}
	}
	err := d.results.SaveResult(ctx, result)
	d.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "save result of "+result.CommandID)
	}
	d.recorded(ctx, cmd, result)
	return nil
}

func (d *Dispatcher) update(ctx context.Context, cmd *command.Command, mutate func(*command.Result)) (*command.Result, error) {
	d.mu.Lock()
	r, err := d.results.GetResult(ctx, cmd.ID)
	if store.IsNotFound(err) {
		r, err = command.NewResult(cmd), nil
	}
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	before := r.RuntimeStatus
	mutate(r)
	err = d.results.SaveResult(ctx, r)
	d.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryExternal, "save result of "+cmd.ID)
	}
	if before.IsFinal() {
		return r, nil
	}
	d.recorded(ctx, cmd, r)
	return r, nil
}

// recorded audits a stored result and reports final ones. Audit failures are
// logged and dropped.
func (d *Dispatcher) recorded(ctx context.Context, cmd *command.Command, result *command.Result) {
	if result.RuntimeStatus.IsFinal() {
		d.metrics.CommandDispatched(string(result.Type), string(result.RuntimeStatus), result.Updated.Sub(result.Created))
	}
	if d.audit == nil {
		return
	}
	if err := d.audit.Audit(ctx, cmd, result.Clone(), d.provider); err != nil {
		d.logger.Warn("audit of command %s failed: %v", result.CommandID, err)
	}
}

func decodeResult(t command.Type, raw json.RawMessage) any {
	if v, ok := command.NewPayload(t); ok {
		if err := json.Unmarshal(raw, v); err == nil {
			return v
		}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

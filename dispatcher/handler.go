package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/lock"
	"github.com/goliatone/go-controlplane/orchestration"
	"github.com/goliatone/go-controlplane/queue"
)

// Handler processes the commands of the types it declares.
//
// Orchestrated handlers run inside a durable workflow instance keyed by the
// command id: their side effects must go through the scope (Call, Enqueue,
// Lock, Now, NewID) so a replay does not repeat them. Direct handlers run
// once, in the dispatching goroutine, and must be idempotent.
type Handler interface {
	Name() string
	Types() []command.Type
	Orchestration() bool
	Handle(ctx context.Context, cmd *command.Command, scope *Scope) error
}

// HandleFunc is the body of a handler built with NewHandler.
type HandleFunc func(ctx context.Context, cmd *command.Command, scope *Scope) error

type funcHandler struct {
	name         string
	types        []command.Type
	orchestrated bool
	fn           HandleFunc
}

// NewHandler builds a direct handler from a function.
func NewHandler(name string, fn HandleFunc, types ...command.Type) Handler {
	return &funcHandler{name: name, types: types, fn: fn}
}

// NewOrchestration builds an orchestrated handler from a function.
func NewOrchestration(name string, fn HandleFunc, types ...command.Type) Handler {
	return &funcHandler{name: name, types: types, orchestrated: true, fn: fn}
}

func (h *funcHandler) Name() string          { return h.name }
func (h *funcHandler) Types() []command.Type { return append([]command.Type(nil), h.types...) }
func (h *funcHandler) Orchestration() bool   { return h.orchestrated }

func (h *funcHandler) Handle(ctx context.Context, cmd *command.Command, scope *Scope) error {
	return h.fn(ctx, cmd, scope)
}

// Scope is what a handler works with while processing one command.
type Scope struct {
	Command *command.Command
	Queue   queue.Queue
	// Client controls other orchestration instances.
	Client *orchestration.Engine
	// Orchestration is nil for direct handlers.
	Orchestration *orchestration.Context
	Logger        command.Logger
	Result        *command.Result

	handler string
	owner   string

	mu  sync.Mutex
	ids int
}

// Owner is the lock owner of the handler: the instance id for orchestrated
// handlers.
func (s *Scope) Owner() string { return s.owner }

// Now returns the current UTC time, replay stable when orchestrated.
func (s *Scope) Now() time.Time {
	if s.Orchestration != nil {
		return s.Orchestration.CurrentUTC()
	}
	return s.Client.Clock().Now().UTC()
}

// NewID returns an identifier that is stable across replays and redeliveries
// of the same command.
func (s *Scope) NewID() string {
	if s.Orchestration != nil {
		return s.Orchestration.NewGUID()
	}
	s.mu.Lock()
	s.ids++
	n := s.ids
	s.mu.Unlock()
	name := fmt.Sprintf("%s/%s/%d", s.Command.ID, s.handler, n)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// NewCommand creates a follow-up command carrying the actor and scope of the
// current one.
func (s *Scope) NewCommand(t command.Type, payload any) *command.Command {
	return s.Command.Follow(s.NewID(), t, payload, s.Now())
}

// NewCommandWithID creates a follow-up command with a caller chosen id, for
// follow-ups whose id doubles as an instance id.
func (s *Scope) NewCommandWithID(id string, t command.Type, payload any) *command.Command {
	return s.Command.Follow(id, t, payload, s.Now())
}

// Enqueue adds a follow-up command. Orchestrated handlers enqueue through an
// activity so a replay does not enqueue twice.
func (s *Scope) Enqueue(ctx context.Context, cmd *command.Command) error {
	if s.Orchestration != nil {
		return s.Orchestration.CallActivity(ActivityEnqueue, cmd, nil)
	}
	if s.Queue == nil {
		return errors.New("no command queue configured", errors.CategoryHandler)
	}
	return s.Queue.Add(ctx, cmd)
}

// Call runs a registered activity and decodes its result into out.
func (s *Scope) Call(ctx context.Context, name string, input, out any) error {
	if s.Orchestration != nil {
		return s.Orchestration.CallActivity(name, input, out)
	}
	return s.Client.RunActivity(ctx, name, input, out)
}

// Lock acquires keys for the handler and returns the release function.
func (s *Scope) Lock(ctx context.Context, keys ...lock.Key) (func() error, error) {
	if s.Orchestration != nil {
		h, err := s.Orchestration.Lock(keys...)
		if err != nil {
			return nil, err
		}
		return h.Release, nil
	}
	scope, err := s.Client.Locks().Acquire(ctx, s.owner, keys...)
	if err != nil {
		return nil, err
	}
	return func() error { return scope.Release(context.WithoutCancel(ctx)) }, nil
}

// Sleep waits on a durable timer. Direct handlers cannot sleep.
func (s *Scope) Sleep(d time.Duration) error {
	if s.Orchestration == nil {
		return notOrchestrated(s.handler, "sleep")
	}
	return s.Orchestration.CreateTimer(d)
}

// ContinueAsNew returns the error that restarts the handler's instance with
// cmd once delay has passed. The handler must return it unchanged.
func (s *Scope) ContinueAsNew(cmd *command.Command, delay time.Duration) error {
	if s.Orchestration == nil {
		return notOrchestrated(s.handler, "continue as new")
	}
	return s.Orchestration.ContinueAsNew(envelope{Handler: s.handler, Command: cmd}, delay)
}

func notOrchestrated(handler, op string) error {
	return errors.New(handler+" cannot "+op+" outside an orchestration", errors.CategoryHandler).
		WithMetadata(map[string]any{"handler": handler})
}

// envelope is the input of the command workflow.
type envelope struct {
	Handler string           `json:"handler"`
	Command *command.Command `json:"command"`
}

// output is what the command workflow returns on completion.
type output struct {
	Result json.RawMessage       `json:"result,omitempty"`
	Errors []command.ResultError `json:"errors,omitempty"`
}

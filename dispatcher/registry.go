package dispatcher

import (
	"fmt"
	"sync"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/command"
)

// Registry is the static routing table from command type to handlers. It is
// filled at startup and frozen by Initialize.
type Registry struct {
	mu       sync.RWMutex
	handlers map[command.Type][]Handler
	byName   map[string]Handler
	frozen   bool
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[command.Type][]Handler),
		byName:   make(map[string]Handler),
	}
}

// Register adds h for every type it declares. A type accepts any number of
// direct handlers but at most one orchestrated handler, whose instance is
// keyed by the command id.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return errors.New("nil handler", errors.CategoryValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return errors.New("registry is initialized, cannot register "+h.Name(), errors.CategoryConflict)
	}
	if h.Name() == "" {
		return errors.New("handler name required", errors.CategoryValidation)
	}
	if _, dup := r.byName[h.Name()]; dup {
		return errors.New("handler "+h.Name()+" already registered", errors.CategoryConflict)
	}
	types := h.Types()
	if len(types) == 0 {
		return errors.New("handler "+h.Name()+" declares no command type", errors.CategoryValidation)
	}
	for _, t := range types {
		if !t.Known() {
			return errors.New(fmt.Sprintf("handler %s declares unknown command type %q", h.Name(), t), errors.CategoryValidation).
				WithTextCode(command.ErrCodeUnknownCommandType)
		}
		if h.Orchestration() {
			for _, other := range r.handlers[t] {
				if other.Orchestration() {
					return errors.New(
						fmt.Sprintf("%s already has orchestrated handler %s, cannot add %s", t, other.Name(), h.Name()),
						errors.CategoryConflict)
				}
			}
		}
	}

	r.byName[h.Name()] = h
	for _, t := range types {
		r.handlers[t] = append(r.handlers[t], h)
	}
	return nil
}

// MustRegister registers every handler and panics on the first failure.
func (r *Registry) MustRegister(hs ...Handler) {
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

// Initialize checks that every known command type has a handler and freezes
// the table.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var missing []string
	for _, t := range command.Types() {
		if len(r.handlers[t]) == 0 {
			missing = append(missing, string(t))
		}
	}
	if len(missing) > 0 {
		return errors.New(fmt.Sprintf("no handler registered for %v", missing), errors.CategoryHandler).
			WithTextCode(command.ErrCodeHandlerNotRegistered).
			WithMetadata(map[string]any{"command_types": missing})
	}
	r.frozen = true
	return nil
}

func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Resolve returns the handlers of the command type in registration order.
func (r *Registry) Resolve(t command.Type) ([]Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.handlers[t]
	if len(hs) == 0 {
		return nil, errors.New(fmt.Sprintf("no handler registered for %s", t), errors.CategoryHandler).
			WithTextCode(command.ErrCodeHandlerNotRegistered).
			WithMetadata(map[string]any{"command_type": string(t)})
	}
	return append([]Handler(nil), hs...), nil
}

// Handler looks a handler up by name.
func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	return h, ok
}

// Handlers lists every registered handler once.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.byName))
	var out []Handler
	for _, t := range command.Types() {
		for _, h := range r.handlers[t] {
			if !seen[h.Name()] {
				seen[h.Name()] = true
				out = append(out, h)
			}
		}
	}
	return out
}

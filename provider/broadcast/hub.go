// Package broadcast fans change messages out to in-process subscribers
// selected by topic pattern.
package broadcast

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/provider"
)

// Topic of a message: "<organization>.<kind>.<action>", for example
// "o1.project.create". Messages without an organization use "_".
func Topic(msg provider.Message) string {
	org := msg.Organization
	if org == "" {
		org = "_"
	}
	return org + "." + msg.Kind + "." + msg.Action
}

// HandlerFunc receives one message.
type HandlerFunc func(ctx context.Context, msg provider.Message) error

type Subscription interface {
	Unsubscribe()
}

type entry struct {
	hub     *Hub
	id      uint64
	pattern string
	fn      HandlerFunc
}

func (e *entry) Unsubscribe() {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.entries[e.pattern]
	kept := make([]*entry, 0, len(old))
	for _, x := range old {
		if x.id != e.id {
			kept = append(kept, x)
		}
	}
	if len(kept) == 0 {
		delete(h.entries, e.pattern)
		h.sort()
		return
	}
	h.entries[e.pattern] = kept
}

// Hub is a provider.Broadcaster that delivers to every subscriber whose
// pattern matches the message topic. Patterns use "." separated segments;
// "*" matches one segment and "#" any number of them.
type Hub struct {
	mu      sync.RWMutex
	nextID  uint64
	sorted  []string
	entries map[string][]*entry
	match   func(pattern, topic string) bool
	logger  command.Logger
}

type Option func(*Hub)

func WithLogger(l command.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		entries: make(map[string][]*entry),
		match:   MakeMatcher("."),
		logger:  command.NopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscribe registers fn for topics matching pattern.
func (h *Hub) Subscribe(pattern string, fn HandlerFunc) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	e := &entry{hub: h, id: h.nextID, pattern: pattern, fn: fn}
	if _, ok := h.entries[pattern]; !ok {
		h.entries[pattern] = nil
		defer h.sort()
	}
	h.entries[pattern] = append(h.entries[pattern], e)
	return e
}

func (h *Hub) sort() {
	keys := make([]string, 0, len(h.entries))
	for k := range h.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h.sorted = keys
}

func (h *Hub) subscribers(topic string) []*entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*entry
	for _, p := range h.sorted {
		if h.match(p, topic) {
			out = append(out, h.entries[p]...)
		}
	}
	return out
}

// Broadcast delivers msg to every matching subscriber. All subscribers run
// even when one fails; the failures are joined.
func (h *Hub) Broadcast(ctx context.Context, msg provider.Message) error {
	topic := Topic(msg)
	var errs []error
	for _, e := range h.subscribers(topic) {
		if err := e.fn(ctx, msg); err != nil {
			h.logger.Warn("broadcast %s to %s: %v", topic, e.pattern, err)
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// MakeMatcher returns an AMQP style topic matcher over sep separated
// segments.
func MakeMatcher(sep string) func(pattern, topic string) bool {
	return func(pattern, topic string) bool {
		if pattern == topic {
			return true
		}
		return matchSegments(strings.Split(pattern, sep), strings.Split(topic, sep))
	}
}

func matchSegments(pattern, topic []string) bool {
	prev := make([]bool, len(topic)+1)
	cur := make([]bool, len(topic)+1)
	prev[0] = true

	for _, p := range pattern {
		cur[0] = p == "#" && prev[0]
		for j := 1; j <= len(topic); j++ {
			switch p {
			case "#":
				cur[j] = prev[j] || cur[j-1]
			case "*":
				cur[j] = prev[j-1]
			default:
				cur[j] = prev[j-1] && p == topic[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(topic)]
}

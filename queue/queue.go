// Package queue carries follow-up commands between handlers. Delivery is at
// least once; a producer's sequential Add calls are delivered in order.
package queue

import (
	"context"
	"sync"

	"github.com/goliatone/go-controlplane/command"
)

// Queue accepts commands for independent dispatch.
type Queue interface {
	Add(ctx context.Context, cmd *command.Command) error
}

// HandlerFunc processes one delivered command. A returned error asks for
// redelivery.
type HandlerFunc func(ctx context.Context, cmd *command.Command) error

// Consumer delivers queued commands to fn until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, fn HandlerFunc) error
}

// Recorder is a Queue that only records what was added.
type Recorder struct {
	mu       sync.Mutex
	commands []*command.Command
}

func (r *Recorder) Add(_ context.Context, cmd *command.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	return nil
}

func (r *Recorder) Commands() []*command.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*command.Command(nil), r.commands...)
}

// OfType filters the recorded commands by type.
func (r *Recorder) OfType(t command.Type) []*command.Command {
	var out []*command.Command
	for _, cmd := range r.Commands() {
		if cmd.Type == t {
			out = append(out, cmd)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = nil
}

// Fanout adds every command to each queue in order and stops at the first
// failure.
type Fanout []Queue

func (f Fanout) Add(ctx context.Context, cmd *command.Command) error {
	for _, q := range f {
		if err := q.Add(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

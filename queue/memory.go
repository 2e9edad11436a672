package queue

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/metrics"
)

const (
	DefaultWorkers       = 4
	DefaultMaxDeliveries = 5
)

type delivery struct {
	cmd     *command.Command
	attempt int
}

// MemoryQueue is an in-process FIFO with a worker pool. Failed deliveries go
// back to the tail until MaxDeliveries is reached, then to the dead letters.
type MemoryQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []delivery
	inflight int
	dead     []*command.Command

	workers       int
	maxDeliveries int
	logger        command.Logger
	metrics       metrics.Recorder
}

type MemoryOption func(*MemoryQueue)

func WithWorkers(n int) MemoryOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithMaxDeliveries(n int) MemoryOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.maxDeliveries = n
		}
	}
}

func WithLogger(l command.Logger) MemoryOption {
	return func(q *MemoryQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) MemoryOption {
	return func(q *MemoryQueue) { q.metrics = metrics.OrNop(r) }
}

func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		workers:       DefaultWorkers,
		maxDeliveries: DefaultMaxDeliveries,
		logger:        command.NewFmtLogger(nil),
		metrics:       metrics.Nop{},
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func (q *MemoryQueue) Add(_ context.Context, cmd *command.Command) error {
	if cmd == nil {
		return errors.New("nil command", errors.CategoryValidation).
			WithTextCode(command.ErrCodeInvalidCommand)
	}
	q.mu.Lock()
	q.items = append(q.items, delivery{cmd: cmd})
	q.mu.Unlock()
	q.cond.Signal()
	return nil
}

// Len returns queued plus in-flight deliveries.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.inflight
}

// DeadLetters returns commands that exhausted their deliveries.
func (q *MemoryQueue) DeadLetters() []*command.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*command.Command(nil), q.dead...)
}

// WaitIdle blocks until nothing is queued or in flight.
func (q *MemoryQueue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Consume runs the worker pool until ctx is cancelled.
func (q *MemoryQueue) Consume(ctx context.Context, fn HandlerFunc) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				d, ok := q.next(gctx)
				if !ok {
					return nil
				}
				q.deliver(gctx, fn, d)
			}
		})
	}
	return g.Wait()
}

func (q *MemoryQueue) next(ctx context.Context) (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if ctx.Err() != nil {
			return delivery{}, false
		}
		q.cond.Wait()
	}
	if ctx.Err() != nil {
		return delivery{}, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	q.inflight++
	return d, true
}

func (q *MemoryQueue) deliver(ctx context.Context, fn HandlerFunc, d delivery) {
	err := q.call(ctx, fn, d.cmd)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--

	if err == nil {
		q.metrics.QueueDelivery("acked")
		return
	}
	d.attempt++
	if d.attempt >= q.maxDeliveries {
		q.dead = append(q.dead, d.cmd)
		q.metrics.QueueDelivery("dead_letter")
		q.logger.Error("command %s (%s) dead-lettered after %d deliveries: %v",
			d.cmd.ID, d.cmd.Type, d.attempt, err)
		return
	}
	q.metrics.QueueDelivery("redelivered")
	q.logger.Warn("command %s (%s) delivery %d failed, requeued: %v", d.cmd.ID, d.cmd.Type, d.attempt, err)
	q.items = append(q.items, d)
	q.cond.Signal()
}

func (q *MemoryQueue) call(ctx context.Context, fn HandlerFunc, cmd *command.Command) (err error) {
	defer command.MakePanicHandler(command.CapturePanic(&err, command.LoggerPanicLogger(q.logger)))(
		"queue consumer", map[string]any{"command_id": cmd.ID},
	)
	return fn(ctx, cmd)
}

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/nats-io/nats.go"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/metrics"
)

// NATSQueue stores commands in a JetStream work queue stream. Commands are
// published with their id as message id, so a duplicate Add inside the
// stream's dedup window is dropped by the server.
type NATSQueue struct {
	js            nats.JetStreamContext
	stream        string
	subject       string
	durable       string
	ackWait       time.Duration
	maxDeliveries int
	logger        command.Logger
	metrics       metrics.Recorder
}

type NATSOption func(*NATSQueue)

func WithStream(stream, subject string) NATSOption {
	return func(q *NATSQueue) {
		if stream != "" {
			q.stream = stream
		}
		if subject != "" {
			q.subject = subject
		}
	}
}

func WithDurable(name string) NATSOption {
	return func(q *NATSQueue) {
		if name != "" {
			q.durable = name
		}
	}
}

func WithAckWait(d time.Duration) NATSOption {
	return func(q *NATSQueue) {
		if d > 0 {
			q.ackWait = d
		}
	}
}

func WithNATSMaxDeliveries(n int) NATSOption {
	return func(q *NATSQueue) {
		if n > 0 {
			q.maxDeliveries = n
		}
	}
}

func WithNATSLogger(l command.Logger) NATSOption {
	return func(q *NATSQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithNATSMetrics(r metrics.Recorder) NATSOption {
	return func(q *NATSQueue) { q.metrics = metrics.OrNop(r) }
}

// NewNATSQueue binds to the JetStream context of nc and creates the stream
// when it does not exist.
func NewNATSQueue(nc *nats.Conn, opts ...NATSOption) (*NATSQueue, error) {
	q := &NATSQueue{
		stream:        "CONTROLPLANE_COMMANDS",
		subject:       "controlplane.commands",
		durable:       "controlplane-dispatcher",
		ackWait:       5 * time.Minute,
		maxDeliveries: DefaultMaxDeliveries,
		logger:        command.NewFmtLogger(nil),
		metrics:       metrics.Nop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryExternal, "open jetstream context")
	}
	q.js = js

	if _, err := js.StreamInfo(q.stream); err != nil {
		if !stderrors.Is(err, nats.ErrStreamNotFound) {
			return nil, errors.Wrap(err, errors.CategoryExternal, "lookup stream "+q.stream)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       q.stream,
			Subjects:   []string{q.subject},
			Retention:  nats.WorkQueuePolicy,
			Storage:    nats.FileStorage,
			Duplicates: 10 * time.Minute,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryExternal, "create stream "+q.stream)
		}
		q.logger.Info("created jetstream stream %s on %s", q.stream, q.subject)
	}
	return q, nil
}

func (q *NATSQueue) Add(ctx context.Context, cmd *command.Command) error {
	if cmd == nil {
		return errors.New("nil command", errors.CategoryValidation).
			WithTextCode(command.ErrCodeInvalidCommand)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "encode command "+cmd.ID)
	}
	if _, err := q.js.Publish(q.subject, data, nats.MsgId(cmd.ID), nats.Context(ctx)); err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "publish command "+cmd.ID)
	}
	return nil
}

// Consume subscribes with manual acks. A failed delivery is nacked until the
// delivery cap, then terminated and logged as a dead letter.
func (q *NATSQueue) Consume(ctx context.Context, fn HandlerFunc) error {
	sub, err := q.js.QueueSubscribe(q.subject, q.durable, func(msg *nats.Msg) {
		q.handle(ctx, fn, msg)
	},
		nats.Durable(q.durable),
		nats.ManualAck(),
		nats.AckWait(q.ackWait),
		nats.MaxDeliver(q.maxDeliveries),
		nats.BindStream(q.stream),
	)
	if err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "subscribe "+q.subject)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		q.logger.Warn("drain subscription %s: %v", q.durable, err)
	}
	return nil
}

func (q *NATSQueue) handle(ctx context.Context, fn HandlerFunc, msg *nats.Msg) {
	var cmd command.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		q.logger.Error("drop undecodable command on %s: %v", msg.Subject, err)
		q.metrics.QueueDelivery("dead_letter")
		_ = msg.Term()
		return
	}

	err := q.call(ctx, fn, &cmd)
	if err == nil {
		q.metrics.QueueDelivery("acked")
		if aerr := msg.Ack(); aerr != nil {
			q.logger.Warn("ack command %s: %v", cmd.ID, aerr)
		}
		return
	}

	delivered := uint64(1)
	if md, merr := msg.Metadata(); merr == nil {
		delivered = md.NumDelivered
	}
	if delivered >= uint64(q.maxDeliveries) {
		q.metrics.QueueDelivery("dead_letter")
		q.logger.Error("command %s (%s) dead-lettered after %d deliveries: %v", cmd.ID, cmd.Type, delivered, err)
		_ = msg.Term()
		return
	}
	q.metrics.QueueDelivery("redelivered")
	q.logger.Warn("command %s (%s) delivery %d failed, nak: %v", cmd.ID, cmd.Type, delivered, err)
	_ = msg.Nak()
}

func (q *NATSQueue) call(ctx context.Context, fn HandlerFunc, cmd *command.Command) (err error) {
	defer command.MakePanicHandler(command.CapturePanic(&err, command.LoggerPanicLogger(q.logger)))(
		"nats consumer "+q.durable, map[string]any{"command_id": cmd.ID},
	)
	return fn(ctx, cmd)
}

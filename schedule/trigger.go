// Package schedule turns stored Schedule documents into cron entries that
// enqueue ScheduleRun commands.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/model"
	"github.com/goliatone/go-controlplane/queue"
	"github.com/goliatone/go-controlplane/store"
)

// DefaultRefresh is how often the trigger re-reads the schedule documents.
const DefaultRefresh = time.Minute

var runNamespace = uuid.MustParse("6f0c2a53-8e4b-4c1e-9a7d-3b1f5e2d9c40")

// Entry describes one registered schedule.
type Entry struct {
	ScheduleID string
	Expression string
	Next       time.Time
	Prev       time.Time
}

type entry struct {
	id   rcron.EntryID
	expr string
}

// Trigger keeps one cron entry per enabled schedule.
type Trigger struct {
	mu      sync.Mutex
	cron    *rcron.Cron
	entries map[string]entry

	schedules *store.Repository[*model.Schedule]
	queue     queue.Queue
	logger    command.Logger
	user      *model.User
	refresh   time.Duration
	now       func() time.Time
	onError   func(error)

	base   context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Trigger)

func WithLogger(l command.Logger) Option {
	return func(t *Trigger) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithUser sets the actor recorded on triggered commands.
func WithUser(u *model.User) Option {
	return func(t *Trigger) { t.user = u }
}

// WithRefresh sets the resync interval. Zero disables periodic resync.
func WithRefresh(d time.Duration) Option {
	return func(t *Trigger) { t.refresh = d }
}

func WithClock(now func() time.Time) Option {
	return func(t *Trigger) {
		if now != nil {
			t.now = now
		}
	}
}

// WithErrorHandler receives failures of fired jobs and resyncs.
func WithErrorHandler(fn func(error)) Option {
	return func(t *Trigger) { t.onError = fn }
}

func NewTrigger(schedules *store.Repository[*model.Schedule], q queue.Queue, opts ...Option) *Trigger {
	t := &Trigger{
		entries:   make(map[string]entry),
		schedules: schedules,
		queue:     q,
		logger:    command.NopLogger{},
		user:      &model.User{ID: "scheduler", DisplayName: "Scheduler"},
		refresh:   DefaultRefresh,
		now:       time.Now,
		base:      context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.onError == nil {
		t.onError = func(err error) { t.logger.Error("schedule trigger: %v", err) }
	}
	t.cron = rcron.New(
		rcron.WithLocation(time.UTC),
		rcron.WithLogger(&loggerAdapter{logger: t.logger}),
		rcron.WithChain(t.recoverJob),
	)
	return t
}

// recoverJob turns a panicking job into a reported error.
func (t *Trigger) recoverJob(j rcron.Job) rcron.Job {
	return rcron.FuncJob(func() {
		var err error
		defer func() {
			if err != nil {
				t.onError(err)
			}
		}()
		defer command.MakePanicHandler(command.CapturePanic(&err, nil))("schedule job")
		j.Run()
	})
}

// Sync registers every enabled schedule and drops entries whose schedule
// is gone, disabled or changed.
func (t *Trigger) Sync(ctx context.Context) error {
	docs, err := t.schedules.List(ctx, "", false)
	if err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "list schedules")
	}

	want := make(map[string]string, len(docs))
	for _, s := range docs {
		if s.Enabled && len(s.ComponentTasks) > 0 {
			want[s.ID] = s.CronExpression()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, e := range t.entries {
		if expr, ok := want[id]; !ok || expr != e.expr {
			t.cron.Remove(e.id)
			delete(t.entries, id)
		}
	}

	var errs []error
	for id, expr := range want {
		if _, ok := t.entries[id]; ok {
			continue
		}
		scheduleID := id
		entryID, err := t.cron.AddFunc(expr, func() {
			if err := t.Fire(t.base, scheduleID, t.now()); err != nil {
				t.onError(err)
			}
		})
		if err != nil {
			errs = append(errs, errors.Wrap(err, errors.CategoryValidation, "schedule "+id+": invalid expression "+expr))
			continue
		}
		t.entries[id] = entry{id: entryID, expr: expr}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Fire enqueues a ScheduleRun for the schedule. The command id derives from
// the schedule and the minute it fired in, so replicas firing together
// produce one command.
func (t *Trigger) Fire(ctx context.Context, scheduleID string, at time.Time) error {
	s, err := t.schedules.Get(ctx, scheduleID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if !s.Enabled || s.IsDeleted() {
		t.logger.Debug("schedule %s skipped: disabled", scheduleID)
		return nil
	}

	minute := at.UTC().Truncate(time.Minute)
	id := uuid.NewSHA1(runNamespace, []byte(scheduleID+"@"+minute.Format(time.RFC3339))).String()
	cmd := command.NewWithID(id, command.TypeScheduleRun, t.user, s, minute)
	if err := t.queue.Add(ctx, cmd); err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "enqueue schedule run "+scheduleID)
	}
	t.logger.Info("schedule %s fired command %s", scheduleID, id)
	return nil
}

// Entries reports the registered schedules.
func (t *Trigger) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for id, e := range t.entries {
		ce := t.cron.Entry(e.id)
		out = append(out, Entry{ScheduleID: id, Expression: e.expr, Next: ce.Next, Prev: ce.Prev})
	}
	return out
}

// Start syncs, starts the cron loop and resyncs every refresh interval
// until ctx is done or Stop is called.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return errors.New("schedule trigger already started", errors.CategoryConflict)
	}
	t.base, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	base, done := t.base, t.done
	t.mu.Unlock()

	if err := t.Sync(base); err != nil {
		t.onError(err)
	}
	t.cron.Start()

	go func() {
		defer close(done)
		if t.refresh <= 0 {
			<-base.Done()
			return
		}
		ticker := time.NewTicker(t.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-base.Done():
				return
			case <-ticker.C:
				if err := t.Sync(base); err != nil {
					t.onError(err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the cron loop and waits for running jobs or ctx.
func (t *Trigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	jobs := t.cron.Stop()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-jobs.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

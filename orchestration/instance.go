package orchestration

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/command"
)

type EventKind string

const (
	EventActivity     EventKind = "Activity"
	EventTimer        EventKind = "Timer"
	EventExternal     EventKind = "ExternalEvent"
	EventCurrentTime  EventKind = "CurrentTime"
	EventLockAcquired EventKind = "LockAcquired"
	EventLockReleased EventKind = "LockReleased"
)

// HistoryEvent is one durable step of an instance. Seq is the position in
// the history and must match the workflow's call order on replay.
type HistoryEvent struct {
	Seq       int             `json:"seq"`
	Kind      EventKind       `json:"kind"`
	Name      string          `json:"name,omitempty"`
	Ref       int             `json:"ref,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Failure   *Failure        `json:"failure,omitempty"`
	FireAt    *time.Time      `json:"fireAt,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Completed bool            `json:"completed"`
}

// Failure is the persisted form of an error.
type Failure struct {
	Message        string `json:"message"`
	Code           string `json:"code,omitempty"`
	RetryCancelled bool   `json:"retryCancelled,omitempty"`
}

func failureOf(err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{
		Message:        err.Error(),
		Code:           command.Code(err),
		RetryCancelled: command.IsRetryCancelled(err),
	}
}

// Err rebuilds an error carrying the recorded code and retry class.
func (f *Failure) Err() error {
	if f == nil {
		return nil
	}
	category := errors.CategoryHandler
	if f.RetryCancelled {
		category = errors.CategoryBadInput
	}
	e := errors.New(f.Message, category)
	if f.Code != "" {
		e = e.WithTextCode(f.Code)
	}
	return e
}

// Instance is the persisted state of one workflow run, keyed by ID.
type Instance struct {
	ID          string                       `json:"id"`
	Name        string                       `json:"name"`
	Input       json.RawMessage              `json:"input,omitempty"`
	Output      json.RawMessage              `json:"output,omitempty"`
	Status      command.RuntimeStatus        `json:"status"`
	Failure     *Failure                     `json:"failure,omitempty"`
	History     []HistoryEvent               `json:"history,omitempty"`
	Inbox       map[string][]json.RawMessage `json:"inbox,omitempty"`
	Generation  int                          `json:"generation"`
	ScheduledAt *time.Time                   `json:"scheduledAt,omitempty"`
	Created     time.Time                    `json:"created"`
	Updated     time.Time                    `json:"updated"`
}

func (i *Instance) clone() *Instance {
	if i == nil {
		return nil
	}
	data, err := json.Marshal(i)
	if err != nil {
		panic(fmt.Sprintf("clone instance %s: %v", i.ID, err))
	}
	var cp Instance
	if err := json.Unmarshal(data, &cp); err != nil {
		panic(fmt.Sprintf("clone instance %s: %v", i.ID, err))
	}
	return &cp
}

// InstanceStore persists instances.
type InstanceStore interface {
	GetInstance(ctx context.Context, id string) (*Instance, error)
	SaveInstance(ctx context.Context, inst *Instance) error
	// ListInstances returns instances in any of statuses, all when empty.
	ListInstances(ctx context.Context, statuses ...command.RuntimeStatus) ([]*Instance, error)
}

var ErrInstanceNotFound = stderrors.New("orchestration instance not found")

func instanceNotFound(id string) error {
	return errors.Wrap(ErrInstanceNotFound, errors.CategoryBadInput, "instance "+id+" not found").
		WithTextCode(command.ErrCodeNotFound).
		WithMetadata(map[string]any{"instance_id": id})
}

func IsInstanceNotFound(err error) bool {
	return stderrors.Is(err, ErrInstanceNotFound) || command.HasCode(err, command.ErrCodeNotFound)
}

type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{instances: make(map[string]*Instance)}
}

func (s *MemoryInstanceStore) GetInstance(_ context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, instanceNotFound(id)
	}
	return inst.clone(), nil
}

func (s *MemoryInstanceStore) SaveInstance(_ context.Context, inst *Instance) error {
	if inst == nil || inst.ID == "" {
		return errors.New("instance id required", errors.CategoryValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst.clone()
	return nil
}

func (s *MemoryInstanceStore) ListInstances(_ context.Context, statuses ...command.RuntimeStatus) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for _, inst := range s.instances {
		if matchesStatus(inst.Status, statuses) {
			out = append(out, inst.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func matchesStatus(status command.RuntimeStatus, statuses []command.RuntimeStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// SQLInstanceStore keeps instances in the orchestration_instances table
// created by store.OpenSQLite.
type SQLInstanceStore struct {
	DB *sql.DB
}

func (s *SQLInstanceStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var data []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT data FROM orchestration_instances WHERE id = ?`, id).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, instanceNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &inst, nil
}

func (s *SQLInstanceStore) SaveInstance(ctx context.Context, inst *Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", inst.ID, err)
	}
	var scheduled any
	if inst.ScheduledAt != nil {
		scheduled = inst.ScheduledAt.UnixNano()
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO orchestration_instances (id, name, status, data, scheduled_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			data = excluded.data,
			scheduled_ns = excluded.scheduled_ns,
			updated_ns = excluded.updated_ns`,
		inst.ID, inst.Name, string(inst.Status), data, scheduled, inst.Updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	return nil
}

func (s *SQLInstanceStore) ListInstances(ctx context.Context, statuses ...command.RuntimeStatus) ([]*Instance, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, data FROM orchestration_instances ORDER BY updated_ns`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		var (
			status string
			data   []byte
		)
		if err := rows.Scan(&status, &data); err != nil {
			return nil, err
		}
		if !matchesStatus(command.RuntimeStatus(status), statuses) {
			continue
		}
		var inst Instance
		if err := json.Unmarshal(data, &inst); err != nil {
			return nil, err
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goliatone/go-controlplane/command"
)

// ResultStore persists command results by command id.
type ResultStore interface {
	GetResult(ctx context.Context, commandID string) (*command.Result, error)
	SaveResult(ctx context.Context, result *command.Result) error
	ListResults(ctx context.Context, status command.RuntimeStatus) ([]*command.Result, error)
}

type MemoryResultStore struct {
	mu      sync.RWMutex
	results map[string]*command.Result
}

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[string]*command.Result)}
}

func (s *MemoryResultStore) GetResult(_ context.Context, commandID string) (*command.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[commandID]
	if !ok {
		return nil, notFound("result", commandID)
	}
	return r.Clone(), nil
}

func (s *MemoryResultStore) SaveResult(_ context.Context, result *command.Result) error {
	if result == nil || result.CommandID == "" {
		return fmt.Errorf("result without command id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.CommandID] = result.Clone()
	return nil
}

// ListResults returns results with status, all of them when status is empty.
func (s *MemoryResultStore) ListResults(_ context.Context, status command.RuntimeStatus) ([]*command.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*command.Result
	for _, r := range s.results {
		if status != command.RuntimeStatusUnknown && r.RuntimeStatus != status {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// SQLResultStore implements ResultStore on the command_results table.
type SQLResultStore struct {
	DB *sql.DB
}

func (s *SQLResultStore) GetResult(ctx context.Context, commandID string) (*command.Result, error) {
	var data []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT data FROM command_results WHERE command_id = ?`, commandID).Scan(&data)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("result", commandID)
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", commandID, err)
	}
	var r command.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", commandID, err)
	}
	return &r, nil
}

func (s *SQLResultStore) SaveResult(ctx context.Context, result *command.Result) error {
	if result == nil || result.CommandID == "" {
		return fmt.Errorf("result without command id")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", result.CommandID, err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO command_results (command_id, command_type, runtime_status, data, created_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (command_id) DO UPDATE SET
			runtime_status = excluded.runtime_status,
			data = excluded.data,
			updated_ns = excluded.updated_ns`,
		result.CommandID, string(result.Type), string(result.RuntimeStatus), data,
		result.Created.UnixNano(), result.Updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", result.CommandID, err)
	}
	return nil
}

func (s *SQLResultStore) ListResults(ctx context.Context, status command.RuntimeStatus) ([]*command.Result, error) {
	query := `SELECT data FROM command_results`
	var args []any
	if status != command.RuntimeStatusUnknown {
		query += ` WHERE runtime_status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_ns`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []*command.Result
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r command.Result
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

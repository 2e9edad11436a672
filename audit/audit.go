// Package audit records every command result change. Writers may fail; the
// dispatcher logs and swallows those failures.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/command"
)

// Entry is one audit record.
type Entry struct {
	CommandID     string                `json:"commandId"`
	CommandType   command.Type          `json:"commandType"`
	Organization  string                `json:"organization,omitempty"`
	ProjectID     string                `json:"projectId,omitempty"`
	UserID        string                `json:"userId,omitempty"`
	RuntimeStatus command.RuntimeStatus `json:"runtimeStatus"`
	Provider      string                `json:"provider,omitempty"`
	Command       *command.Command      `json:"command"`
	Result        *command.Result       `json:"result"`
	Timestamp     time.Time             `json:"timestamp"`
}

func NewEntry(cmd *command.Command, result *command.Result, provider string) Entry {
	e := Entry{
		Provider:  provider,
		Command:   cmd,
		Result:    result,
		Timestamp: time.Now().UTC(),
	}
	if cmd != nil {
		e.CommandID = cmd.ID
		e.CommandType = cmd.Type
		e.Organization = cmd.Organization
		e.ProjectID = cmd.ProjectID
		if cmd.User != nil {
			e.UserID = cmd.User.ID
		}
	}
	if result != nil {
		e.RuntimeStatus = result.RuntimeStatus
		if e.CommandID == "" {
			e.CommandID = result.CommandID
			e.CommandType = result.Type
		}
	}
	return e
}

// Writer persists audit entries.
type Writer interface {
	Audit(ctx context.Context, cmd *command.Command, result *command.Result, provider string) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, cmd *command.Command, result *command.Result, provider string) error

func (f WriterFunc) Audit(ctx context.Context, cmd *command.Command, result *command.Result, provider string) error {
	return f(ctx, cmd, result, provider)
}

// JSONWriter appends one JSON document per line.
type JSONWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONWriter(w io.Writer) *JSONWriter {
	return &JSONWriter{enc: json.NewEncoder(w)}
}

func (j *JSONWriter) Audit(_ context.Context, cmd *command.Command, result *command.Result, provider string) error {
	entry := NewEntry(cmd, result, provider)
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(entry); err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "write audit entry "+entry.CommandID)
	}
	return nil
}

// Multi writes to every writer and joins their failures.
type Multi []Writer

func (m Multi) Audit(ctx context.Context, cmd *command.Command, result *command.Result, provider string) error {
	var errs error
	for _, w := range m {
		if err := w.Audit(ctx, cmd, result, provider); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// Memory keeps entries in order, for tests and local inspection.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Audit(_ context.Context, cmd *command.Command, result *command.Result, provider string) error {
	var snapshot *command.Result
	if result != nil {
		snapshot = result.Clone()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, NewEntry(cmd, snapshot, provider))
	return nil
}

func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// For returns the entries of one command.
func (m *Memory) For(commandID string) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.CommandID == commandID {
			out = append(out, e)
		}
	}
	return out
}

package command

import (
	"encoding/json"
	"time"
)

// RuntimeStatus mirrors the status of the orchestration that processed a command.
type RuntimeStatus string

const (
	RuntimeStatusUnknown        RuntimeStatus = ""
	RuntimeStatusPending        RuntimeStatus = "Pending"
	RuntimeStatusRunning        RuntimeStatus = "Running"
	RuntimeStatusCompleted      RuntimeStatus = "Completed"
	RuntimeStatusFailed         RuntimeStatus = "Failed"
	RuntimeStatusCanceled       RuntimeStatus = "Canceled"
	RuntimeStatusContinuedAsNew RuntimeStatus = "ContinuedAsNew"
	RuntimeStatusTerminated     RuntimeStatus = "Terminated"
)

// IsFinal reports a status that will not change anymore.
func (s RuntimeStatus) IsFinal() bool {
	switch s {
	case RuntimeStatusCompleted, RuntimeStatusFailed, RuntimeStatusCanceled, RuntimeStatusTerminated:
		return true
	}
	return false
}

type Severity string

const (
	SeverityWarning Severity = "Warning"
	SeverityError   Severity = "Error"
)

type ResultError struct {
	Message  string   `json:"message"`
	Code     string   `json:"code,omitempty"`
	Severity Severity `json:"severity"`
}

// Result is the persisted outcome of a command, keyed by the command id.
type Result struct {
	CommandID     string         `json:"commandId"`
	Type          Type           `json:"commandType"`
	Organization  string         `json:"organization,omitempty"`
	ProjectID     string         `json:"projectId,omitempty"`
	Result        any            `json:"result,omitempty"`
	RuntimeStatus RuntimeStatus  `json:"runtimeStatus"`
	Errors        []ResultError  `json:"errors,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Created       time.Time      `json:"created"`
	Updated       time.Time      `json:"updated"`
}

// NewResult opens a Pending result for cmd.
func NewResult(cmd *Command) *Result {
	now := time.Now().UTC()
	r := &Result{
		RuntimeStatus: RuntimeStatusPending,
		Created:       now,
		Updated:       now,
	}
	if cmd != nil {
		r.CommandID = cmd.ID
		r.Type = cmd.Type
		r.Organization = cmd.Organization
		r.ProjectID = cmd.ProjectID
	}
	return r
}

func (r *Result) SetResult(value any) {
	r.Result = value
	r.touch()
}

func (r *Result) SetStatus(status RuntimeStatus) {
	r.RuntimeStatus = status
	r.touch()
}

// AddWarning records a non fatal problem. Warnings never fail a command.
func (r *Result) AddWarning(err error) {
	r.add(err, SeverityWarning)
}

func (r *Result) AddError(err error) {
	r.add(err, SeverityError)
}

func (r *Result) HasErrors() bool {
	for _, e := range r.Errors {
		if e.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (r *Result) Warnings() []ResultError {
	var out []ResultError
	for _, e := range r.Errors {
		if e.Severity == SeverityWarning {
			out = append(out, e)
		}
	}
	return out
}

// Finalize settles the status from err and the recorded errors.
func (r *Result) Finalize(err error) {
	if err != nil {
		r.AddError(err)
	}
	if r.HasErrors() {
		r.SetStatus(RuntimeStatusFailed)
		return
	}
	r.SetStatus(RuntimeStatusCompleted)
}

func (r *Result) SetMetadata(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Errors = append([]ResultError(nil), r.Errors...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (r *Result) add(err error, severity Severity) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, ResultError{
		Message:  err.Error(),
		Code:     Code(err),
		Severity: severity,
	})
	r.touch()
}

func (r *Result) touch() {
	r.Updated = time.Now().UTC()
}

// UnmarshalJSON decodes Result into the payload type of the command type so
// stored results keep their concrete entity type.
func (r *Result) UnmarshalJSON(data []byte) error {
	type alias Result
	raw := struct {
		*alias
		Result json.RawMessage `json:"result,omitempty"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Result = nil
	if len(raw.Result) == 0 || string(raw.Result) == "null" {
		return nil
	}
	if factory, ok := payloadFactories[r.Type]; ok {
		v := factory()
		if err := json.Unmarshal(raw.Result, v); err == nil {
			r.Result = v
			return nil
		}
	}
	var v any
	if err := json.Unmarshal(raw.Result, &v); err != nil {
		return err
	}
	r.Result = v
	return nil
}

package model

import "strings"

// ResourceState tracks the provisioning lifecycle of organizations, projects and components.
type ResourceState string

const (
	ResourceStatePending        ResourceState = "Pending"
	ResourceStateInitializing   ResourceState = "Initializing"
	ResourceStateProvisioning   ResourceState = "Provisioning"
	ResourceStateProvisioned    ResourceState = "Provisioned"
	ResourceStateSucceeded      ResourceState = "Succeeded"
	ResourceStateFailed         ResourceState = "Failed"
	ResourceStateDeprovisioning ResourceState = "Deprovisioning"
	ResourceStateDeprovisioned  ResourceState = "Deprovisioned"
	ResourceStateCanceled       ResourceState = "Canceled"
)

// IsFinal reports whether no further automatic transition is expected.
func (s ResourceState) IsFinal() bool {
	switch s.normalize() {
	case ResourceStateProvisioned,
		ResourceStateSucceeded,
		ResourceStateFailed,
		ResourceStateDeprovisioned,
		ResourceStateCanceled:
		return true
	default:
		return false
	}
}

// IsActive reports a state that is neither final nor Pending.
func (s ResourceState) IsActive() bool {
	s = s.normalize()
	return s != ResourceStatePending && !s.IsFinal()
}

// IsSuccess is true for Provisioned and Succeeded.
func (s ResourceState) IsSuccess() bool {
	s = s.normalize()
	return s == ResourceStateProvisioned || s == ResourceStateSucceeded
}

func (s ResourceState) normalize() ResourceState {
	if strings.TrimSpace(string(s)) == "" {
		return ResourceStatePending
	}
	return s
}

// TaskState tracks the lifecycle of a component task run.
type TaskState string

const (
	TaskStatePending      TaskState = "Pending"
	TaskStateInitializing TaskState = "Initializing"
	TaskStateProvisioning TaskState = "Provisioning"
	TaskStateSucceeded    TaskState = "Succeeded"
	TaskStateFailed       TaskState = "Failed"
	TaskStateCanceled     TaskState = "Canceled"
)

func (s TaskState) IsFinal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateCanceled:
		return true
	default:
		return false
	}
}

func (s TaskState) IsActive() bool {
	return s != "" && s != TaskStatePending && !s.IsFinal()
}

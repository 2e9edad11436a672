package model

import "time"

// Component is a deployable unit inside a project.
type Component struct {
	Meta
	ID                string        `json:"id" validate:"required"`
	Organization      string        `json:"organization"`
	ProjectID         string        `json:"projectId" validate:"required"`
	Creator           string        `json:"creator"`
	DisplayName       string        `json:"displayName"`
	Slug              string        `json:"slug"`
	Type              string        `json:"type"`
	TemplateID        string        `json:"templateId"`
	InputJSON         string        `json:"inputJson,omitempty"`
	ValueJSON         string        `json:"valueJson,omitempty"`
	DeploymentScopeID string        `json:"deploymentScopeId"`
	IdentityID        string        `json:"identityId,omitempty"`
	ResourceID        string        `json:"resourceId,omitempty"`
	StorageID         string        `json:"storageId,omitempty"`
	ResourceState     ResourceState `json:"resourceState"`
}

func (c *Component) Kind() string            { return KindComponent }
func (c *Component) GetID() string           { return c.ID }
func (c *Component) GetPartitionKey() string { return c.ProjectID }

func (c *Component) GetResourceState() ResourceState      { return c.ResourceState }
func (c *Component) SetResourceState(state ResourceState) { c.ResourceState = state }

func (c *Component) UniqueKeys() []string {
	if c.Slug == "" {
		return nil
	}
	return []string{"slug:" + c.Slug}
}

// ComponentTaskType distinguishes lifecycle tasks from template defined ones.
type ComponentTaskType string

const (
	ComponentTaskTypeCreate ComponentTaskType = "Create"
	ComponentTaskTypeDelete ComponentTaskType = "Delete"
	ComponentTaskTypeCustom ComponentTaskType = "Custom"
)

// ComponentTask is one execution of a task against a component.
type ComponentTask struct {
	Meta
	ID           string            `json:"id" validate:"required"`
	Organization string            `json:"organization"`
	ProjectID    string            `json:"projectId"`
	ComponentID  string            `json:"componentId" validate:"required"`
	ScheduleID   string            `json:"scheduleId,omitempty"`
	RequestedBy  string            `json:"requestedBy"`
	Type         ComponentTaskType `json:"type" validate:"required,oneof=Create Delete Custom"`
	TypeName     string            `json:"typeName,omitempty"`
	InputJSON    string            `json:"inputJson,omitempty"`
	Started      *time.Time        `json:"started,omitempty"`
	Finished     *time.Time        `json:"finished,omitempty"`
	ExitCode     *int              `json:"exitCode,omitempty"`
	Output       string            `json:"output,omitempty"`
	ResourceID   string            `json:"resourceId,omitempty"`
	TaskState    TaskState         `json:"taskState"`
}

func (t *ComponentTask) Kind() string            { return KindComponentTask }
func (t *ComponentTask) GetID() string           { return t.ID }
func (t *ComponentTask) GetPartitionKey() string { return t.ComponentID }

// ComponentTaskReference points a schedule at a component task template.
type ComponentTaskReference struct {
	ComponentID             string `json:"componentId" validate:"required"`
	ComponentTaskTemplateID string `json:"componentTaskTemplateId" validate:"required"`
}

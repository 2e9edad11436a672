package command

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/goliatone/go-controlplane/model"
)

// Type is the discriminator of a command.
type Type string

const (
	TypeOrganizationCreate    Type = "OrganizationCreate"
	TypeOrganizationUpdate    Type = "OrganizationUpdate"
	TypeOrganizationDelete    Type = "OrganizationDelete"
	TypeOrganizationDeploy    Type = "OrganizationDeploy"
	TypeProjectCreate         Type = "ProjectCreate"
	TypeProjectUpdate         Type = "ProjectUpdate"
	TypeProjectDelete         Type = "ProjectDelete"
	TypeProjectDeploy         Type = "ProjectDeploy"
	TypeProjectDestroy        Type = "ProjectDestroy"
	TypeComponentCreate       Type = "ComponentCreate"
	TypeComponentUpdate       Type = "ComponentUpdate"
	TypeComponentDelete       Type = "ComponentDelete"
	TypeComponentTaskCreate   Type = "ComponentTaskCreate"
	TypeComponentTaskRun      Type = "ComponentTaskRun"
	TypeComponentTaskCancel   Type = "ComponentTaskCancel"
	TypeScheduleCreate        Type = "ScheduleCreate"
	TypeScheduleUpdate        Type = "ScheduleUpdate"
	TypeScheduleDelete        Type = "ScheduleDelete"
	TypeScheduleRun           Type = "ScheduleRun"
	TypeDeploymentScopeCreate Type = "DeploymentScopeCreate"
	TypeDeploymentScopeUpdate Type = "DeploymentScopeUpdate"
	TypeDeploymentScopeDelete Type = "DeploymentScopeDelete"
	TypeUserCreate            Type = "UserCreate"
	TypeUserUpdate            Type = "UserUpdate"
	TypeUserDelete            Type = "UserDelete"
	TypeNotificationSend      Type = "NotificationSend"
)

// payloadFactories is the static payload table for every known command type.
var payloadFactories = map[Type]func() any{
	TypeOrganizationCreate:    func() any { return &model.Organization{} },
	TypeOrganizationUpdate:    func() any { return &model.Organization{} },
	TypeOrganizationDelete:    func() any { return &model.Organization{} },
	TypeOrganizationDeploy:    func() any { return &model.Organization{} },
	TypeProjectCreate:         func() any { return &model.Project{} },
	TypeProjectUpdate:         func() any { return &model.Project{} },
	TypeProjectDelete:         func() any { return &model.Project{} },
	TypeProjectDeploy:         func() any { return &model.Project{} },
	TypeProjectDestroy:        func() any { return &model.Project{} },
	TypeComponentCreate:       func() any { return &model.Component{} },
	TypeComponentUpdate:       func() any { return &model.Component{} },
	TypeComponentDelete:       func() any { return &model.Component{} },
	TypeComponentTaskCreate:   func() any { return &model.ComponentTask{} },
	TypeComponentTaskRun:      func() any { return &model.ComponentTask{} },
	TypeComponentTaskCancel:   func() any { return &model.ComponentTask{} },
	TypeScheduleCreate:        func() any { return &model.Schedule{} },
	TypeScheduleUpdate:        func() any { return &model.Schedule{} },
	TypeScheduleDelete:        func() any { return &model.Schedule{} },
	TypeScheduleRun:           func() any { return &model.Schedule{} },
	TypeDeploymentScopeCreate: func() any { return &model.DeploymentScope{} },
	TypeDeploymentScopeUpdate: func() any { return &model.DeploymentScope{} },
	TypeDeploymentScopeDelete: func() any { return &model.DeploymentScope{} },
	TypeUserCreate:            func() any { return &model.User{} },
	TypeUserUpdate:            func() any { return &model.User{} },
	TypeUserDelete:            func() any { return &model.User{} },
	TypeNotificationSend:      func() any { return &model.Notification{} },
}

// Types returns every known command type in declaration-independent sorted order.
func Types() []Type {
	out := make([]Type, 0, len(payloadFactories))
	for t := range payloadFactories {
		out = append(out, t)
	}
	sortTypes(out)
	return out
}

// Known reports whether t is part of the static command table.
func (t Type) Known() bool {
	_, ok := payloadFactories[t]
	return ok
}

func (t Type) String() string { return string(t) }

// NewPayload returns an empty payload of the type carried by t.
func NewPayload(t Type) (any, bool) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Command is an immutable request to act on an entity.
type Command struct {
	ID           string      `json:"commandId"`
	Type         Type        `json:"commandType"`
	User         *model.User `json:"user,omitempty"`
	Organization string      `json:"organization,omitempty"`
	ProjectID    string      `json:"projectId,omitempty"`
	Payload      any         `json:"payload,omitempty"`
	Created      time.Time   `json:"created"`
}

// New creates a command with a random id.
func New(t Type, user *model.User, payload any) *Command {
	return NewWithID(uuid.NewString(), t, user, payload, time.Now().UTC())
}

// NewWithID creates a command with a caller supplied id and timestamp, used
// where ids must be reproducible.
func NewWithID(id string, t Type, user *model.User, payload any, created time.Time) *Command {
	cmd := &Command{
		ID:      id,
		Type:    t,
		User:    user,
		Payload: payload,
		Created: created.UTC(),
	}
	cmd.Organization, cmd.ProjectID = scopeOf(payload)
	return cmd
}

// Follow creates a follow-up command that inherits actor and scope.
func (c *Command) Follow(id string, t Type, payload any, created time.Time) *Command {
	next := NewWithID(id, t, c.User, payload, created)
	if next.Organization == "" {
		next.Organization = c.Organization
	}
	if next.ProjectID == "" {
		next.ProjectID = c.ProjectID
	}
	return next
}

// Validate checks the envelope and the payload struct tags.
func (c *Command) Validate() error {
	if c == nil {
		return errors.New("nil command", errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidCommand)
	}
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("command id required", errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidCommand)
	}
	factory, ok := payloadFactories[c.Type]
	if !ok {
		return errors.New(fmt.Sprintf("unknown command type %q", c.Type), errors.CategoryValidation).
			WithTextCode(ErrCodeUnknownCommandType)
	}
	if IsNilMessage(c.Payload) {
		return errors.New("command payload required", errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidCommand).
			WithMetadata(map[string]any{"command_type": string(c.Type)})
	}
	if want := reflect.TypeOf(factory()); reflect.TypeOf(c.Payload) != want {
		return errors.New(fmt.Sprintf("payload %T does not match %s", c.Payload, want), errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidCommand).
			WithMetadata(map[string]any{"command_type": string(c.Type)})
	}
	return ValidatePayload(c.Payload)
}

func (c *Command) MarshalJSON() ([]byte, error) {
	type alias Command
	return json.Marshal((*alias)(c))
}

// UnmarshalJSON decodes the payload into the concrete type of the command type.
func (c *Command) UnmarshalJSON(data []byte) error {
	type alias Command
	raw := struct {
		*alias
		Payload json.RawMessage `json:"payload,omitempty"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Payload = nil
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return nil
	}
	factory, ok := payloadFactories[c.Type]
	if !ok {
		return fmt.Errorf("unknown command type %q", c.Type)
	}
	payload := factory()
	if err := json.Unmarshal(raw.Payload, payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", c.Type, err)
	}
	c.Payload = payload
	return nil
}

// PayloadAs returns the payload as T.
func PayloadAs[T any](c *Command) (T, error) {
	var zero T
	if c == nil {
		return zero, errors.New("nil command", errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidCommand)
	}
	out, ok := c.Payload.(T)
	if !ok {
		return zero, errors.New(fmt.Sprintf("payload of %s is %T, not %T", c.Type, c.Payload, zero), errors.CategoryValidation).
			WithTextCode(ErrCodeInvalidCommand)
	}
	return out, nil
}

func scopeOf(payload any) (organization, projectID string) {
	switch p := payload.(type) {
	case *model.Organization:
		return p.ID, ""
	case *model.Project:
		return p.Organization, p.ID
	case *model.Component:
		return p.Organization, p.ProjectID
	case *model.ComponentTask:
		return p.Organization, p.ProjectID
	case *model.Schedule:
		return p.Organization, p.ProjectID
	case *model.DeploymentScope:
		return p.Organization, ""
	case *model.User:
		return p.Organization, ""
	case *model.Notification:
		return p.Organization, p.ProjectID
	}
	return "", ""
}

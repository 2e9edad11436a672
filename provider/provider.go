// Package provider declares the collaborators the control plane drives but
// does not implement: cloud deployments, the identity directory, resource
// groups, the task runner, notifications and change broadcasts.
package provider

import (
	"context"

	"github.com/goliatone/go-controlplane/model"
)

// DeploymentRequest starts a template deployment. When the deployment ends
// the service raises CallbackEvent on the CallbackInstance orchestration with
// a DeploymentOutput payload.
type DeploymentRequest struct {
	ID               string         `json:"id"`
	Template         string         `json:"template"`
	ScopeID          string         `json:"scopeId"`
	Region           string         `json:"region"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	CallbackInstance string         `json:"callbackInstance"`
	CallbackEvent    string         `json:"callbackEvent"`
}

type Deployment struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId,omitempty"`
}

// DeploymentOutput is the completion event payload.
type DeploymentOutput struct {
	DeploymentID string         `json:"deploymentId"`
	Succeeded    bool           `json:"succeeded"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Error        string         `json:"error,omitempty"`
}

type DeploymentService interface {
	StartDeployment(ctx context.Context, req DeploymentRequest) (*Deployment, error)
}

type ServicePrincipal struct {
	Name         string `json:"name"`
	TenantID     string `json:"tenantId"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty"`
	ObjectID     string `json:"objectId"`
	PrincipalID  string `json:"principalId"`
}

// DirectoryService manages service principals. CreateServicePrincipal must
// return the existing principal when one with name already exists.
type DirectoryService interface {
	CreateServicePrincipal(ctx context.Context, name string) (*ServicePrincipal, error)
	DeleteServicePrincipal(ctx context.Context, name string) error
}

// ResourceGroups ensures and removes resource groups. EnsureResourceGroup is
// idempotent by name and returns the group's resource id.
type ResourceGroups interface {
	EnsureResourceGroup(ctx context.Context, subscriptionID, name, location string) (string, error)
	DeleteResourceGroup(ctx context.Context, resourceID string) error
}

// ComponentResources provisions what a component needs before tasks run.
type ComponentResources interface {
	EnsureIdentity(ctx context.Context, component *model.Component) (string, error)
	EnsureStorage(ctx context.Context, component *model.Component) (string, error)
}

// TaskRunner executes component task payloads, usually as containers.
type TaskRunner interface {
	// Start launches the task and returns it with ResourceID and Started set.
	Start(ctx context.Context, component *model.Component, task *model.ComponentTask) (*model.ComponentTask, error)
	// Refresh reports the current state, exit code and output of the task.
	Refresh(ctx context.Context, task *model.ComponentTask) (*model.ComponentTask, error)
	// Terminate releases runner side resources once the task is done.
	Terminate(ctx context.Context, task *model.ComponentTask) error
	// Delete removes the task's container immediately.
	Delete(ctx context.Context, task *model.ComponentTask) error
}

type Notifier interface {
	Send(ctx context.Context, n *model.Notification) error
}

// Message is a change notification fanned out to subscribers.
type Message struct {
	Action       string `json:"action"`
	Kind         string `json:"kind"`
	ID           string `json:"id"`
	Organization string `json:"organization,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`
	CommandID    string `json:"commandId"`
	Payload      any    `json:"payload,omitempty"`
}

type Broadcaster interface {
	Broadcast(ctx context.Context, msg Message) error
}

// EventRaiser delivers external events to orchestration instances.
type EventRaiser interface {
	RaiseEvent(ctx context.Context, instanceID, name string, payload any) error
}

// Set bundles every collaborator a handler set needs.
type Set struct {
	Deployments DeploymentService
	Directory   DirectoryService
	Groups      ResourceGroups
	Components  ComponentResources
	Runner      TaskRunner
	Notifier    Notifier
	Broadcaster Broadcaster
}

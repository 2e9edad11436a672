package handlers

import (
	"context"
	"fmt"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/dispatcher"
	"github.com/goliatone/go-controlplane/lock"
	"github.com/goliatone/go-controlplane/model"
	"github.com/goliatone/go-controlplane/orchestration"
	"github.com/goliatone/go-controlplane/provider"
	"github.com/goliatone/go-controlplane/store"
)

// Provider activity names. Document activities are named "<kind>.<verb>".
const (
	ActDeploymentStart        = "deployment.start"
	ActServicePrincipalCreate = "directory.createServicePrincipal"
	ActServicePrincipalDelete = "directory.deleteServicePrincipal"
	ActResourceGroupEnsure    = "resourcegroup.ensure"
	ActResourceGroupDelete    = "resourcegroup.delete"
	ActComponentIdentity      = "component.ensureIdentity"
	ActComponentStorage       = "component.ensureStorage"
	ActTaskStart              = "componenttask.start"
	ActTaskRefresh            = "componenttask.refresh"
	ActTaskTerminate          = "componenttask.terminate"
	ActTaskDeleteContainer    = "componenttask.deleteContainer"
	ActNotificationSend       = "notification.send"
	ActBroadcast              = "broadcast"
)

// ErrCodeDeploymentFailed marks a deployment that completed unsuccessfully.
const ErrCodeDeploymentFailed = "DEPLOYMENT_FAILED"

// GetRequest reads one document. Reads check that the caller holds the
// document's lock unless Unlocked is set.
type GetRequest struct {
	ID       string `json:"id"`
	Unlocked bool   `json:"unlocked,omitempty"`
}

type ListRequest struct {
	Partition      string `json:"partition"`
	IncludeDeleted bool   `json:"includeDeleted,omitempty"`
}

type ResourceGroupRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	Name           string `json:"name"`
	Location       string `json:"location"`
}

type TaskStartRequest struct {
	Component *model.Component     `json:"component"`
	Task      *model.ComponentTask `json:"task"`
}

type none struct{}

// Activities returns every activity keyed by name.
func (h *Handlers) Activities() map[string]orchestration.ActivityFunc {
	acts := make(map[string]orchestration.ActivityFunc)
	merge := func(m map[string]orchestration.ActivityFunc) {
		for name, fn := range m {
			acts[name] = fn
		}
	}
	merge(documentActivities(h.repos.Organizations, h.locks))
	merge(documentActivities(h.repos.Projects, h.locks))
	merge(documentActivities(h.repos.Components, h.locks))
	merge(documentActivities(h.repos.Tasks, h.locks))
	merge(documentActivities(h.repos.Schedules, h.locks))
	merge(documentActivities(h.repos.Users, h.locks))
	merge(documentActivities(h.repos.DeploymentScopes, h.locks))
	merge(documentActivities(h.repos.Identities, h.locks))
	merge(h.providerActivities())
	return acts
}

func documentActivities[T model.Document](repo *store.Repository[T], locks store.LockChecker) map[string]orchestration.ActivityFunc {
	kind := repo.Kind()
	return map[string]orchestration.ActivityFunc{
		kind + ".get": orchestration.Activity(func(ctx context.Context, req GetRequest) (T, error) {
			if !req.Unlocked {
				if err := requireLock(ctx, locks, lock.Key{Type: kind, ID: req.ID}); err != nil {
					var zero T
					return zero, err
				}
			}
			return repo.Get(ctx, req.ID)
		}),
		kind + ".add": orchestration.Activity(func(ctx context.Context, doc T) (T, error) {
			return addOnce(ctx, repo, doc)
		}),
		kind + ".set": orchestration.Activity(func(ctx context.Context, doc T) (T, error) {
			return repo.Set(ctx, doc)
		}),
		kind + ".delete": orchestration.Activity(func(ctx context.Context, doc T) (T, error) {
			return repo.Delete(ctx, doc)
		}),
		kind + ".restore": orchestration.Activity(func(ctx context.Context, doc T) (T, error) {
			return repo.Restore(ctx, doc)
		}),
		kind + ".list": orchestration.Activity(func(ctx context.Context, req ListRequest) ([]T, error) {
			return repo.List(ctx, req.Partition, req.IncludeDeleted)
		}),
	}
}

// addOnce inserts doc. A redelivered insert finds its own document and
// returns it; a clash with a different document stays a conflict.
func addOnce[T model.Document](ctx context.Context, repo *store.Repository[T], doc T) (T, error) {
	stored, err := repo.Add(ctx, doc)
	if err == nil || !store.IsConflict(err) {
		return stored, err
	}
	existing, gerr := repo.Get(ctx, doc.GetID())
	if gerr != nil {
		return stored, err
	}
	return existing, nil
}

func requireLock(ctx context.Context, locks store.LockChecker, key lock.Key) error {
	owner, ok := lock.OwnerFromContext(ctx)
	if ok && locks != nil {
		held, err := locks.IsLockedBy(ctx, owner, key)
		if err != nil {
			return errors.Wrap(err, errors.CategoryExternal, "check lock "+key.String())
		}
		if held {
			return nil
		}
	}
	return errors.New(fmt.Sprintf("read %s without holding its lock", key), errors.CategoryConflict).
		WithTextCode(command.ErrCodeLockNotHeld).
		WithMetadata(map[string]any{"key": key.String(), "owner": owner})
}

func notConfigured(name string) error {
	return command.RetryCancel(nil, name+" is not configured")
}

func (h *Handlers) providerActivities() map[string]orchestration.ActivityFunc {
	p := h.providers
	return map[string]orchestration.ActivityFunc{
		ActDeploymentStart: orchestration.Activity(func(ctx context.Context, req provider.DeploymentRequest) (*provider.Deployment, error) {
			if p.Deployments == nil {
				return nil, notConfigured("deployment service")
			}
			return p.Deployments.StartDeployment(ctx, req)
		}),
		ActServicePrincipalCreate: orchestration.Activity(func(ctx context.Context, name string) (*provider.ServicePrincipal, error) {
			if p.Directory == nil {
				return nil, notConfigured("directory")
			}
			return p.Directory.CreateServicePrincipal(ctx, name)
		}),
		ActServicePrincipalDelete: orchestration.Activity(func(ctx context.Context, name string) (none, error) {
			if p.Directory == nil {
				return none{}, notConfigured("directory")
			}
			return none{}, p.Directory.DeleteServicePrincipal(ctx, name)
		}),
		ActResourceGroupEnsure: orchestration.Activity(func(ctx context.Context, req ResourceGroupRequest) (string, error) {
			if p.Groups == nil {
				return "", notConfigured("resource groups")
			}
			return p.Groups.EnsureResourceGroup(ctx, req.SubscriptionID, req.Name, req.Location)
		}),
		ActResourceGroupDelete: orchestration.Activity(func(ctx context.Context, resourceID string) (none, error) {
			if p.Groups == nil {
				return none{}, notConfigured("resource groups")
			}
			return none{}, p.Groups.DeleteResourceGroup(ctx, resourceID)
		}),
		ActComponentIdentity: orchestration.Activity(func(ctx context.Context, c *model.Component) (string, error) {
			if p.Components == nil {
				return "", notConfigured("component resources")
			}
			return p.Components.EnsureIdentity(ctx, c)
		}),
		ActComponentStorage: orchestration.Activity(func(ctx context.Context, c *model.Component) (string, error) {
			if p.Components == nil {
				return "", notConfigured("component resources")
			}
			return p.Components.EnsureStorage(ctx, c)
		}),
		ActTaskStart: orchestration.Activity(func(ctx context.Context, req TaskStartRequest) (*model.ComponentTask, error) {
			if p.Runner == nil {
				return nil, notConfigured("task runner")
			}
			return p.Runner.Start(ctx, req.Component, req.Task)
		}),
		ActTaskRefresh: orchestration.Activity(func(ctx context.Context, task *model.ComponentTask) (*model.ComponentTask, error) {
			return h.refreshTask(ctx, task)
		}),
		ActTaskTerminate: orchestration.Activity(func(ctx context.Context, task *model.ComponentTask) (none, error) {
			if p.Runner == nil {
				return none{}, notConfigured("task runner")
			}
			return none{}, p.Runner.Terminate(ctx, task)
		}),
		ActTaskDeleteContainer: orchestration.Activity(func(ctx context.Context, task *model.ComponentTask) (none, error) {
			if p.Runner == nil {
				return none{}, notConfigured("task runner")
			}
			return none{}, p.Runner.Delete(ctx, task)
		}),
		ActNotificationSend: orchestration.Activity(func(ctx context.Context, n *model.Notification) (none, error) {
			if p.Notifier == nil {
				return none{}, notConfigured("notifier")
			}
			return none{}, p.Notifier.Send(ctx, n)
		}),
		ActBroadcast: orchestration.Activity(func(ctx context.Context, msg provider.Message) (none, error) {
			if p.Broadcaster == nil {
				return none{}, nil
			}
			return none{}, p.Broadcaster.Broadcast(ctx, msg)
		}),
	}
}

// refreshTask asks the runner for the task's progress and stores it. The
// caller must hold the task lock.
func (h *Handlers) refreshTask(ctx context.Context, task *model.ComponentTask) (*model.ComponentTask, error) {
	if h.providers.Runner == nil {
		return nil, notConfigured("task runner")
	}
	current, err := h.repos.Tasks.Get(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	fresh, err := h.providers.Runner.Refresh(ctx, current)
	if err != nil {
		return nil, err
	}
	current.TaskState = fresh.TaskState
	current.ExitCode = fresh.ExitCode
	current.Output = fresh.Output
	if fresh.ResourceID != "" {
		current.ResourceID = fresh.ResourceID
	}
	return h.repos.Tasks.Set(ctx, current)
}

// Typed helpers over the document activities.

func load[T model.Document](ctx context.Context, s *dispatcher.Scope, kind, id string) (T, error) {
	var out T
	err := s.Call(ctx, kind+".get", GetRequest{ID: id}, &out)
	return out, err
}

func peek[T model.Document](ctx context.Context, s *dispatcher.Scope, kind, id string) (T, error) {
	var out T
	err := s.Call(ctx, kind+".get", GetRequest{ID: id, Unlocked: true}, &out)
	return out, err
}

func insert[T model.Document](ctx context.Context, s *dispatcher.Scope, doc T) (T, error) {
	var out T
	err := s.Call(ctx, doc.Kind()+".add", doc, &out)
	return out, err
}

func save[T model.Document](ctx context.Context, s *dispatcher.Scope, doc T) (T, error) {
	var out T
	err := s.Call(ctx, doc.Kind()+".set", doc, &out)
	return out, err
}

func remove[T model.Document](ctx context.Context, s *dispatcher.Scope, doc T) (T, error) {
	var out T
	err := s.Call(ctx, doc.Kind()+".delete", doc, &out)
	return out, err
}

func restore[T model.Document](ctx context.Context, s *dispatcher.Scope, doc T) (T, error) {
	var out T
	err := s.Call(ctx, doc.Kind()+".restore", doc, &out)
	return out, err
}

func list[T model.Document](ctx context.Context, s *dispatcher.Scope, kind, partition string, includeDeleted bool) ([]T, error) {
	var out []T
	err := s.Call(ctx, kind+".list", ListRequest{Partition: partition, IncludeDeleted: includeDeleted}, &out)
	return out, err
}

func unlock(s *dispatcher.Scope, release func() error) {
	if err := release(); err != nil {
		s.Logger.Warn("release locks of %s: %v", s.Owner(), err)
	}
}

func orgKey(id string) lock.Key       { return lock.Key{Type: model.KindOrganization, ID: id} }
func projectKey(id string) lock.Key   { return lock.Key{Type: model.KindProject, ID: id} }
func componentKey(id string) lock.Key { return lock.Key{Type: model.KindComponent, ID: id} }
func taskKey(id string) lock.Key      { return lock.Key{Type: model.KindComponentTask, ID: id} }

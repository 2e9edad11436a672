// Package handlers implements the command handlers of the control plane and
// the activities they run. Handlers never touch stores or providers
// directly: every side effect is an activity called through the dispatcher
// scope, so orchestrated handlers replay without repeating work.
package handlers

import (
	"time"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/dispatcher"
	"github.com/goliatone/go-controlplane/model"
	"github.com/goliatone/go-controlplane/orchestration"
	"github.com/goliatone/go-controlplane/provider"
	"github.com/goliatone/go-controlplane/store"
)

// Repositories holds one repository per document kind.
type Repositories struct {
	Organizations    *store.Repository[*model.Organization]
	Projects         *store.Repository[*model.Project]
	Components       *store.Repository[*model.Component]
	Tasks            *store.Repository[*model.ComponentTask]
	Schedules        *store.Repository[*model.Schedule]
	Users            *store.Repository[*model.User]
	DeploymentScopes *store.Repository[*model.DeploymentScope]
	Identities       *store.Repository[*model.ProjectIdentity]
}

func NewRepositories(s store.Store, locks store.LockChecker, opts ...store.RepositoryOption) *Repositories {
	return &Repositories{
		Organizations:    store.NewRepository(s, locks, func() *model.Organization { return &model.Organization{} }, opts...),
		Projects:         store.NewRepository(s, locks, func() *model.Project { return &model.Project{} }, opts...),
		Components:       store.NewRepository(s, locks, func() *model.Component { return &model.Component{} }, opts...),
		Tasks:            store.NewRepository(s, locks, func() *model.ComponentTask { return &model.ComponentTask{} }, opts...),
		Schedules:        store.NewRepository(s, locks, func() *model.Schedule { return &model.Schedule{} }, opts...),
		Users:            store.NewRepository(s, locks, func() *model.User { return &model.User{} }, opts...),
		DeploymentScopes: store.NewRepository(s, locks, func() *model.DeploymentScope { return &model.DeploymentScope{} }, opts...),
		Identities:       store.NewRepository(s, locks, func() *model.ProjectIdentity { return &model.ProjectIdentity{} }, opts...),
	}
}

// Timing holds the waits and budgets of the long running workflows.
type Timing struct {
	// PollInterval is the durable timer between two task refreshes.
	PollInterval time.Duration
	// TaskTimeout is measured from the task's creation.
	TaskTimeout time.Duration
	// PollsPerGeneration bounds a task run's history: after that many polls
	// the run continues as new.
	PollsPerGeneration int
	// ParentWait delays a task run whose organization or project is not
	// settled yet.
	ParentWait time.Duration
	// DeployParentWait delays a project deployment whose organization is not
	// settled yet.
	DeployParentWait time.Duration
	// DestroyRetry delays a project destroy while components are active.
	DestroyRetry      time.Duration
	DeploymentTimeout time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		PollInterval:       3 * time.Second,
		TaskTimeout:        30 * time.Minute,
		PollsPerGeneration: 100,
		ParentWait:         10 * time.Second,
		DeployParentWait:   30 * time.Second,
		DestroyRetry:       time.Minute,
		DeploymentTimeout:  30 * time.Minute,
	}
}

// Handlers builds the handler set over repositories and collaborators.
type Handlers struct {
	repos     *Repositories
	providers provider.Set
	locks     store.LockChecker
	logger    command.Logger
	timing    Timing
}

type Option func(*Handlers)

func WithLogger(l command.Logger) Option {
	return func(h *Handlers) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithTiming replaces the default timing. Zero fields keep their default.
func WithTiming(t Timing) Option {
	return func(h *Handlers) {
		d := &h.timing
		if t.PollInterval > 0 {
			d.PollInterval = t.PollInterval
		}
		if t.TaskTimeout > 0 {
			d.TaskTimeout = t.TaskTimeout
		}
		if t.PollsPerGeneration > 0 {
			d.PollsPerGeneration = t.PollsPerGeneration
		}
		if t.ParentWait > 0 {
			d.ParentWait = t.ParentWait
		}
		if t.DeployParentWait > 0 {
			d.DeployParentWait = t.DeployParentWait
		}
		if t.DestroyRetry > 0 {
			d.DestroyRetry = t.DestroyRetry
		}
		if t.DeploymentTimeout > 0 {
			d.DeploymentTimeout = t.DeploymentTimeout
		}
	}
}

func New(repos *Repositories, providers provider.Set, locks store.LockChecker, opts ...Option) *Handlers {
	h := &Handlers{
		repos:     repos,
		providers: providers,
		locks:     locks,
		logger:    command.NewFmtLogger(nil),
		timing:    DefaultTiming(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *Handlers) Timing() Timing { return h.timing }

// RegisterActivities registers every activity the handlers call.
func (h *Handlers) RegisterActivities(e *orchestration.Engine) {
	for name, fn := range h.Activities() {
		e.RegisterActivity(name, fn)
	}
}

// Register adds every handler to r.
func (h *Handlers) Register(r *dispatcher.Registry) error {
	for _, hd := range h.Handlers() {
		if err := r.Register(hd); err != nil {
			return err
		}
	}
	return nil
}

// Handlers lists the domain handlers followed by the broadcast handler.
func (h *Handlers) Handlers() []dispatcher.Handler {
	return []dispatcher.Handler{
		dispatcher.NewHandler("organization.create", h.organizationCreate, command.TypeOrganizationCreate),
		dispatcher.NewOrchestration("organization.update", h.organizationUpdate, command.TypeOrganizationUpdate),
		dispatcher.NewOrchestration("organization.delete", h.organizationDelete, command.TypeOrganizationDelete),
		dispatcher.NewOrchestration("organization.deploy", h.organizationDeploy, command.TypeOrganizationDeploy),

		dispatcher.NewHandler("project.create", h.projectCreate, command.TypeProjectCreate),
		dispatcher.NewOrchestration("project.update", h.projectUpdate, command.TypeProjectUpdate),
		dispatcher.NewOrchestration("project.delete", h.projectDelete, command.TypeProjectDelete),
		dispatcher.NewOrchestration("project.deploy", h.projectDeploy, command.TypeProjectDeploy),
		dispatcher.NewOrchestration("project.destroy", h.projectDestroy, command.TypeProjectDestroy),

		dispatcher.NewHandler("component.create", h.componentCreate, command.TypeComponentCreate),
		dispatcher.NewOrchestration("component.update", h.componentUpdate, command.TypeComponentUpdate),
		dispatcher.NewOrchestration("component.delete", h.componentDelete, command.TypeComponentDelete),

		dispatcher.NewHandler("componenttask.create", h.componentTaskCreate, command.TypeComponentTaskCreate),
		dispatcher.NewOrchestration("componenttask.run", h.componentTaskRun, command.TypeComponentTaskRun),
		dispatcher.NewHandler("componenttask.cancel", h.componentTaskCancel, command.TypeComponentTaskCancel),

		dispatcher.NewHandler("schedule.create", h.scheduleCreate, command.TypeScheduleCreate),
		dispatcher.NewHandler("schedule.update", h.scheduleUpdate, command.TypeScheduleUpdate),
		dispatcher.NewHandler("schedule.delete", h.scheduleDelete, command.TypeScheduleDelete),
		dispatcher.NewOrchestration("schedule.run", h.scheduleRun, command.TypeScheduleRun),

		dispatcher.NewHandler("deploymentscope.create", h.deploymentScopeCreate, command.TypeDeploymentScopeCreate),
		dispatcher.NewHandler("deploymentscope.update", h.deploymentScopeUpdate, command.TypeDeploymentScopeUpdate),
		dispatcher.NewHandler("deploymentscope.delete", h.deploymentScopeDelete, command.TypeDeploymentScopeDelete),

		dispatcher.NewHandler("user.create", h.userCreate, command.TypeUserCreate),
		dispatcher.NewHandler("user.update", h.userUpdate, command.TypeUserUpdate),
		dispatcher.NewHandler("user.delete", h.userDelete, command.TypeUserDelete),

		dispatcher.NewHandler("notification.send", h.notificationSend, command.TypeNotificationSend),

		dispatcher.NewHandler("broadcast", h.broadcast, BroadcastTypes()...),
	}
}

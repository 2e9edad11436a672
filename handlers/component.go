package handlers

import (
	"context"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/dispatcher"
	"github.com/goliatone/go-controlplane/model"
)

func (h *Handlers) componentCreate(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	component, err := command.PayloadAs[*model.Component](cmd)
	if err != nil {
		return err
	}
	if component.ResourceState == "" {
		component.ResourceState = model.ResourceStatePending
	}
	if component.Creator == "" && cmd.User != nil {
		component.Creator = cmd.User.ID
	}
	stored, err := insert(ctx, s, component)
	if err != nil {
		return err
	}
	s.Result.SetResult(stored)
	return s.Enqueue(ctx, s.NewCommand(command.TypeComponentTaskCreate, h.lifecycleTask(cmd, s, stored, model.ComponentTaskTypeCreate)))
}

func (h *Handlers) lifecycleTask(cmd *command.Command, s *dispatcher.Scope, c *model.Component, t model.ComponentTaskType) *model.ComponentTask {
	task := &model.ComponentTask{
		ID:           s.NewID(),
		Organization: c.Organization,
		ProjectID:    c.ProjectID,
		ComponentID:  c.ID,
		Type:         t,
		TypeName:     string(t),
		InputJSON:    c.InputJSON,
		TaskState:    model.TaskStatePending,
	}
	if cmd.User != nil {
		task.RequestedBy = cmd.User.ID
	}
	return task
}

func (h *Handlers) componentUpdate(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	component, err := command.PayloadAs[*model.Component](cmd)
	if err != nil {
		return err
	}
	release, err := s.Lock(ctx, projectKey(component.ProjectID), componentKey(component.ID))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	current, err := load[*model.Component](ctx, s, model.KindComponent, component.ID)
	if err != nil {
		return err
	}
	current.DisplayName = component.DisplayName
	current.InputJSON = component.InputJSON
	current.ValueJSON = component.ValueJSON
	current.DeploymentScopeID = component.DeploymentScopeID
	updated, err := save(ctx, s, current)
	if err != nil {
		return err
	}
	s.Result.SetResult(updated)
	return nil
}

func (h *Handlers) componentDelete(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	component, err := command.PayloadAs[*model.Component](cmd)
	if err != nil {
		return err
	}
	release, err := s.Lock(ctx, projectKey(component.ProjectID), componentKey(component.ID))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	current, err := load[*model.Component](ctx, s, model.KindComponent, component.ID)
	if err != nil {
		return err
	}
	if current.IsDeleted() {
		s.Result.SetResult(current)
		return nil
	}
	current.ResourceState = model.ResourceStateDeprovisioning
	if current, err = remove(ctx, s, current); err != nil {
		return err
	}
	s.Result.SetResult(current)
	return s.Enqueue(ctx, s.NewCommand(command.TypeComponentTaskCreate, h.lifecycleTask(cmd, s, current, model.ComponentTaskTypeDelete)))
}

package handlers

import (
	"context"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/dispatcher"
	"github.com/goliatone/go-controlplane/lock"
	"github.com/goliatone/go-controlplane/model"
)

// Deployment scopes and users have no provisioning lifecycle: their
// handlers are plain locked writes.

func (h *Handlers) deploymentScopeCreate(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	scope, err := command.PayloadAs[*model.DeploymentScope](cmd)
	if err != nil {
		return err
	}
	stored, err := insert(ctx, s, scope)
	if err != nil {
		return err
	}
	s.Result.SetResult(stored)
	return nil
}

func (h *Handlers) deploymentScopeUpdate(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	scope, err := command.PayloadAs[*model.DeploymentScope](cmd)
	if err != nil {
		return err
	}
	return lockedUpdate(ctx, s, scope, func(current *model.DeploymentScope) {
		current.DisplayName = scope.DisplayName
		current.Type = scope.Type
		current.ManagementGroupID = scope.ManagementGroupID
		current.SubscriptionIDs = scope.SubscriptionIDs
		current.IsDefault = scope.IsDefault
	})
}

func (h *Handlers) deploymentScopeDelete(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	scope, err := command.PayloadAs[*model.DeploymentScope](cmd)
	if err != nil {
		return err
	}
	return lockedDelete(ctx, s, scope)
}

func (h *Handlers) userCreate(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	user, err := command.PayloadAs[*model.User](cmd)
	if err != nil {
		return err
	}
	stored, err := insert(ctx, s, user)
	if err != nil {
		return err
	}
	s.Result.SetResult(stored)
	return nil
}

func (h *Handlers) userUpdate(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	user, err := command.PayloadAs[*model.User](cmd)
	if err != nil {
		return err
	}
	return lockedUpdate(ctx, s, user, func(current *model.User) {
		current.DisplayName = user.DisplayName
		current.Email = user.Email
		current.Role = user.Role
		current.ProjectMemberships = user.ProjectMemberships
	})
}

func (h *Handlers) userDelete(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	user, err := command.PayloadAs[*model.User](cmd)
	if err != nil {
		return err
	}
	return lockedDelete(ctx, s, user)
}

func lockedUpdate[T model.Document](ctx context.Context, s *dispatcher.Scope, doc T, apply func(current T)) error {
	release, err := s.Lock(ctx, lock.KeyOf(doc))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	current, err := load[T](ctx, s, doc.Kind(), doc.GetID())
	if err != nil {
		return err
	}
	apply(current)
	updated, err := save(ctx, s, current)
	if err != nil {
		return err
	}
	s.Result.SetResult(updated)
	return nil
}

func lockedDelete[T interface {
	model.Document
	IsDeleted() bool
}](ctx context.Context, s *dispatcher.Scope, doc T) error {
	release, err := s.Lock(ctx, lock.KeyOf(doc))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	current, err := load[T](ctx, s, doc.Kind(), doc.GetID())
	if err != nil {
		return err
	}
	if !current.IsDeleted() {
		if current, err = remove(ctx, s, current); err != nil {
			return err
		}
	}
	s.Result.SetResult(current)
	return nil
}

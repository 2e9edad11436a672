package handlers

import (
	"context"
	"fmt"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/dispatcher"
	"github.com/goliatone/go-controlplane/model"
	"github.com/goliatone/go-controlplane/orchestration"
	"github.com/goliatone/go-controlplane/provider"
)

func (h *Handlers) projectCreate(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	project, err := command.PayloadAs[*model.Project](cmd)
	if err != nil {
		return err
	}
	if project.ResourceState == "" {
		project.ResourceState = model.ResourceStatePending
	}
	stored, err := insert(ctx, s, project)
	if err != nil {
		return err
	}
	s.Result.SetResult(stored)

	if err := s.Enqueue(ctx, s.NewCommand(command.TypeProjectDeploy, stored)); err != nil {
		return err
	}
	if n := projectCreatedNotification(cmd, stored); n != nil {
		// the project exists either way; a lost notification is a warning
		if err := s.Enqueue(ctx, s.NewCommand(command.TypeNotificationSend, n)); err != nil {
			s.Logger.Warn("enqueue notification for project %s: %v", stored.ID, err)
			s.Result.AddWarning(err)
		}
	}
	return nil
}

func projectCreatedNotification(cmd *command.Command, p *model.Project) *model.Notification {
	if cmd.User == nil || cmd.User.Email == "" {
		return nil
	}
	return &model.Notification{
		Organization: p.Organization,
		ProjectID:    p.ID,
		Recipients:   []string{cmd.User.Email},
		Subject:      fmt.Sprintf("Project %s created", nameOf(p.DisplayName, p.ID)),
		Body:         fmt.Sprintf("Project %s was created and is being provisioned.", nameOf(p.DisplayName, p.ID)),
	}
}

func (h *Handlers) projectUpdate(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	project, err := command.PayloadAs[*model.Project](cmd)
	if err != nil {
		return err
	}
	release, err := s.Lock(ctx, orgKey(project.Organization), projectKey(project.ID))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	current, err := load[*model.Project](ctx, s, model.KindProject, project.ID)
	if err != nil {
		return err
	}
	current.DisplayName = project.DisplayName
	current.Slug = project.Slug
	current.Tags = project.Tags
	current.TemplateInput = project.TemplateInput
	updated, err := save(ctx, s, current)
	if err != nil {
		return err
	}
	s.Result.SetResult(updated)
	return nil
}

// projectDelete marks the project deleted and fans the teardown out: one
// ComponentDelete per live component and one ProjectDestroy that waits for
// them.
func (h *Handlers) projectDelete(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	project, err := command.PayloadAs[*model.Project](cmd)
	if err != nil {
		return err
	}
	release, err := s.Lock(ctx, projectKey(project.ID))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	current, err := load[*model.Project](ctx, s, model.KindProject, project.ID)
	if err != nil {
		return err
	}
	if !current.IsDeleted() {
		if current, err = remove(ctx, s, current); err != nil {
			return err
		}
	}

	components, err := list[*model.Component](ctx, s, model.KindComponent, current.ID, false)
	if err != nil {
		return err
	}
	for _, c := range components {
		if err := s.Enqueue(ctx, s.NewCommand(command.TypeComponentDelete, c)); err != nil {
			return err
		}
	}
	if err := s.Enqueue(ctx, s.NewCommand(command.TypeProjectDestroy, current)); err != nil {
		return err
	}
	s.Result.SetResult(current)
	return nil
}

func (h *Handlers) projectDeploy(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	project, err := command.PayloadAs[*model.Project](cmd)
	if err != nil {
		return err
	}
	release, err := s.Lock(ctx, orgKey(project.Organization), projectKey(project.ID))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	org, err := load[*model.Organization](ctx, s, model.KindOrganization, project.Organization)
	if err != nil {
		return err
	}
	current, err := load[*model.Project](ctx, s, model.KindProject, project.ID)
	if err != nil {
		return err
	}
	switch {
	case org.ResourceState == model.ResourceStateFailed:
		return h.failResource(ctx, s, current,
			command.RetryCancel(nil, fmt.Sprintf("organization %s failed to provision", org.ID)))
	case !org.ResourceState.IsFinal():
		if err := release(); err != nil {
			return err
		}
		return s.ContinueAsNew(cmd, h.timing.DeployParentWait)
	}

	current.ResourceState = model.ResourceStateProvisioning
	if current, err = save(ctx, s, current); err != nil {
		return err
	}

	identity, err := h.ensureProjectIdentity(ctx, s, current)
	if err != nil {
		return h.failResource(ctx, s, current, err)
	}
	var group string
	err = s.Call(ctx, ActResourceGroupEnsure, ResourceGroupRequest{
		SubscriptionID: org.SubscriptionID,
		Name:           "project-" + nameOf(current.Slug, current.ID),
		Location:       org.Location,
	}, &group)
	if err != nil {
		return h.failResource(ctx, s, current, err)
	}
	if _, err := h.deploy(ctx, s, provider.DeploymentRequest{
		Template: nameOf(current.Template, "project"),
		ScopeID:  group,
		Region:   org.Location,
		Parameters: map[string]any{
			"projectId":     current.ID,
			"clientId":      identity.ClientID,
			"templateInput": current.TemplateInput,
		},
	}); err != nil {
		return h.failResource(ctx, s, current, err)
	}

	current.ResourceID = group
	current.ResourceState = model.ResourceStateProvisioned
	if current, err = save(ctx, s, current); err != nil {
		return err
	}
	s.Result.SetResult(current)
	return nil
}

func (h *Handlers) ensureProjectIdentity(ctx context.Context, s *dispatcher.Scope, p *model.Project) (*model.ProjectIdentity, error) {
	var sp provider.ServicePrincipal
	if err := s.Call(ctx, ActServicePrincipalCreate, principalName(p), &sp); err != nil {
		return nil, err
	}
	return insert(ctx, s, &model.ProjectIdentity{
		ID:           p.ID,
		Organization: p.Organization,
		ProjectID:    p.ID,
		DisplayName:  sp.Name,
		TenantID:     sp.TenantID,
		ClientID:     sp.ClientID,
		ClientSecret: sp.ClientSecret,
		PrincipalID:  sp.PrincipalID,
		ObjectID:     sp.ObjectID,
	})
}

func principalName(p *model.Project) string { return "project-" + p.ID }

// projectDestroy tears a deleted project down once all of its components are
// deprovisioned. It polls through continue-as-new while components are
// still active.
func (h *Handlers) projectDestroy(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	project, err := command.PayloadAs[*model.Project](cmd)
	if err != nil {
		return err
	}
	release, err := s.Lock(ctx, projectKey(project.ID))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	current, err := load[*model.Project](ctx, s, model.KindProject, project.ID)
	if err != nil {
		return err
	}
	if current.ResourceState == model.ResourceStateDeprovisioned {
		s.Result.SetResult(current)
		return nil
	}
	if !current.IsDeleted() {
		return command.RetryCancel(nil, "project "+current.ID+" is not deleted")
	}

	err = h.destroyProject(ctx, cmd, s, current, release)
	switch {
	case err == nil, orchestration.IsContinueAsNew(err), command.HasCode(err, errCodeDestroyAborted):
		return err
	}
	latest, lerr := load[*model.Project](ctx, s, model.KindProject, project.ID)
	if lerr != nil {
		s.Logger.Error("reload project %s after failed destroy: %v", project.ID, lerr)
		return err
	}
	latest.ResourceState = model.ResourceStateFailed
	if _, rerr := restore(ctx, s, latest); rerr != nil {
		s.Logger.Error("restore project %s after failed destroy: %v", project.ID, rerr)
	}
	return err
}

const errCodeDestroyAborted = "DESTROY_ABORTED"

func (h *Handlers) destroyProject(ctx context.Context, cmd *command.Command, s *dispatcher.Scope, p *model.Project, release func() error) error {
	var err error
	if p.IsDeleted() && p.ResourceState != model.ResourceStateDeprovisioning {
		p.ResourceState = model.ResourceStateDeprovisioning
		if p, err = save(ctx, s, p); err != nil {
			return err
		}
	}

	components, err := list[*model.Component](ctx, s, model.KindComponent, p.ID, true)
	if err != nil {
		return err
	}
	for _, c := range components {
		// a live component still has a ComponentDelete in flight
		if !c.ResourceState.IsFinal() || !c.IsDeleted() {
			if err := release(); err != nil {
				return err
			}
			return s.ContinueAsNew(cmd, h.timing.DestroyRetry)
		}
	}
	for _, c := range components {
		if c.ResourceState != model.ResourceStateDeprovisioned {
			p.ResourceState = model.ResourceStateProvisioned
			if _, err := restore(ctx, s, p); err != nil {
				return err
			}
			return command.RetryCancel(nil, fmt.Sprintf("component %s ended %s, destroy of project %s aborted", c.ID, c.ResourceState, p.ID)).
				WithTextCode(errCodeDestroyAborted).
				WithMetadata(map[string]any{"component_id": c.ID, "project_id": p.ID})
		}
	}

	if p.ResourceID != "" {
		if err := s.Call(ctx, ActResourceGroupDelete, p.ResourceID, nil); err != nil {
			return err
		}
	}
	if err := s.Call(ctx, ActServicePrincipalDelete, principalName(p), nil); err != nil {
		return err
	}
	p.ResourceState = model.ResourceStateDeprovisioned
	if p, err = save(ctx, s, p); err != nil {
		return err
	}
	s.Result.SetResult(p)
	return nil
}

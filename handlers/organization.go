package handlers

import (
	"context"
	"encoding/json"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/dispatcher"
	"github.com/goliatone/go-controlplane/model"
	"github.com/goliatone/go-controlplane/provider"
)

func (h *Handlers) organizationCreate(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	org, err := command.PayloadAs[*model.Organization](cmd)
	if err != nil {
		return err
	}
	if org.ResourceState == "" {
		org.ResourceState = model.ResourceStatePending
	}
	stored, err := insert(ctx, s, org)
	if err != nil {
		return err
	}
	s.Result.SetResult(stored)
	return s.Enqueue(ctx, s.NewCommand(command.TypeOrganizationDeploy, stored))
}

func (h *Handlers) organizationUpdate(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	org, err := command.PayloadAs[*model.Organization](cmd)
	if err != nil {
		return err
	}
	release, err := s.Lock(ctx, orgKey(org.ID))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	current, err := load[*model.Organization](ctx, s, model.KindOrganization, org.ID)
	if err != nil {
		return err
	}
	current.DisplayName = org.DisplayName
	current.Slug = org.Slug
	current.Tags = org.Tags
	if org.Location != "" {
		current.Location = org.Location
	}
	updated, err := save(ctx, s, current)
	if err != nil {
		return err
	}
	s.Result.SetResult(updated)
	return nil
}

func (h *Handlers) organizationDelete(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	org, err := command.PayloadAs[*model.Organization](cmd)
	if err != nil {
		return err
	}
	release, err := s.Lock(ctx, orgKey(org.ID))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	current, err := load[*model.Organization](ctx, s, model.KindOrganization, org.ID)
	if err != nil {
		return err
	}
	if current.IsDeleted() && current.ResourceState == model.ResourceStateDeprovisioned {
		s.Result.SetResult(current)
		return nil
	}

	current.ResourceState = model.ResourceStateDeprovisioning
	if current, err = save(ctx, s, current); err != nil {
		return err
	}
	if current.ResourceID != "" {
		if err := s.Call(ctx, ActResourceGroupDelete, current.ResourceID, nil); err != nil {
			return h.failResource(ctx, s, current, err)
		}
	}
	current.ResourceState = model.ResourceStateDeprovisioned
	deleted, err := remove(ctx, s, current)
	if err != nil {
		return err
	}
	s.Result.SetResult(deleted)
	return nil
}

func (h *Handlers) organizationDeploy(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	org, err := command.PayloadAs[*model.Organization](cmd)
	if err != nil {
		return err
	}
	release, err := s.Lock(ctx, orgKey(org.ID))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	current, err := load[*model.Organization](ctx, s, model.KindOrganization, org.ID)
	if err != nil {
		return err
	}
	current.ResourceState = model.ResourceStateProvisioning
	if current, err = save(ctx, s, current); err != nil {
		return err
	}

	var group string
	err = s.Call(ctx, ActResourceGroupEnsure, ResourceGroupRequest{
		SubscriptionID: current.SubscriptionID,
		Name:           "org-" + nameOf(current.Slug, current.ID),
		Location:       current.Location,
	}, &group)
	if err != nil {
		return h.failResource(ctx, s, current, err)
	}
	if _, err := h.deploy(ctx, s, provider.DeploymentRequest{
		Template: "organization",
		ScopeID:  group,
		Region:   current.Location,
		Parameters: map[string]any{
			"organizationId": current.ID,
			"tenant":         current.Tenant,
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

// deploy starts a deployment that reports back to the calling instance and
// waits for its completion event.
func (h *Handlers) deploy(ctx context.Context, s *dispatcher.Scope, req provider.DeploymentRequest) (provider.DeploymentOutput, error) {
	var out provider.DeploymentOutput
	if s.Orchestration == nil {
		return out, errors.New("deployments wait on an orchestration", errors.CategoryHandler)
	}
	req.ID = s.NewID()
	req.CallbackInstance = s.Owner()
	req.CallbackEvent = "deployment-" + req.ID
	if err := s.Call(ctx, ActDeploymentStart, req, nil); err != nil {
		return out, err
	}
	raw, err := s.Orchestration.WaitForExternalEvent(req.CallbackEvent, h.timing.DeploymentTimeout)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errors.Wrap(err, errors.CategoryHandler, "decode output of deployment "+req.ID)
	}
	if !out.Succeeded {
		return out, errors.New("deployment "+req.ID+" failed: "+out.Error, errors.CategoryExternal).
			WithTextCode(ErrCodeDeploymentFailed).
			WithMetadata(map[string]any{"deployment_id": req.ID, "template": req.Template})
	}
	return out, nil
}

// failResource marks doc Failed and returns cause. The write is best effort:
// the caller's error is what the command reports.
func (h *Handlers) failResource(ctx context.Context, s *dispatcher.Scope, doc interface {
	model.Document
	model.HasResourceState
}, cause error) error {
	doc.SetResourceState(model.ResourceStateFailed)
	var out json.RawMessage
	if err := s.Call(ctx, doc.Kind()+".set", doc, &out); err != nil {
		s.Logger.Error("mark %s %s failed: %v", doc.Kind(), doc.GetID(), err)
	}
	return cause
}

func nameOf(slug, id string) string {
	if slug != "" {
		return slug
	}
	return id
}

package handlers

import (
	"context"
	"strings"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/dispatcher"
	"github.com/goliatone/go-controlplane/model"
	"github.com/goliatone/go-controlplane/provider"
)

var broadcastActions = []string{"Create", "Update", "Delete"}

// BroadcastTypes lists the command types whose changes are fanned out to
// subscribers.
func BroadcastTypes() []command.Type {
	var out []command.Type
	for _, t := range command.Types() {
		if _, _, ok := changeOf(t); ok {
			out = append(out, t)
		}
	}
	return out
}

// changeOf splits "ProjectCreate" into action "create" and kind "project".
func changeOf(t command.Type) (action, kind string, ok bool) {
	for _, a := range broadcastActions {
		if name, found := strings.CutSuffix(string(t), a); found && name != "" {
			return strings.ToLower(a), strings.ToLower(name), true
		}
	}
	return "", "", false
}

func (h *Handlers) notificationSend(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	n, err := command.PayloadAs[*model.Notification](cmd)
	if err != nil {
		return err
	}
	return s.Call(ctx, ActNotificationSend, n, nil)
}

// broadcast publishes the change a command requests. A failed broadcast does
// not fail the command.
func (h *Handlers) broadcast(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	action, kind, ok := changeOf(cmd.Type)
	if !ok {
		return nil
	}
	msg := provider.Message{
		Action:       action,
		Kind:         kind,
		Organization: cmd.Organization,
		ProjectID:    cmd.ProjectID,
		CommandID:    cmd.ID,
		Payload:      cmd.Payload,
	}
	if doc, ok := cmd.Payload.(model.HasID); ok {
		msg.ID = doc.GetID()
	}
	if err := s.Call(ctx, ActBroadcast, msg, nil); err != nil {
		s.Logger.Warn("broadcast %s %s: %v", action, kind, err)
		s.Result.AddWarning(err)
	}
	return nil
}

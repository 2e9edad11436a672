package handlers

import (
	"context"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/dispatcher"
	"github.com/goliatone/go-controlplane/lock"
	"github.com/goliatone/go-controlplane/model"
)

func scheduleKey(id string) lock.Key { return lock.Key{Type: model.KindSchedule, ID: id} }

func (h *Handlers) scheduleCreate(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	sch, err := command.PayloadAs[*model.Schedule](cmd)
	if err != nil {
		return err
	}
	if sch.Creator == "" && cmd.User != nil {
		sch.Creator = cmd.User.ID
	}
	stored, err := insert(ctx, s, sch)
	if err != nil {
		return err
	}
	s.Result.SetResult(stored)
	return nil
}

func (h *Handlers) scheduleUpdate(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	sch, err := command.PayloadAs[*model.Schedule](cmd)
	if err != nil {
		return err
	}
	release, err := s.Lock(ctx, scheduleKey(sch.ID))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	current, err := load[*model.Schedule](ctx, s, model.KindSchedule, sch.ID)
	if err != nil {
		return err
	}
	current.Enabled = sch.Enabled
	current.Recurring = sch.Recurring
	current.DaysOfWeek = sch.DaysOfWeek
	current.UTCHour = sch.UTCHour
	current.UTCMinute = sch.UTCMinute
	current.ComponentTasks = sch.ComponentTasks
	if cmd.User != nil {
		current.LastUpdatedBy = cmd.User.ID
	}
	updated, err := save(ctx, s, current)
	if err != nil {
		return err
	}
	s.Result.SetResult(updated)
	return nil
}

func (h *Handlers) scheduleDelete(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	sch, err := command.PayloadAs[*model.Schedule](cmd)
	if err != nil {
		return err
	}
	release, err := s.Lock(ctx, scheduleKey(sch.ID))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	current, err := load[*model.Schedule](ctx, s, model.KindSchedule, sch.ID)
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

// scheduleRun creates one custom task per referenced template and stamps
// the schedule's last run.
func (h *Handlers) scheduleRun(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	sch, err := command.PayloadAs[*model.Schedule](cmd)
	if err != nil {
		return err
	}
	release, err := s.Lock(ctx, scheduleKey(sch.ID))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	current, err := load[*model.Schedule](ctx, s, model.KindSchedule, sch.ID)
	if err != nil {
		return err
	}
	requestedBy := current.Creator
	if cmd.User != nil {
		requestedBy = cmd.User.ID
	}
	for _, ref := range current.ComponentTasks {
		task := &model.ComponentTask{
			ID:           s.NewID(),
			Organization: current.Organization,
			ProjectID:    current.ProjectID,
			ComponentID:  ref.ComponentID,
			ScheduleID:   current.ID,
			RequestedBy:  requestedBy,
			Type:         model.ComponentTaskTypeCustom,
			TypeName:     ref.ComponentTaskTemplateID,
			TaskState:    model.TaskStatePending,
		}
		if err := s.Enqueue(ctx, s.NewCommand(command.TypeComponentTaskCreate, task)); err != nil {
			return err
		}
	}

	now := s.Now()
	current.LastRun = &now
	if !current.Recurring {
		current.Enabled = false
	}
	if current, err = save(ctx, s, current); err != nil {
		return err
	}
	s.Result.SetResult(current)
	return nil
}

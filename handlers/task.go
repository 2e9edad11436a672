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
)

func (h *Handlers) componentTaskCreate(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	task, err := command.PayloadAs[*model.ComponentTask](cmd)
	if err != nil {
		return err
	}
	if task.TaskState == "" {
		task.TaskState = model.TaskStatePending
	}
	if task.RequestedBy == "" && cmd.User != nil {
		task.RequestedBy = cmd.User.ID
	}
	stored, err := insert(ctx, s, task)
	if err != nil {
		return err
	}
	s.Result.SetResult(stored)
	// the run's instance id is the task id
	return s.Enqueue(ctx, s.NewCommandWithID(stored.ID, command.TypeComponentTaskRun, stored))
}

// componentTaskRun drives one task from Pending to a final state. Parents
// are checked first, the component is prepared and the task started under
// the component and task locks, then the runner is polled on a durable
// timer until the task finishes or times out.
func (h *Handlers) componentTaskRun(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	ref, err := command.PayloadAs[*model.ComponentTask](cmd)
	if err != nil {
		return err
	}

	settled, err := h.parentsSettled(ctx, s, ref)
	if err != nil {
		return err
	}
	if !settled {
		return s.ContinueAsNew(cmd, h.timing.ParentWait)
	}

	task, err := h.runTask(ctx, cmd, s, ref)
	if orchestration.IsContinueAsNew(err) {
		return err
	}
	if task == nil {
		task = ref
	}
	if terr := s.Call(ctx, ActTaskTerminate, task, nil); terr != nil {
		s.Logger.Warn("terminate task %s: %v", task.ID, terr)
		if err == nil {
			s.Result.AddWarning(terr)
		}
	}
	return err
}

// parentsSettled reports whether organization and project reached a final
// state. A failed parent fails the task.
func (h *Handlers) parentsSettled(ctx context.Context, s *dispatcher.Scope, ref *model.ComponentTask) (bool, error) {
	release, err := s.Lock(ctx, orgKey(ref.Organization), projectKey(ref.ProjectID))
	if err != nil {
		return false, err
	}
	defer unlock(s, release)

	org, err := load[*model.Organization](ctx, s, model.KindOrganization, ref.Organization)
	if err != nil {
		return false, err
	}
	project, err := load[*model.Project](ctx, s, model.KindProject, ref.ProjectID)
	if err != nil {
		return false, err
	}
	if org.ResourceState == model.ResourceStateFailed || project.ResourceState == model.ResourceStateFailed {
		cause := command.RetryCancel(nil, fmt.Sprintf("organization %s is %s and project %s is %s",
			org.ID, org.ResourceState, project.ID, project.ResourceState))
		if err := release(); err != nil {
			return false, err
		}
		return false, h.failTask(ctx, s, ref.ID, cause)
	}
	return org.ResourceState.IsFinal() && project.ResourceState.IsFinal(), nil
}

// failTask marks the task Failed under its lock and returns cause.
func (h *Handlers) failTask(ctx context.Context, s *dispatcher.Scope, taskID string, cause error) error {
	release, err := s.Lock(ctx, taskKey(taskID))
	if err != nil {
		return errors.Join(cause, err)
	}
	defer unlock(s, release)
	task, err := load[*model.ComponentTask](ctx, s, model.KindComponentTask, taskID)
	if err != nil {
		return errors.Join(cause, err)
	}
	if task.TaskState.IsFinal() {
		return cause
	}
	now := s.Now()
	task.TaskState = model.TaskStateFailed
	task.Finished = &now
	if task, err = save(ctx, s, task); err != nil {
		s.Logger.Error("mark task %s failed: %v", taskID, err)
	}
	s.Result.SetResult(task)
	return cause
}

func (h *Handlers) runTask(ctx context.Context, cmd *command.Command, s *dispatcher.Scope, ref *model.ComponentTask) (*model.ComponentTask, error) {
	release, err := s.Lock(ctx, componentKey(ref.ComponentID), taskKey(ref.ID))
	if err != nil {
		return nil, err
	}
	task, err := load[*model.ComponentTask](ctx, s, model.KindComponentTask, ref.ID)
	if err != nil {
		unlock(s, release)
		return nil, err
	}
	if task.TaskState.IsFinal() {
		unlock(s, release)
		s.Result.SetResult(task)
		return task, nil
	}
	if task.TaskState == model.TaskStatePending || task.TaskState == model.TaskStateInitializing {
		if task, err = h.startTask(ctx, s, task); err != nil {
			unlock(s, release)
			return task, err
		}
	}
	if err := release(); err != nil {
		return task, err
	}

	if task, err = h.pollTask(ctx, cmd, s, task); err != nil {
		return task, err
	}
	return h.finishTask(ctx, s, task)
}

// startTask prepares the component and launches the task. The caller holds
// the component and task locks.
func (h *Handlers) startTask(ctx context.Context, s *dispatcher.Scope, task *model.ComponentTask) (*model.ComponentTask, error) {
	component, err := load[*model.Component](ctx, s, model.KindComponent, task.ComponentID)
	if err != nil {
		return task, err
	}
	task.TaskState = model.TaskStateInitializing
	if task, err = save(ctx, s, task); err != nil {
		return task, err
	}

	if component, err = h.prepareComponent(ctx, s, component, task); err != nil {
		return task, h.failStartedTask(ctx, s, task, err)
	}

	task.TaskState = model.TaskStateProvisioning
	if task, err = save(ctx, s, task); err != nil {
		return task, err
	}
	var started model.ComponentTask
	if err := s.Call(ctx, ActTaskStart, TaskStartRequest{Component: component, Task: task}, &started); err != nil {
		return task, h.failStartedTask(ctx, s, task, err)
	}
	task.ResourceID = started.ResourceID
	task.Started = started.Started
	if task.Started == nil {
		now := s.Now()
		task.Started = &now
	}
	return save(ctx, s, task)
}

// prepareComponent brings the component into the state the task needs and
// always queues a ComponentUpdate so listeners observe the outcome.
func (h *Handlers) prepareComponent(ctx context.Context, s *dispatcher.Scope, c *model.Component, task *model.ComponentTask) (*model.Component, error) {
	var err error
	switch {
	case task.Type == model.ComponentTaskTypeDelete:
		if c.ResourceState != model.ResourceStateDeprovisioning {
			c.ResourceState = model.ResourceStateDeprovisioning
			c, err = save(ctx, s, c)
		}
	case c.ResourceState != model.ResourceStateSucceeded:
		c, err = h.provisionComponent(ctx, s, c)
	}
	if c != nil {
		if qerr := s.Enqueue(ctx, s.NewCommand(command.TypeComponentUpdate, c)); qerr != nil {
			s.Logger.Warn("enqueue update of component %s: %v", c.ID, qerr)
			s.Result.AddWarning(qerr)
		}
	}
	return c, err
}

func (h *Handlers) provisionComponent(ctx context.Context, s *dispatcher.Scope, c *model.Component) (*model.Component, error) {
	var err error
	c.ResourceState = model.ResourceStateProvisioning
	if c, err = save(ctx, s, c); err != nil {
		return c, err
	}
	var identity, storage string
	if err = s.Call(ctx, ActComponentIdentity, c, &identity); err == nil {
		err = s.Call(ctx, ActComponentStorage, c, &storage)
	}
	if err != nil {
		c.ResourceState = model.ResourceStateFailed
		if saved, serr := save(ctx, s, c); serr == nil {
			c = saved
		} else {
			s.Logger.Error("mark component %s failed: %v", c.ID, serr)
		}
		return c, err
	}
	c.IdentityID = identity
	c.StorageID = storage
	c.ResourceState = model.ResourceStateSucceeded
	return save(ctx, s, c)
}

func (h *Handlers) failStartedTask(ctx context.Context, s *dispatcher.Scope, task *model.ComponentTask, cause error) error {
	now := s.Now()
	task.TaskState = model.TaskStateFailed
	task.Finished = &now
	if _, err := save(ctx, s, task); err != nil {
		s.Logger.Error("mark task %s failed: %v", task.ID, err)
	}
	return cause
}

// pollTask refreshes the task until the runner reports a final state. The
// history is bounded: after PollsPerGeneration polls the run continues as
// new, and the timeout counts from the task's creation across generations.
func (h *Handlers) pollTask(ctx context.Context, cmd *command.Command, s *dispatcher.Scope, task *model.ComponentTask) (*model.ComponentTask, error) {
	release, err := s.Lock(ctx, taskKey(task.ID))
	if err != nil {
		return task, err
	}
	defer unlock(s, release)

	for polls := 1; ; polls++ {
		var fresh model.ComponentTask
		if err := s.Call(ctx, ActTaskRefresh, task, &fresh); err != nil {
			return task, h.failStartedTask(ctx, s, task, err)
		}
		task = &fresh
		if task.TaskState.IsFinal() {
			return task, nil
		}

		now := s.Now()
		if elapsed := now.Sub(task.Created); elapsed >= h.timing.TaskTimeout {
			cause := errors.New(fmt.Sprintf("task %s did not finish within %s", task.ID, h.timing.TaskTimeout), errors.CategoryExternal).
				WithTextCode(command.ErrCodeTaskTimeout).
				WithMetadata(map[string]any{"task_id": task.ID, "elapsed": elapsed.String()})
			task.TaskState = model.TaskStateFailed
			task.Finished = &now
			if saved, err := save(ctx, s, task); err == nil {
				task = saved
			} else {
				s.Logger.Error("mark task %s timed out: %v", task.ID, err)
			}
			s.Result.SetResult(task)
			return task, cause
		}

		if polls >= h.timing.PollsPerGeneration {
			if err := release(); err != nil {
				return task, err
			}
			return task, s.ContinueAsNew(cmd, h.timing.PollInterval)
		}
		if err := s.Sleep(h.timing.PollInterval); err != nil {
			return task, err
		}
	}
}

// finishTask settles the task on its exit code and, for delete tasks, the
// component with it.
func (h *Handlers) finishTask(ctx context.Context, s *dispatcher.Scope, task *model.ComponentTask) (*model.ComponentTask, error) {
	succeeded := task.ExitCode == nil || *task.ExitCode == 0
	keys := []lock.Key{taskKey(task.ID)}
	if task.Type == model.ComponentTaskTypeDelete {
		keys = append(keys, componentKey(task.ComponentID))
	}
	release, err := s.Lock(ctx, keys...)
	if err != nil {
		return task, err
	}
	defer unlock(s, release)

	current, err := load[*model.ComponentTask](ctx, s, model.KindComponentTask, task.ID)
	if err != nil {
		return task, err
	}
	now := s.Now()
	current.Finished = &now
	current.TaskState = model.TaskStateFailed
	if succeeded {
		current.TaskState = model.TaskStateSucceeded
	}
	if current, err = save(ctx, s, current); err != nil {
		return task, err
	}
	s.Result.SetResult(current)

	if current.Type == model.ComponentTaskTypeDelete {
		component, err := load[*model.Component](ctx, s, model.KindComponent, current.ComponentID)
		if err != nil {
			return current, err
		}
		component.ResourceState = model.ResourceStateFailed
		if succeeded {
			component.ResourceState = model.ResourceStateDeprovisioned
		}
		if _, err := save(ctx, s, component); err != nil {
			return current, err
		}
	}
	return current, nil
}

func (h *Handlers) componentTaskCancel(ctx context.Context, cmd *command.Command, s *dispatcher.Scope) error {
	ref, err := command.PayloadAs[*model.ComponentTask](cmd)
	if err != nil {
		return err
	}
	reason := "canceled"
	if cmd.User != nil {
		reason = "canceled by " + cmd.User.ID
	}
	if err := s.Client.Terminate(ctx, ref.ID, reason); err != nil && !orchestration.IsInstanceNotFound(err) {
		return err
	}
	// the run's locks die with it
	if _, err := s.Client.Locks().ReleaseOwner(ctx, ref.ID); err != nil {
		s.Logger.Warn("sweep locks of task run %s: %v", ref.ID, err)
	}

	release, err := s.Lock(ctx, taskKey(ref.ID))
	if err != nil {
		return err
	}
	defer unlock(s, release)

	task, err := load[*model.ComponentTask](ctx, s, model.KindComponentTask, ref.ID)
	if err != nil {
		return err
	}
	if task.TaskState.IsFinal() {
		s.Result.SetResult(task)
		return nil
	}
	if err := s.Call(ctx, ActTaskDeleteContainer, task, nil); err != nil {
		return err
	}
	now := s.Now()
	task.TaskState = model.TaskStateCanceled
	task.Finished = &now
	if task, err = save(ctx, s, task); err != nil {
		return err
	}
	s.Result.SetResult(task)
	return nil
}

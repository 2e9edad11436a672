package handlers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/dispatcher"
	"github.com/goliatone/go-controlplane/lock"
	"github.com/goliatone/go-controlplane/model"
	"github.com/goliatone/go-controlplane/orchestration"
	"github.com/goliatone/go-controlplane/provider"
	"github.com/goliatone/go-controlplane/provider/providertest"
	"github.com/goliatone/go-controlplane/queue"
	"github.com/goliatone/go-controlplane/runner"
	"github.com/goliatone/go-controlplane/store"
)

type fixture struct {
	repos  *Repositories
	locks  *lock.Manager
	engine *orchestration.Engine
	queue  *queue.Recorder
	fakes  *providertest.Fakes
	d      *dispatcher.Dispatcher
}

type fixtureConfig struct {
	clock orchestration.Clock
	// queue wraps the recorder, for tests that make Add fail
	queue func(*queue.Recorder) queue.Queue
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	locks := lock.NewManager(lock.NewMemoryBackend(), lock.WithLogger(command.NopLogger{}), lock.WithPollInterval(time.Millisecond))
	return buildFixture(t, NewRepositories(store.NewMemoryStore(), locks), locks, cfg)
}

func buildFixture(t *testing.T, repos *Repositories, locks *lock.Manager, cfg fixtureConfig) *fixture {
	t.Helper()
	f := &fixture{repos: repos, locks: locks, queue: &queue.Recorder{}}
	opts := []orchestration.Option{
		orchestration.WithLockManager(locks),
		orchestration.WithLogger(command.NopLogger{}),
		orchestration.WithExecutor(runner.NewExecutor(
			runner.WithRetryStrategy(runner.NoDelayStrategy{}),
			runner.WithLogger(command.NopLogger{}),
		)),
	}
	if cfg.clock != nil {
		opts = append(opts, orchestration.WithClock(cfg.clock))
	}
	f.engine = orchestration.NewEngine(orchestration.NewMemoryInstanceStore(), opts...)
	t.Cleanup(func() { _ = f.engine.Shutdown(context.Background()) })

	set, fakes := providertest.NewSet(f.engine)
	f.fakes = fakes
	h := New(repos, set, locks, WithLogger(command.NopLogger{}))
	h.RegisterActivities(f.engine)
	registry := dispatcher.NewRegistry()
	require.NoError(t, h.Register(registry))

	var q queue.Queue = f.queue
	if cfg.queue != nil {
		q = cfg.queue(f.queue)
	}
	d, err := dispatcher.New(registry, f.engine, q, dispatcher.WithLogger(command.NopLogger{}))
	require.NoError(t, err)
	f.d = d
	return f
}

var actor = &model.User{ID: "u1", Organization: "o1", Email: "u1@example.com"}

// seed stores a provisioned organization and project and one succeeded
// component.
func (f *fixture) seed(t *testing.T) (*model.Organization, *model.Project, *model.Component) {
	t.Helper()
	ctx := context.Background()
	org, err := f.repos.Organizations.Add(ctx, &model.Organization{
		ID: "o1", Tenant: "t1", DisplayName: "Org", SubscriptionID: "sub1", Location: "westeurope",
		ResourceState: model.ResourceStateProvisioned,
	})
	require.NoError(t, err)
	project, err := f.repos.Projects.Add(ctx, &model.Project{
		ID: "p1", Organization: "o1", DisplayName: "Project",
		ResourceState: model.ResourceStateProvisioned,
	})
	require.NoError(t, err)
	component := f.addComponent(t, "c1", model.ResourceStateSucceeded)
	return org, project, component
}

func (f *fixture) addComponent(t *testing.T, id string, state model.ResourceState) *model.Component {
	t.Helper()
	c, err := f.repos.Components.Add(context.Background(), &model.Component{
		ID: id, Organization: "o1", ProjectID: "p1", DisplayName: "Component " + id,
		ResourceState: state,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) run(t *testing.T, cmd *command.Command) *command.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := f.d.Dispatch(ctx, cmd)
	require.NoError(t, err)
	res, err := f.d.Wait(ctx, cmd.ID)
	require.NoError(t, err)
	return res
}

func TestEveryCommandTypeHasAHandler(t *testing.T) {
	h := New(nil, provider.Set{}, nil)
	registry := dispatcher.NewRegistry()
	require.NoError(t, h.Register(registry))
	require.NoError(t, registry.Initialize())

	for _, typ := range command.Types() {
		hs, err := registry.Resolve(typ)
		require.NoError(t, err, typ)
		orchestrated := 0
		for _, hd := range hs {
			if hd.Orchestration() {
				orchestrated++
			}
		}
		assert.LessOrEqual(t, orchestrated, 1, typ)
	}
}

func TestBroadcastTypes(t *testing.T) {
	types := BroadcastTypes()
	assert.Contains(t, types, command.TypeComponentTaskCreate)
	assert.Contains(t, types, command.TypeDeploymentScopeDelete)
	assert.NotContains(t, types, command.TypeProjectDeploy)
	assert.NotContains(t, types, command.TypeScheduleRun)

	action, kind, ok := changeOf(command.TypeDeploymentScopeUpdate)
	require.True(t, ok)
	assert.Equal(t, "update", action)
	assert.Equal(t, model.KindDeploymentScope, kind)
}

func TestConcurrentComponentUpdatesAreSerialized(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	_, _, component := f.seed(t)

	const n = 8
	cmds := make([]*command.Command, n)
	for i := range cmds {
		cmds[i] = command.New(command.TypeComponentUpdate, actor, &model.Component{
			ID: component.ID, Organization: "o1", ProjectID: "p1",
			DisplayName: fmt.Sprintf("rename %d", i),
		})
	}

	var wg sync.WaitGroup
	for _, cmd := range cmds {
		wg.Add(1)
		go func(cmd *command.Command) {
			defer wg.Done()
			_, err := f.d.Dispatch(context.Background(), cmd)
			assert.NoError(t, err)
		}(cmd)
	}
	wg.Wait()
	for _, cmd := range cmds {
		res := f.run(t, cmd)
		assert.Equal(t, command.RuntimeStatusCompleted, res.RuntimeStatus, "%+v", res.Errors)
	}

	stored, err := f.repos.Components.Get(context.Background(), component.ID)
	require.NoError(t, err)
	assert.Equal(t, component.Version+n, stored.Version)
}

func TestEnsureResourceGroupRetryCreatesOneGroup(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.fakes.Groups.FailNext = 1

	req := ResourceGroupRequest{SubscriptionID: "sub1", Name: "project-p1", Location: "westeurope"}
	var first, second string
	require.NoError(t, f.engine.RunActivity(context.Background(), ActResourceGroupEnsure, req, &first))
	require.NoError(t, f.engine.RunActivity(context.Background(), ActResourceGroupEnsure, req, &second))

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.fakes.Groups.Count())
	assert.Equal(t, 3, f.fakes.Groups.Calls)
}

func TestTaskRunTimesOutAtThirtyMinutes(t *testing.T) {
	// the clock starts at the task's creation time, so the fixture is built
	// around a task stored first
	locks := lock.NewManager(lock.NewMemoryBackend(), lock.WithLogger(command.NopLogger{}), lock.WithPollInterval(time.Millisecond))
	repos := NewRepositories(store.NewMemoryStore(), locks)
	ctx := context.Background()
	_, err := repos.Organizations.Add(ctx, &model.Organization{ID: "o1", Tenant: "t1", DisplayName: "Org", ResourceState: model.ResourceStateProvisioned})
	require.NoError(t, err)
	_, err = repos.Projects.Add(ctx, &model.Project{ID: "p1", Organization: "o1", DisplayName: "Project", ResourceState: model.ResourceStateProvisioned})
	require.NoError(t, err)
	_, err = repos.Components.Add(ctx, &model.Component{ID: "c1", Organization: "o1", ProjectID: "p1", ResourceState: model.ResourceStateSucceeded})
	require.NoError(t, err)
	task, err := repos.Tasks.Add(ctx, &model.ComponentTask{
		ID: "task-1", Organization: "o1", ProjectID: "p1", ComponentID: "c1",
		Type: model.ComponentTaskTypeCustom, TypeName: "build", TaskState: model.TaskStatePending,
	})
	require.NoError(t, err)

	f := buildFixture(t, repos, locks, fixtureConfig{clock: orchestration.NewAutoClock(task.Created)})
	f.fakes.Runner.Refresher = providertest.NeverFinishes

	res := f.run(t, command.NewWithID(task.ID, command.TypeComponentTaskRun, actor, task, task.Created))
	assert.Equal(t, command.RuntimeStatusFailed, res.RuntimeStatus)
	require.True(t, res.HasErrors())
	assert.Equal(t, command.ErrCodeTaskTimeout, res.Errors[0].Code)
	failed, ok := res.Result.(*model.ComponentTask)
	require.True(t, ok, "result is %T", res.Result)
	assert.Equal(t, model.TaskStateFailed, failed.TaskState)

	started, terminated, _, refreshes := f.fakes.Runner.Snapshot()
	assert.Equal(t, []string{task.ID}, started)
	assert.Equal(t, []string{task.ID}, terminated)
	// one poll every 3s from 0s to 1800s inclusive
	assert.Equal(t, 601, refreshes)

	stored, err := repos.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateFailed, stored.TaskState)
	require.NotNil(t, stored.Finished)
	assert.True(t, stored.Finished.Equal(task.Created.Add(30*time.Minute)), "finished at %s", stored.Finished)
	assert.Empty(t, locks.Held(task.ID))
}

func TestTaskRunProvisionsComponentAndSucceeds(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.seed(t)
	component := f.addComponent(t, "c2", model.ResourceStatePending)
	task, err := f.repos.Tasks.Add(context.Background(), &model.ComponentTask{
		ID: "task-2", Organization: "o1", ProjectID: "p1", ComponentID: component.ID,
		Type: model.ComponentTaskTypeCreate, TaskState: model.TaskStatePending,
	})
	require.NoError(t, err)

	res := f.run(t, command.NewWithID(task.ID, command.TypeComponentTaskRun, actor, task, time.Now()))
	require.Equal(t, command.RuntimeStatusCompleted, res.RuntimeStatus, "%+v", res.Errors)
	got := res.Result.(*model.ComponentTask)
	assert.Equal(t, model.TaskStateSucceeded, got.TaskState)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)

	stored, err := f.repos.Components.Get(context.Background(), component.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResourceStateSucceeded, stored.ResourceState)
	assert.NotEmpty(t, stored.IdentityID)
	assert.NotEmpty(t, stored.StorageID)
	assert.Len(t, f.queue.OfType(command.TypeComponentUpdate), 1)

	_, terminated, _, _ := f.fakes.Runner.Snapshot()
	assert.Equal(t, []string{task.ID}, terminated)
}

func TestTaskRunWaitsForParents(t *testing.T) {
	clock := orchestration.NewFakeClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	f := newFixture(t, fixtureConfig{clock: clock})
	_, project, component := f.seed(t)

	project.ResourceState = model.ResourceStateProvisioning
	_, err := f.repos.Projects.SetUnsafe(context.Background(), project)
	require.NoError(t, err)
	task, err := f.repos.Tasks.Add(context.Background(), &model.ComponentTask{
		ID: "task-3", Organization: "o1", ProjectID: "p1", ComponentID: component.ID,
		Type: model.ComponentTaskTypeCustom, TaskState: model.TaskStatePending,
	})
	require.NoError(t, err)

	cmd := command.NewWithID(task.ID, command.TypeComponentTaskRun, actor, task, clock.Now())
	_, err = f.d.Dispatch(context.Background(), cmd)
	require.NoError(t, err)
	require.True(t, clock.BlockUntil(1, 5*time.Second))

	inst, err := f.engine.Status(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Generation)
	started, _, _, _ := f.fakes.Runner.Snapshot()
	assert.Empty(t, started)

	current, err := f.repos.Projects.Get(context.Background(), project.ID)
	require.NoError(t, err)
	current.ResourceState = model.ResourceStateFailed
	_, err = f.repos.Projects.SetUnsafe(context.Background(), current)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)

	res := f.run(t, cmd)
	assert.Equal(t, command.RuntimeStatusFailed, res.RuntimeStatus)
	assert.Equal(t, command.ErrCodeRetryCancelled, res.Errors[0].Code)
	stored, err := f.repos.Tasks.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateFailed, stored.TaskState)
}

func TestCancelTaskStopsRun(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	_, _, component := f.seed(t)
	f.fakes.Runner.Refresher = providertest.NeverFinishes

	task, err := f.repos.Tasks.Add(context.Background(), &model.ComponentTask{
		ID: "task-4", Organization: "o1", ProjectID: "p1", ComponentID: component.ID,
		Type: model.ComponentTaskTypeCustom, TaskState: model.TaskStatePending,
	})
	require.NoError(t, err)
	run := command.NewWithID(task.ID, command.TypeComponentTaskRun, actor, task, time.Now())
	_, err = f.d.Dispatch(context.Background(), run)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, _, _, refreshes := f.fakes.Runner.Snapshot()
		return refreshes > 0
	}, 5*time.Second, time.Millisecond)

	res := f.run(t, command.New(command.TypeComponentTaskCancel, actor, task))
	require.Equal(t, command.RuntimeStatusCompleted, res.RuntimeStatus, "%+v", res.Errors)
	assert.Equal(t, model.TaskStateCanceled, res.Result.(*model.ComponentTask).TaskState)

	runResult := f.run(t, run)
	assert.Equal(t, command.RuntimeStatusTerminated, runResult.RuntimeStatus)
	_, _, deleted, _ := f.fakes.Runner.Snapshot()
	assert.Equal(t, []string{task.ID}, deleted)
	assert.Empty(t, f.locks.Held(task.ID))
}

func TestProjectDeleteCascades(t *testing.T) {
	clock := orchestration.NewFakeClock(time.Now().UTC())
	f := newFixture(t, fixtureConfig{clock: clock})
	_, project, _ := f.seed(t)
	f.addComponent(t, "c2", model.ResourceStateSucceeded)
	f.addComponent(t, "c3", model.ResourceStateSucceeded)

	res := f.run(t, command.New(command.TypeProjectDelete, actor, project))
	require.Equal(t, command.RuntimeStatusCompleted, res.RuntimeStatus, "%+v", res.Errors)
	deletes := f.queue.OfType(command.TypeComponentDelete)
	destroys := f.queue.OfType(command.TypeProjectDestroy)
	assert.Len(t, deletes, 3)
	require.Len(t, destroys, 1)

	destroy := destroys[0]
	_, err := f.d.Dispatch(context.Background(), destroy)
	require.NoError(t, err)
	require.True(t, clock.BlockUntil(1, 5*time.Second))
	inst, err := f.engine.Status(context.Background(), destroy.ID)
	require.NoError(t, err)
	assert.Equal(t, command.RuntimeStatusPending, inst.Status)
	assert.Equal(t, 1, inst.Generation)

	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3"} {
		c, err := f.repos.Components.Get(ctx, id)
		require.NoError(t, err)
		c.MarkDeleted(clock.Now(), time.Hour)
		c.ResourceState = model.ResourceStateDeprovisioned
		_, err = f.repos.Components.SetUnsafe(ctx, c)
		require.NoError(t, err)
	}
	clock.Advance(time.Minute)

	res = f.run(t, destroy)
	require.Equal(t, command.RuntimeStatusCompleted, res.RuntimeStatus, "%+v", res.Errors)
	stored, err := f.repos.Projects.Get(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResourceStateDeprovisioned, stored.ResourceState)
	assert.True(t, stored.IsDeleted())
}

func TestProjectDestroyAbortsOnFailedComponent(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	_, project, component := f.seed(t)
	ctx := context.Background()

	component.MarkDeleted(time.Now(), time.Hour)
	component.ResourceState = model.ResourceStateFailed
	_, err := f.repos.Components.SetUnsafe(ctx, component)
	require.NoError(t, err)
	project.MarkDeleted(time.Now(), time.Hour)
	project, err = f.repos.Projects.SetUnsafe(ctx, project)
	require.NoError(t, err)

	res := f.run(t, command.New(command.TypeProjectDestroy, actor, project))
	assert.Equal(t, command.RuntimeStatusFailed, res.RuntimeStatus)

	stored, err := f.repos.Projects.Get(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResourceStateProvisioned, stored.ResourceState)
	assert.False(t, stored.IsDeleted())
}

func TestProjectCreateWarnsWhenNotificationFails(t *testing.T) {
	f := newFixture(t, fixtureConfig{queue: func(r *queue.Recorder) queue.Queue {
		return rejectType{inner: r, t: command.TypeNotificationSend}
	}})

	res := f.run(t, command.New(command.TypeProjectCreate, actor, &model.Project{
		ID: "p9", Organization: "o1", DisplayName: "New project",
	}))
	assert.Equal(t, command.RuntimeStatusCompleted, res.RuntimeStatus)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, command.SeverityWarning, res.Errors[0].Severity)
	assert.Len(t, f.queue.OfType(command.TypeProjectDeploy), 1)

	stored, err := f.repos.Projects.Get(context.Background(), "p9")
	require.NoError(t, err)
	assert.Equal(t, model.ResourceStatePending, stored.ResourceState)
}

type rejectType struct {
	inner *queue.Recorder
	t     command.Type
}

func (q rejectType) Add(ctx context.Context, cmd *command.Command) error {
	if cmd.Type == q.t {
		return errors.New("mail relay unavailable", errors.CategoryExternal)
	}
	return q.inner.Add(ctx, cmd)
}

func TestScheduleRunEnqueuesTemplateTasks(t *testing.T) {
	now := time.Date(2024, 5, 6, 2, 30, 0, 0, time.UTC)
	f := newFixture(t, fixtureConfig{clock: orchestration.NewFakeClock(now)})
	sch, err := f.repos.Schedules.Add(context.Background(), &model.Schedule{
		ID: "s1", Organization: "o1", ProjectID: "p1", Enabled: true, UTCHour: 2, UTCMinute: 30,
		ComponentTasks: []model.ComponentTaskReference{{ComponentID: "c1", ComponentTaskTemplateID: "nightly-build"}},
	})
	require.NoError(t, err)

	res := f.run(t, command.New(command.TypeScheduleRun, actor, sch))
	require.Equal(t, command.RuntimeStatusCompleted, res.RuntimeStatus, "%+v", res.Errors)

	creates := f.queue.OfType(command.TypeComponentTaskCreate)
	require.Len(t, creates, 1)
	task := creates[0].Payload.(*model.ComponentTask)
	assert.Equal(t, model.ComponentTaskTypeCustom, task.Type)
	assert.Equal(t, "nightly-build", task.TypeName)
	assert.Equal(t, "c1", task.ComponentID)
	assert.Equal(t, "s1", task.ScheduleID)

	stored, err := f.repos.Schedules.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastRun)
	assert.True(t, stored.LastRun.Equal(now))
	assert.False(t, stored.Enabled, "one-off schedule disables itself")
}

func TestOrganizationLifecycle(t *testing.T) {
	f := newFixture(t, fixtureConfig{})

	org := &model.Organization{ID: "o7", Tenant: "t1", DisplayName: "Seven", SubscriptionID: "sub7", Location: "eastus"}
	res := f.run(t, command.New(command.TypeOrganizationCreate, actor, org))
	require.Equal(t, command.RuntimeStatusCompleted, res.RuntimeStatus, "%+v", res.Errors)
	deploys := f.queue.OfType(command.TypeOrganizationDeploy)
	require.Len(t, deploys, 1)

	res = f.run(t, deploys[0])
	require.Equal(t, command.RuntimeStatusCompleted, res.RuntimeStatus, "%+v", res.Errors)
	stored, err := f.repos.Organizations.Get(context.Background(), "o7")
	require.NoError(t, err)
	assert.Equal(t, model.ResourceStateProvisioned, stored.ResourceState)
	assert.Equal(t, "/subscriptions/sub7/resourceGroups/org-o7", stored.ResourceID)
	require.Len(t, f.fakes.Deployments.Requests(), 1)
	assert.Equal(t, deploys[0].ID, f.fakes.Deployments.Requests()[0].CallbackInstance)

	messages := f.fakes.Broadcaster.Snapshot()
	require.NotEmpty(t, messages)
	assert.Equal(t, "create", messages[0].Action)
	assert.Equal(t, "o7", messages[0].ID)

	res = f.run(t, command.New(command.TypeOrganizationDelete, actor, stored))
	require.Equal(t, command.RuntimeStatusCompleted, res.RuntimeStatus, "%+v", res.Errors)
	stored, err = f.repos.Organizations.Get(context.Background(), "o7")
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted())
	assert.Equal(t, model.ResourceStateDeprovisioned, stored.ResourceState)
	assert.Equal(t, 0, f.fakes.Groups.Count())
}

func TestFailedDeploymentMarksProjectFailed(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	_, project, _ := f.seed(t)
	f.fakes.Deployments.Outcome = func(provider.DeploymentRequest) provider.DeploymentOutput {
		return provider.DeploymentOutput{Succeeded: false, Error: "quota exceeded"}
	}

	res := f.run(t, command.New(command.TypeProjectDeploy, actor, project))
	assert.Equal(t, command.RuntimeStatusFailed, res.RuntimeStatus)
	assert.Equal(t, ErrCodeDeploymentFailed, res.Errors[0].Code)

	stored, err := f.repos.Projects.Get(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResourceStateFailed, stored.ResourceState)
	identity, err := f.repos.Identities.Get(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, "project-p1", identity.DisplayName)
}

func TestDeploymentOutlastingLockTTLStillProvisions(t *testing.T) {
	locks := lock.NewManager(lock.NewMemoryBackend(),
		lock.WithTTL(50*time.Millisecond),
		lock.WithLogger(command.NopLogger{}),
		lock.WithPollInterval(time.Millisecond),
	)
	f := buildFixture(t, NewRepositories(store.NewMemoryStore(), locks), locks, fixtureConfig{})
	_, project, _ := f.seed(t)
	f.fakes.Deployments.Delay = 150 * time.Millisecond

	res := f.run(t, command.New(command.TypeProjectDeploy, actor, project))
	require.Equal(t, command.RuntimeStatusCompleted, res.RuntimeStatus, "%+v", res.Errors)

	stored, err := f.repos.Projects.Get(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResourceStateProvisioned, stored.ResourceState)
}

func TestReadWithoutLockIsRejected(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.seed(t)

	ctx := lock.WithOwner(context.Background(), "someone")
	var out model.Project
	err := f.engine.RunActivity(ctx, model.KindProject+".get", GetRequest{ID: "p1"}, &out)
	require.Error(t, err)
	assert.True(t, command.HasCode(err, command.ErrCodeLockNotHeld))

	require.NoError(t, f.engine.RunActivity(ctx, model.KindProject+".get", GetRequest{ID: "p1", Unlocked: true}, &out))
	assert.Equal(t, "p1", out.ID)
}

func TestTimingOverrides(t *testing.T) {
	h := New(nil, provider.Set{}, nil, WithTiming(Timing{PollInterval: time.Second}))
	assert.Equal(t, time.Second, h.Timing().PollInterval)
	assert.Equal(t, 30*time.Minute, h.Timing().TaskTimeout)
}

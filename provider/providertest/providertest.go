// Package providertest holds in-memory collaborators for tests and local mode.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/model"
	"github.com/goliatone/go-controlplane/provider"
)

// Deployments completes every deployment through Raiser. With AutoComplete
// unset, tests call Complete themselves.
type Deployments struct {
	mu           sync.Mutex
	Raiser       provider.EventRaiser
	AutoComplete bool
	Delay        time.Duration
	Outcome      func(req provider.DeploymentRequest) provider.DeploymentOutput
	requests     map[string]provider.DeploymentRequest
}

func NewDeployments(raiser provider.EventRaiser) *Deployments {
	return &Deployments{Raiser: raiser, AutoComplete: true, requests: make(map[string]provider.DeploymentRequest)}
}

func (d *Deployments) StartDeployment(ctx context.Context, req provider.DeploymentRequest) (*provider.Deployment, error) {
	d.mu.Lock()
	if d.requests == nil {
		d.requests = make(map[string]provider.DeploymentRequest)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	d.requests[req.ID] = req
	auto := d.AutoComplete
	d.mu.Unlock()

	dep := &provider.Deployment{ID: req.ID, ResourceID: "/deployments/" + req.ID}
	if auto {
		go func() {
			if d.Delay > 0 {
				time.Sleep(d.Delay)
			}
			_ = d.Complete(context.WithoutCancel(ctx), req.ID, d.outcome(req))
		}()
	}
	return dep, nil
}

func (d *Deployments) outcome(req provider.DeploymentRequest) provider.DeploymentOutput {
	if d.Outcome != nil {
		out := d.Outcome(req)
		out.DeploymentID = req.ID
		return out
	}
	return provider.DeploymentOutput{
		DeploymentID: req.ID,
		Succeeded:    true,
		Outputs:      map[string]any{"resourceId": "/deployments/" + req.ID},
	}
}

// Complete raises the completion event of a started deployment.
func (d *Deployments) Complete(ctx context.Context, deploymentID string, out provider.DeploymentOutput) error {
	d.mu.Lock()
	req, ok := d.requests[deploymentID]
	d.mu.Unlock()
	if !ok {
		return command.NotFound("deployment", deploymentID)
	}
	if d.Raiser == nil {
		return fmt.Errorf("no event raiser for deployment %s", deploymentID)
	}
	out.DeploymentID = deploymentID
	return d.Raiser.RaiseEvent(ctx, req.CallbackInstance, req.CallbackEvent, out)
}

func (d *Deployments) Requests() []provider.DeploymentRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]provider.DeploymentRequest, 0, len(d.requests))
	for _, r := range d.requests {
		out = append(out, r)
	}
	return out
}

type Directory struct {
	mu         sync.Mutex
	principals map[string]*provider.ServicePrincipal
	Created    int
	Deleted    []string
}

func NewDirectory() *Directory {
	return &Directory{principals: make(map[string]*provider.ServicePrincipal)}
}

func (d *Directory) CreateServicePrincipal(_ context.Context, name string) (*provider.ServicePrincipal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sp, ok := d.principals[name]; ok {
		cp := *sp
		return &cp, nil
	}
	sp := &provider.ServicePrincipal{
		Name:         name,
		TenantID:     "tenant",
		ClientID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte("client/"+name)).String(),
		ClientSecret: "secret",
		ObjectID:     uuid.NewSHA1(uuid.NameSpaceOID, []byte("object/"+name)).String(),
		PrincipalID:  uuid.NewSHA1(uuid.NameSpaceOID, []byte("principal/"+name)).String(),
	}
	d.principals[name] = sp
	d.Created++
	cp := *sp
	return &cp, nil
}

func (d *Directory) DeleteServicePrincipal(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.principals, name)
	d.Deleted = append(d.Deleted, name)
	return nil
}

// ResourceGroups is idempotent by name. FailNext makes the next n calls to
// EnsureResourceGroup fail with a transient error after the group was
// created, the way a dropped response looks to the caller.
type ResourceGroups struct {
	mu       sync.Mutex
	groups   map[string]string
	FailNext int
	Calls    int
	Deleted  []string
}

func NewResourceGroups() *ResourceGroups {
	return &ResourceGroups{groups: make(map[string]string)}
}

func (g *ResourceGroups) EnsureResourceGroup(_ context.Context, subscriptionID, name, location string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls++
	id, ok := g.groups[name]
	if !ok {
		id = fmt.Sprintf("/subscriptions/%s/resourceGroups/%s", subscriptionID, name)
		g.groups[name] = id
	}
	if g.FailNext > 0 {
		g.FailNext--
		return "", fmt.Errorf("ensure resource group %s in %s: connection reset", name, location)
	}
	return id, nil
}

func (g *ResourceGroups) DeleteResourceGroup(_ context.Context, resourceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, id := range g.groups {
		if id == resourceID {
			delete(g.groups, name)
		}
	}
	g.Deleted = append(g.Deleted, resourceID)
	return nil
}

// Count returns the number of existing groups.
func (g *ResourceGroups) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.groups)
}

type ComponentResources struct {
	mu       sync.Mutex
	Err      error
	identity map[string]string
	storage  map[string]string
}

func NewComponentResources() *ComponentResources {
	return &ComponentResources{identity: make(map[string]string), storage: make(map[string]string)}
}

func (c *ComponentResources) EnsureIdentity(_ context.Context, component *model.Component) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	id, ok := c.identity[component.ID]
	if !ok {
		id = "identity-" + component.ID
		c.identity[component.ID] = id
	}
	return id, nil
}

func (c *ComponentResources) EnsureStorage(_ context.Context, component *model.Component) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	id, ok := c.storage[component.ID]
	if !ok {
		id = "storage-" + component.ID
		c.storage[component.ID] = id
	}
	return id, nil
}

// TaskRunner finishes tasks on their first refresh with exit code 0 unless
// Refresher says otherwise.
type TaskRunner struct {
	mu         sync.Mutex
	Refresher  func(task *model.ComponentTask) *model.ComponentTask
	Started    []string
	Refreshes  int
	Terminated []string
	Deleted    []string
}

func NewTaskRunner() *TaskRunner { return &TaskRunner{} }

// NeverFinishes keeps every task in Provisioning.
func NeverFinishes(task *model.ComponentTask) *model.ComponentTask {
	task.TaskState = model.TaskStateProvisioning
	return task
}

// ExitWith finishes tasks with code.
func ExitWith(code int) func(*model.ComponentTask) *model.ComponentTask {
	return func(task *model.ComponentTask) *model.ComponentTask {
		task.ExitCode = &code
		task.TaskState = model.TaskStateSucceeded
		if code != 0 {
			task.TaskState = model.TaskStateFailed
		}
		return task
	}
}

func (r *TaskRunner) Start(_ context.Context, _ *model.Component, task *model.ComponentTask) (*model.ComponentTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *task
	if cp.ResourceID == "" {
		cp.ResourceID = "container-" + task.ID
	}
	if cp.Started == nil {
		now := time.Now().UTC()
		cp.Started = &now
	}
	r.Started = append(r.Started, task.ID)
	return &cp, nil
}

func (r *TaskRunner) Refresh(_ context.Context, task *model.ComponentTask) (*model.ComponentTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Refreshes++
	cp := *task
	refresh := r.Refresher
	if refresh == nil {
		refresh = ExitWith(0)
	}
	return refresh(&cp), nil
}

func (r *TaskRunner) Terminate(_ context.Context, task *model.ComponentTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Terminated = append(r.Terminated, task.ID)
	return nil
}

func (r *TaskRunner) Delete(_ context.Context, task *model.ComponentTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deleted = append(r.Deleted, task.ID)
	return nil
}

func (r *TaskRunner) Snapshot() (started, terminated, deleted []string, refreshes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Started...),
		append([]string(nil), r.Terminated...),
		append([]string(nil), r.Deleted...),
		r.Refreshes
}

type Notifier struct {
	mu   sync.Mutex
	Err  error
	Sent []*model.Notification
}

func (n *Notifier) Send(_ context.Context, msg *model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.Sent = append(n.Sent, msg)
	return nil
}

type Broadcaster struct {
	mu       sync.Mutex
	Messages []provider.Message
}

func (b *Broadcaster) Broadcast(_ context.Context, msg provider.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Messages = append(b.Messages, msg)
	return nil
}

func (b *Broadcaster) Snapshot() []provider.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]provider.Message(nil), b.Messages...)
}

// NewSet wires a complete provider.Set of fakes around raiser.
func NewSet(raiser provider.EventRaiser) (provider.Set, *Fakes) {
	f := &Fakes{
		Deployments: NewDeployments(raiser),
		Directory:   NewDirectory(),
		Groups:      NewResourceGroups(),
		Components:  NewComponentResources(),
		Runner:      NewTaskRunner(),
		Notifier:    &Notifier{},
		Broadcaster: &Broadcaster{},
	}
	return provider.Set{
		Deployments: f.Deployments,
		Directory:   f.Directory,
		Groups:      f.Groups,
		Components:  f.Components,
		Runner:      f.Runner,
		Notifier:    f.Notifier,
		Broadcaster: f.Broadcaster,
	}, f
}

// Fakes exposes the concrete fakes behind a Set for assertions.
type Fakes struct {
	Deployments *Deployments
	Directory   *Directory
	Groups      *ResourceGroups
	Components  *ComponentResources
	Runner      *TaskRunner
	Notifier    *Notifier
	Broadcaster *Broadcaster
}

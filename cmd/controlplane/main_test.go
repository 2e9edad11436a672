package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/config"
	"github.com/goliatone/go-controlplane/model"
	"github.com/goliatone/go-controlplane/queue"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Locks.PollInterval = time.Millisecond
	return cfg
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	newLogger(config.LogConfig{Level: "debug", Format: "json"}, &buf).Info("hello %s", "world")
	assert.Contains(t, buf.String(), `"msg":"hello world"`)

	buf.Reset()
	newLogger(config.LogConfig{Level: "warn", Format: "text"}, &buf).Info("hidden")
	assert.Empty(t, buf.String())
}

func TestBuildInMemoryRunsOrganizationLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := build(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	mem := a.consumer.(*queue.MemoryQueue)
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = a.dispatcher.Run(consumeCtx, mem) }()

	org := &model.Organization{ID: "o1", Tenant: "t1", DisplayName: "One", SubscriptionID: "sub1", Location: "westeurope"}
	res, err := a.dispatcher.Dispatch(ctx, command.New(command.TypeOrganizationCreate, &model.User{ID: "u1"}, org))
	require.NoError(t, err)
	require.Equal(t, command.RuntimeStatusCompleted, res.RuntimeStatus, "%+v", res.Errors)

	assert.Eventually(t, func() bool {
		got, err := a.repos.Organizations.Get(ctx, "o1")
		return err == nil && got.ResourceState == model.ResourceStateProvisioned
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSQLiteStatusAndMigrate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = filepath.Join(t.TempDir(), "controlplane.db")

	ctx := context.Background()
	a, err := build(ctx, cfg)
	require.NoError(t, err)

	user := &model.User{ID: "u1", Organization: "o1", DisplayName: "User One"}
	cmd := command.New(command.TypeUserCreate, &model.User{ID: "admin"}, user)
	res, err := a.dispatcher.Dispatch(ctx, cmd)
	require.NoError(t, err)
	require.Equal(t, command.RuntimeStatusCompleted, res.RuntimeStatus, "%+v", res.Errors)
	require.NoError(t, a.Close())

	g := &Globals{Config: cfg}
	assert.NoError(t, (&StatusCmd{ID: cmd.ID}).Run(g))
	assert.NoError(t, (&StatusCmd{Status: "Completed"}).Run(g))
	assert.NoError(t, (&MigrateCmd{}).Run(g))
}

func TestStatusNeedsSQLite(t *testing.T) {
	g := &Globals{Config: testConfig(t)}
	assert.Error(t, (&StatusCmd{ID: "x"}).Run(g))
	assert.Error(t, (&MigrateCmd{}).Run(g))
}

func TestDispatchCmdDecodesPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "project.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"p1","organization":"o1","displayName":"Demo","template":"default"}`), 0o600))

	c := &DispatchCmd{Type: string(command.TypeProjectCreate), Payload: path, User: "u1", ID: "fixed"}
	cmd, err := c.command()
	require.NoError(t, err)
	assert.Equal(t, "fixed", cmd.ID)
	assert.Equal(t, "o1", cmd.Organization)
	assert.Equal(t, "p1", cmd.Payload.(*model.Project).ID)

	_, err = (&DispatchCmd{Type: "Nope", Payload: path}).command()
	require.Error(t, err)
	assert.True(t, command.HasCode(err, command.ErrCodeUnknownCommandType))
}

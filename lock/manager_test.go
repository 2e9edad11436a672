package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/model"
)

var (
	org     = Key{Type: model.KindOrganization, ID: "org-1"}
	project = Key{Type: model.KindProject, ID: "proj-1"}
	comp    = Key{Type: model.KindComponent, ID: "comp-1"}
)

func newTestManager() *Manager {
	return NewManager(NewMemoryBackend(),
		WithPollInterval(time.Millisecond),
		WithLogger(command.NopLogger{}),
	)
}

func TestSortOrdersByRank(t *testing.T) {
	other := Key{Type: model.KindSchedule, ID: "a"}
	task := Key{Type: model.KindComponentTask, ID: "t"}

	got := Sort([]Key{other, comp, task, project, org, comp})

	assert.Equal(t, []Key{org, project, comp, task, other}, got)
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	scope, err := m.Acquire(ctx, "a", project, org)
	require.NoError(t, err)
	assert.Equal(t, []Key{org, project}, scope.Keys())

	ok, err := m.IsLockedBy(ctx, "a", project)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, scope.Release(ctx))
	require.NoError(t, scope.Release(ctx))

	ok, err = m.IsLockedBy(ctx, "a", project)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAcquireIsReentrant(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	outer, err := m.Acquire(ctx, "a", org, project)
	require.NoError(t, err)

	inner, err := m.Acquire(ctx, "a", project, comp)
	require.NoError(t, err)

	require.NoError(t, inner.Release(ctx))

	ok, _ := m.IsLockedBy(ctx, "a", project)
	assert.True(t, ok, "outer scope still holds project")
	ok, _ = m.IsLockedBy(ctx, "a", comp)
	assert.False(t, ok)

	require.NoError(t, outer.Release(ctx))
	assert.Empty(t, m.Held("a"))
}

func TestAcquireRejectsOrderInversion(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	scope, err := m.Acquire(ctx, "a", project)
	require.NoError(t, err)
	defer scope.Release(ctx)

	_, err = m.Acquire(ctx, "a", org)
	require.Error(t, err)
	assert.True(t, command.HasCode(err, command.ErrCodeLockOrder))
	assert.True(t, command.IsRetryCancelled(err))
}

func TestAcquireBlocksOtherOwner(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	scope, err := m.Acquire(ctx, "a", comp)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(waitCtx, "b", comp)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, scope.Release(ctx))
	other, err := m.Acquire(ctx, "b", comp)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))
}

func TestMutualExclusionUnderContention(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	var (
		inside  int64
		maxSeen atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				scope, err := m.Acquire(ctx, owner, comp)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if v := atomic.AddInt64(&inside, 1); v > maxSeen.Load() {
					maxSeen.Store(v)
				}
				time.Sleep(50 * time.Microsecond)
				atomic.AddInt64(&inside, -1)
				_ = scope.Release(ctx)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxSeen.Load())
}

func TestReverseRequestOrderDoesNotDeadlock(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	run := func(owner string, keys ...Key) {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			scope, err := m.Acquire(ctx, owner, keys...)
			if err != nil {
				t.Errorf("%s: %v", owner, err)
				return
			}
			_ = scope.Release(ctx)
		}
	}

	wg.Add(2)
	go run("wf-1", org, project)
	go run("wf-2", project, org)
	wg.Wait()

	require.NoError(t, ctx.Err(), "workflows deadlocked")
}

func TestReleaseOwnerSweepsOnlyThatOwner(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, "terminated", org, project)
	require.NoError(t, err)
	other, err := m.Acquire(ctx, "alive", comp)
	require.NoError(t, err)
	defer other.Release(ctx)

	released, err := m.ReleaseOwner(ctx, "terminated")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{org.String(), project.String()}, released)

	ok, _ := m.IsLockedBy(ctx, "alive", comp)
	assert.True(t, ok)

	scope, err := m.Acquire(ctx, "next", org, project)
	require.NoError(t, err)
	require.NoError(t, scope.Release(ctx))
}

func TestMemoryBackendTTL(t *testing.T) {
	b := NewMemoryBackend()
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := b.TryAcquire(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = b.TryAcquire(ctx, "k", "b", time.Second)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = b.TryAcquire(ctx, "k", "b", time.Second)
	assert.True(t, ok)
}

func TestOwnerContext(t *testing.T) {
	_, ok := OwnerFromContext(context.Background())
	assert.False(t, ok)

	owner, ok := OwnerFromContext(WithOwner(context.Background(), "wf-1"))
	assert.True(t, ok)
	assert.Equal(t, "wf-1", owner)
}

func TestHeldLocksAreRenewedPastTheirTTL(t *testing.T) {
	m := NewManager(NewMemoryBackend(),
		WithTTL(50*time.Millisecond),
		WithPollInterval(time.Millisecond),
		WithLogger(command.NopLogger{}),
	)
	ctx := context.Background()

	scope, err := m.Acquire(ctx, "deploy", project)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)

	ok, err := m.IsLockedBy(ctx, "deploy", project)
	require.NoError(t, err)
	assert.True(t, ok, "a live owner keeps its key")

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(waitCtx, "intruder", project)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, scope.Release(ctx))
	next, err := m.Acquire(ctx, "intruder", project)
	require.NoError(t, err)
	require.NoError(t, next.Release(ctx))

	assert.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return !m.renewing
	}, time.Second, 5*time.Millisecond, "renewal stops once nothing is held")
}

func TestResetLetsAReplayReenterAtDepthOne(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, "wf-1", project)
	require.NoError(t, err)

	m.Reset("wf-1")
	replayed, err := m.Acquire(ctx, "wf-1", project)
	require.NoError(t, err)
	require.NoError(t, replayed.Release(ctx))

	ok, err := m.IsLockedBy(ctx, "wf-1", project)
	require.NoError(t, err)
	assert.False(t, ok, "one release frees a replayed acquisition")
	assert.Empty(t, m.Held("wf-1"))
}

func TestMemoryBackendRefresh(t *testing.T) {
	b := NewMemoryBackend()
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := b.Refresh(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "refresh never takes a free key")

	_, err = b.TryAcquire(ctx, "k", "a", time.Second)
	require.NoError(t, err)

	now = now.Add(900 * time.Millisecond)
	ok, _ = b.Refresh(ctx, "k", "a", time.Second)
	require.True(t, ok)
	ok, _ = b.Refresh(ctx, "k", "b", time.Second)
	assert.False(t, ok)

	now = now.Add(900 * time.Millisecond)
	owner, _ := b.Owner(ctx, "k")
	assert.Equal(t, "a", owner)
}

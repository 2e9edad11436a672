package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-controlplane/command"
)

func openTestSQLite(t *testing.T) *SQLStore {
	t.Helper()
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db)
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": openTestSQLite(t),
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			added, err := s.Add(ctx, &Record{Kind: "project", ID: "p1", PartitionKey: "org", Data: []byte(`{"id":"p1"}`), UniqueKeys: []string{"slug:a"}})
			require.NoError(t, err)
			assert.Equal(t, 1, added.Version)
			assert.NotEmpty(t, added.ETag)

			_, err = s.Add(ctx, &Record{Kind: "project", ID: "p1", PartitionKey: "org", Data: []byte(`{}`)})
			assert.True(t, IsConflict(err))

			got, err := s.Get(ctx, "project", "p1")
			require.NoError(t, err)
			assert.Equal(t, added.ETag, got.ETag)
			assert.Equal(t, []string{"slug:a"}, got.UniqueKeys)

			updated, err := s.Set(ctx, &Record{Kind: "project", ID: "p1", PartitionKey: "org", Data: []byte(`{"id":"p1","v":2}`)}, got.ETag)
			require.NoError(t, err)
			assert.Equal(t, 2, updated.Version)
			assert.NotEqual(t, got.ETag, updated.ETag)

			_, err = s.Set(ctx, &Record{Kind: "project", ID: "p1", PartitionKey: "org", Data: []byte(`{}`)}, got.ETag)
			assert.True(t, IsConflict(err), "stale etag must conflict")

			_, err = s.Get(ctx, "project", "missing")
			assert.True(t, IsNotFound(err))

			require.NoError(t, s.Remove(ctx, "project", "p1"))
			_, err = s.Get(ctx, "project", "p1")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestStoreUniqueKeysArePerPartition(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Add(ctx, &Record{Kind: "component", ID: "c1", PartitionKey: "p1", Data: []byte(`{}`), UniqueKeys: []string{"slug:web"}})
			require.NoError(t, err)

			_, err = s.Add(ctx, &Record{Kind: "component", ID: "c2", PartitionKey: "p1", Data: []byte(`{}`), UniqueKeys: []string{"slug:web"}})
			assert.True(t, IsConflict(err))

			_, err = s.Add(ctx, &Record{Kind: "component", ID: "c3", PartitionKey: "p2", Data: []byte(`{}`), UniqueKeys: []string{"slug:web"}})
			assert.NoError(t, err)
		})
	}
}

func TestStoreListAndPurge(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			expired := now.Add(-time.Minute)
			later := now.Add(time.Hour)

			for _, rec := range []*Record{
				{Kind: "component", ID: "a", PartitionKey: "p1", Data: []byte(`{}`)},
				{Kind: "component", ID: "b", PartitionKey: "p1", Data: []byte(`{}`), Deleted: &expired, ExpiresAt: &expired},
				{Kind: "component", ID: "c", PartitionKey: "p2", Data: []byte(`{}`), Deleted: &now, ExpiresAt: &later},
			} {
				_, err := s.Add(ctx, rec)
				require.NoError(t, err)
			}

			p1, err := s.List(ctx, "component", "p1")
			require.NoError(t, err)
			assert.Len(t, p1, 2)

			all, err := s.List(ctx, "component", "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			n, err := s.Purge(ctx, now)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			all, err = s.List(ctx, "component", "")
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestResultStores(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	stores := map[string]ResultStore{
		"memory": NewMemoryResultStore(),
		"sqlite": &SQLResultStore{DB: db},
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cmd := command.New(command.TypeProjectCreate, nil, nil)
			r := command.NewResult(cmd)
			r.AddWarning(assert.AnError)
			r.Finalize(nil)
			require.NoError(t, s.SaveResult(ctx, r))

			got, err := s.GetResult(ctx, cmd.ID)
			require.NoError(t, err)
			assert.Equal(t, command.RuntimeStatusCompleted, got.RuntimeStatus)
			require.Len(t, got.Errors, 1)
			assert.Equal(t, command.SeverityWarning, got.Errors[0].Severity)

			completed, err := s.ListResults(ctx, command.RuntimeStatusCompleted)
			require.NoError(t, err)
			assert.Len(t, completed, 1)

			_, err = s.GetResult(ctx, "missing")
			assert.True(t, IsNotFound(err))
		})
	}
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/lock"
	"github.com/goliatone/go-controlplane/model"
)

// LockChecker tells the repository whether a writer holds an entity lock.
type LockChecker interface {
	IsLockedBy(ctx context.Context, owner string, key lock.Key) (bool, error)
}

// DefaultDeletedTTL is how long soft deleted documents stay visible.
const DefaultDeletedTTL = 7 * 24 * time.Hour

// Repository maps one document kind onto a Store.
type Repository[T model.Document] struct {
	store Store
	locks LockChecker
	newFn func() T
	kind  string
	now   func() time.Time
	ttl   time.Duration
}

type RepositoryOption func(*repositoryConfig)

type repositoryConfig struct {
	now func() time.Time
	ttl time.Duration
}

func WithClock(now func() time.Time) RepositoryOption {
	return func(c *repositoryConfig) {
		if now != nil {
			c.now = now
		}
	}
}

func WithDeletedTTL(ttl time.Duration) RepositoryOption {
	return func(c *repositoryConfig) { c.ttl = ttl }
}

func NewRepository[T model.Document](s Store, locks LockChecker, newFn func() T, opts ...RepositoryOption) *Repository[T] {
	cfg := repositoryConfig{now: time.Now, ttl: DefaultDeletedTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Repository[T]{
		store: s,
		locks: locks,
		newFn: newFn,
		kind:  newFn().Kind(),
		now:   cfg.now,
		ttl:   cfg.ttl,
	}
}

func (r *Repository[T]) Kind() string { return r.kind }

// Get returns the document, soft deleted ones included.
func (r *Repository[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if r == nil || r.store == nil {
		return zero, errors.New("repository not configured", errors.CategoryHandler)
	}
	rec, err := r.store.Get(ctx, r.kind, id)
	if err != nil {
		return zero, err
	}
	return r.decode(rec)
}

// Add inserts a new document.
func (r *Repository[T]) Add(ctx context.Context, doc T) (T, error) {
	var zero T
	rec, err := r.encode(doc)
	if err != nil {
		return zero, err
	}
	stored, err := r.store.Add(ctx, rec)
	if err != nil {
		return zero, err
	}
	return r.decode(stored)
}

// Set writes doc. The caller must hold the entity lock, identified by the
// lock owner carried in ctx. Writing without it is rejected and not retried.
func (r *Repository[T]) Set(ctx context.Context, doc T) (T, error) {
	var zero T
	if err := r.requireLock(ctx, doc); err != nil {
		return zero, err
	}
	return r.SetUnsafe(ctx, doc)
}

// SetUnsafe writes doc without the lock check. The stored ETag must match
// the document's one when the document carries an ETag.
func (r *Repository[T]) SetUnsafe(ctx context.Context, doc T) (T, error) {
	var zero T
	rec, err := r.encode(doc)
	if err != nil {
		return zero, err
	}
	stored, err := r.store.Set(ctx, rec, doc.GetETag())
	if err != nil {
		return zero, err
	}
	return r.decode(stored)
}

// Delete soft deletes doc: it stays readable with a Deleted marker until the
// TTL expires and Purge drops it.
func (r *Repository[T]) Delete(ctx context.Context, doc T) (T, error) {
	var zero T
	sd, ok := any(doc).(model.SoftDeletable)
	if !ok {
		return zero, errors.New(fmt.Sprintf("%s is not soft deletable", r.kind), errors.CategoryValidation)
	}
	sd.MarkDeleted(r.now(), r.ttl)
	return r.Set(ctx, doc)
}

// Restore clears a soft delete marker.
func (r *Repository[T]) Restore(ctx context.Context, doc T) (T, error) {
	if sd, ok := any(doc).(model.SoftDeletable); ok {
		sd.ClearDeleted()
	}
	return r.Set(ctx, doc)
}

// Remove hard deletes the document.
func (r *Repository[T]) Remove(ctx context.Context, doc T) error {
	return r.store.Remove(ctx, r.kind, doc.GetID())
}

// List returns the documents of a partition; an empty partition lists all.
func (r *Repository[T]) List(ctx context.Context, partition string, includeDeleted bool) ([]T, error) {
	recs, err := r.store.List(ctx, r.kind, partition)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		if rec.Deleted != nil && !includeDeleted {
			continue
		}
		doc, err := r.decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (r *Repository[T]) requireLock(ctx context.Context, doc T) error {
	key := lock.KeyOf(doc)
	owner, ok := lock.OwnerFromContext(ctx)
	if ok && r.locks != nil {
		held, err := r.locks.IsLockedBy(ctx, owner, key)
		if err != nil {
			return errors.Wrap(err, errors.CategoryExternal, "check lock "+key.String())
		}
		if held {
			return nil
		}
	}
	return errors.New(fmt.Sprintf("set %s without holding its lock", key), errors.CategoryConflict).
		WithTextCode(command.ErrCodeLockNotHeld).
		WithMetadata(map[string]any{"key": key.String(), "owner": owner})
}

func (r *Repository[T]) encode(doc T) (*Record, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryValidation, "encode "+r.kind)
	}
	rec := &Record{
		Kind:         r.kind,
		ID:           doc.GetID(),
		PartitionKey: doc.GetPartitionKey(),
		Data:         data,
		ETag:         doc.GetETag(),
		Version:      doc.GetVersion(),
	}
	if uk, ok := any(doc).(model.HasUniqueKeys); ok {
		rec.UniqueKeys = uk.UniqueKeys()
	}
	if sd, ok := any(doc).(model.SoftDeletable); ok {
		rec.Deleted = sd.GetDeleted()
		if m, ok := any(doc).(interface{ ExpiresAt() (time.Time, bool) }); ok {
			if at, ok := m.ExpiresAt(); ok {
				rec.ExpiresAt = &at
			}
		}
	}
	return rec, nil
}

type timestamped interface {
	SetTimestamps(created, updated time.Time)
}

func (r *Repository[T]) decode(rec *Record) (T, error) {
	doc := r.newFn()
	if err := json.Unmarshal(rec.Data, doc); err != nil {
		var zero T
		return zero, errors.Wrap(err, errors.CategoryHandler, "decode "+r.kind+" "+rec.ID)
	}
	doc.SetETag(rec.ETag)
	doc.SetVersion(rec.Version)
	if m, ok := any(doc).(timestamped); ok {
		m.SetTimestamps(rec.Created, rec.Updated)
	}
	return doc, nil
}

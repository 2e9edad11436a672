package store

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/goliatone/go-controlplane/command"
)

// Record is the stored form of a document.
type Record struct {
	Kind         string
	ID           string
	PartitionKey string
	Data         []byte
	ETag         string
	Version      int
	UniqueKeys   []string
	Deleted      *time.Time
	ExpiresAt    *time.Time
	Created      time.Time
	Updated      time.Time
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Data = append([]byte(nil), r.Data...)
	cp.UniqueKeys = append([]string(nil), r.UniqueKeys...)
	if r.Deleted != nil {
		d := *r.Deleted
		cp.Deleted = &d
	}
	if r.ExpiresAt != nil {
		e := *r.ExpiresAt
		cp.ExpiresAt = &e
	}
	return &cp
}

// Store is a keyed document store with optimistic concurrency. Every write
// assigns a fresh ETag and bumps Version.
type Store interface {
	Get(ctx context.Context, kind, id string) (*Record, error)
	// Add fails with a conflict when the id or a unique key is taken.
	Add(ctx context.Context, rec *Record) (*Record, error)
	// Set upserts rec. A non empty expectedETag must match the stored one.
	Set(ctx context.Context, rec *Record, expectedETag string) (*Record, error)
	Remove(ctx context.Context, kind, id string) error
	// List returns the records of kind, restricted to partition when set.
	List(ctx context.Context, kind, partition string) ([]*Record, error)
	// Purge removes soft deleted records whose TTL has expired.
	Purge(ctx context.Context, now time.Time) (int, error)
}

var (
	ErrNotFound = stderrors.New("document not found")
	ErrConflict = stderrors.New("document conflict")
)

func notFound(kind, id string) error {
	return errors.Wrap(ErrNotFound, errors.CategoryBadInput, kind+" "+id+" not found").
		WithTextCode(command.ErrCodeNotFound).
		WithMetadata(map[string]any{"kind": kind, "id": id})
}

func conflict(kind, id, reason string) error {
	return errors.Wrap(ErrConflict, errors.CategoryConflict, kind+" "+id+": "+reason).
		WithTextCode(command.ErrCodeConflict).
		WithMetadata(map[string]any{"kind": kind, "id": id})
}

// IsNotFound reports whether err is a missing document.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound) || command.HasCode(err, command.ErrCodeNotFound)
}

func IsConflict(err error) bool {
	return stderrors.Is(err, ErrConflict) || command.HasCode(err, command.ErrCodeConflict)
}

func newETag() string {
	return uuid.NewString()
}

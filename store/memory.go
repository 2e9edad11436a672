package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps documents in process. Records are cloned on the way in
// and out so callers never share buffers with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	unique  map[string]string
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		unique:  make(map[string]string),
		now:     time.Now,
	}
}

func recordKey(kind, id string) string { return kind + "\x00" + id }

func uniqueKey(kind, partition, key string) string {
	return kind + "\x00" + partition + "\x00" + key
}

func (s *MemoryStore) Get(_ context.Context, kind, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey(kind, id)]
	if !ok {
		return nil, notFound(kind, id)
	}
	return rec.clone(), nil
}

func (s *MemoryStore) Add(_ context.Context, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[recordKey(rec.Kind, rec.ID)]; exists {
		return nil, conflict(rec.Kind, rec.ID, "already exists")
	}
	if err := s.checkUniqueLocked(rec); err != nil {
		return nil, err
	}

	stored := rec.clone()
	now := s.now().UTC()
	stored.Version = 1
	stored.ETag = newETag()
	stored.Created = now
	stored.Updated = now
	s.records[recordKey(rec.Kind, rec.ID)] = stored
	s.indexUniqueLocked(stored)
	return stored.clone(), nil
}

func (s *MemoryStore) Set(_ context.Context, rec *Record, expectedETag string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(rec.Kind, rec.ID)
	current, exists := s.records[key]
	if expectedETag != "" {
		if !exists {
			return nil, notFound(rec.Kind, rec.ID)
		}
		if current.ETag != expectedETag {
			return nil, conflict(rec.Kind, rec.ID, "etag mismatch")
		}
	}
	if err := s.checkUniqueLocked(rec); err != nil {
		return nil, err
	}

	stored := rec.clone()
	now := s.now().UTC()
	stored.Updated = now
	stored.ETag = newETag()
	if exists {
		stored.Version = current.Version + 1
		stored.Created = current.Created
		s.unindexUniqueLocked(current)
	} else {
		stored.Version = 1
		stored.Created = now
	}
	s.records[key] = stored
	s.indexUniqueLocked(stored)
	return stored.clone(), nil
}

func (s *MemoryStore) Remove(_ context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(kind, id)
	current, ok := s.records[key]
	if !ok {
		return notFound(kind, id)
	}
	s.unindexUniqueLocked(current)
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context, kind, partition string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.Kind != kind {
			continue
		}
		if partition != "" && rec.PartitionKey != partition {
			continue
		}
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.records {
		if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			s.unindexUniqueLocked(rec)
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) checkUniqueLocked(rec *Record) error {
	for _, k := range rec.UniqueKeys {
		if owner, ok := s.unique[uniqueKey(rec.Kind, rec.PartitionKey, k)]; ok && owner != rec.ID {
			return conflict(rec.Kind, rec.ID, "unique key "+k+" taken by "+owner)
		}
	}
	return nil
}

func (s *MemoryStore) indexUniqueLocked(rec *Record) {
	for _, k := range rec.UniqueKeys {
		s.unique[uniqueKey(rec.Kind, rec.PartitionKey, k)] = rec.ID
	}
}

func (s *MemoryStore) unindexUniqueLocked(rec *Record) {
	for _, k := range rec.UniqueKeys {
		uk := uniqueKey(rec.Kind, rec.PartitionKey, k)
		if s.unique[uk] == rec.ID {
			delete(s.unique, uk)
		}
	}
}

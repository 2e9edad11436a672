package lock

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-controlplane/command"
	"github.com/goliatone/go-controlplane/metrics"
)

// Manager hands out entity locks to owners. Keys are always taken in rank
// order and an owner may re-enter keys it already holds.
type Manager struct {
	backend Backend
	ttl     time.Duration
	renew   time.Duration
	poll    time.Duration
	logger  command.Logger
	metrics metrics.Recorder

	mu       sync.Mutex
	held     map[string]map[Key]int
	renewing bool
}

type Option func(*Manager)

// WithTTL bounds how long a lock survives a crashed owner. Live owners have
// their keys renewed, so the TTL only matters once the process is gone. Zero
// keeps locks until released or swept.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithRenewInterval sets how often held keys are extended. It defaults to a
// third of the TTL.
func WithRenewInterval(d time.Duration) Option {
	return func(m *Manager) { m.renew = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.poll = d
		}
	}
}

func WithLogger(l command.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = metrics.OrNop(r) }
}

func NewManager(backend Backend, opts ...Option) *Manager {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	m := &Manager{
		backend: backend,
		poll:    25 * time.Millisecond,
		logger:  command.NewFmtLogger(nil),
		metrics: metrics.Nop{},
		held:    make(map[string]map[Key]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Scope is a set of held keys released together.
type Scope struct {
	manager *Manager
	owner   string
	keys    []Key
	once    sync.Once
	err     error
}

func (s *Scope) Owner() string { return s.owner }
func (s *Scope) Keys() []Key   { return append([]Key(nil), s.keys...) }

// Release frees the scope. Safe to call more than once.
func (s *Scope) Release(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.err = s.manager.release(ctx, s.owner, s.keys)
	})
	return s.err
}

// Acquire blocks until owner holds every key or ctx is done.
func (m *Manager) Acquire(ctx context.Context, owner string, keys ...Key) (*Scope, error) {
	if owner == "" {
		return nil, errors.New("lock owner required", errors.CategoryValidation).
			WithTextCode("LOCK_OWNER_REQUIRED")
	}
	sorted := Sort(keys)
	if len(sorted) == 0 {
		return &Scope{manager: m, owner: owner}, nil
	}

	fresh, err := m.checkOrder(owner, sorted)
	if err != nil {
		return nil, err
	}

	var taken []Key
	for _, key := range sorted {
		if _, isFresh := fresh[key]; isFresh {
			if err := m.acquireOne(ctx, owner, key); err != nil {
				if rerr := m.release(context.WithoutCancel(ctx), owner, taken); rerr != nil {
					m.logger.Error("rollback of partial lock %s for %s: %v", key, owner, rerr)
				}
				return nil, err
			}
		}
		m.mu.Lock()
		if m.held[owner] == nil {
			m.held[owner] = make(map[Key]int)
		}
		m.held[owner][key]++
		m.startRenewLocked()
		m.mu.Unlock()
		taken = append(taken, key)
	}

	return &Scope{manager: m, owner: owner, keys: taken}, nil
}

// IsLockedBy reports whether owner currently holds key in the backend.
func (m *Manager) IsLockedBy(ctx context.Context, owner string, key Key) (bool, error) {
	current, err := m.backend.Owner(ctx, key.String())
	if err != nil {
		return false, err
	}
	return current != "" && current == owner, nil
}

// Held lists the keys owner holds through this manager.
func (m *Manager) Held(owner string) []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Key, 0, len(m.held[owner]))
	for k := range m.held[owner] {
		out = append(out, k)
	}
	return Sort(out)
}

// Reset forgets the re-entry depth recorded for owner without touching the
// backend. An owner that replays its acquisitions from the start calls it
// first so the replay re-enters its keys at depth one.
func (m *Manager) Reset(owner string) {
	m.mu.Lock()
	delete(m.held, owner)
	m.mu.Unlock()
}

// ReleaseOwner sweeps every lock held by owner, including ones orphaned by a
// terminated or crashed instance.
func (m *Manager) ReleaseOwner(ctx context.Context, owner string) ([]string, error) {
	m.mu.Lock()
	delete(m.held, owner)
	m.mu.Unlock()

	released, err := m.backend.ReleaseOwner(ctx, owner)
	if err != nil {
		return released, errors.Wrap(err, errors.CategoryExternal, "release locks of "+owner)
	}
	if len(released) > 0 {
		m.logger.Info("released %d orphaned lock(s) of %s: %v", len(released), owner, released)
	}
	return released, nil
}

func (m *Manager) checkOrder(owner string, sorted []Key) (map[Key]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := m.held[owner]
	fresh := make(map[Key]struct{}, len(sorted))
	for _, k := range sorted {
		if held[k] == 0 {
			fresh[k] = struct{}{}
		}
	}
	if len(fresh) == 0 || len(held) == 0 {
		return fresh, nil
	}

	var first Key
	for _, k := range sorted {
		if _, ok := fresh[k]; ok {
			first = k
			break
		}
	}
	for h, depth := range held {
		if depth > 0 && !less(h, first) {
			return nil, errors.New(
				fmt.Sprintf("lock order violation: %s requested while holding %s", first, h),
				errors.CategoryConflict,
			).
				WithTextCode(command.ErrCodeLockOrder).
				WithMetadata(map[string]any{
					"owner":     owner,
					"held":      h.String(),
					"requested": first.String(),
				})
		}
	}
	return fresh, nil
}

func (m *Manager) acquireOne(ctx context.Context, owner string, key Key) error {
	start := time.Now()
	defer func() { m.metrics.LockWait(key.Type, time.Since(start)) }()

	var ticker *time.Ticker
	for {
		ok, err := m.backend.TryAcquire(ctx, key.String(), owner, m.ttl)
		if err != nil {
			return errors.Wrap(err, errors.CategoryExternal, "acquire lock "+key.String())
		}
		if ok {
			if ticker != nil {
				ticker.Stop()
			}
			return nil
		}
		if ticker == nil {
			ticker = time.NewTicker(m.poll)
			defer ticker.Stop()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) release(ctx context.Context, owner string, keys []Key) error {
	var errs []error
	for i := len(keys) - 1; i >= 0; i-- {
		key := keys[i]
		m.mu.Lock()
		depth := m.held[owner][key]
		last := depth <= 1
		if depth > 0 {
			m.held[owner][key] = depth - 1
		}
		if last {
			delete(m.held[owner], key)
			if len(m.held[owner]) == 0 {
				delete(m.held, owner)
			}
		}
		m.mu.Unlock()

		if !last {
			continue
		}
		if err := m.backend.Release(ctx, key.String(), owner); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", key, err))
		}
	}
	return stderrors.Join(errs...)
}

func (m *Manager) renewInterval() time.Duration {
	if m.renew > 0 {
		return m.renew
	}
	if every := m.ttl / 3; every > 0 {
		return every
	}
	return m.ttl
}

// startRenewLocked runs the renewal loop while any key is held. Callers hold
// m.mu.
func (m *Manager) startRenewLocked() {
	if m.ttl <= 0 || m.renewing {
		return
	}
	m.renewing = true
	go m.renewLoop(m.renewInterval())
}

func (m *Manager) renewLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		leases, ok := m.leases()
		if !ok {
			return
		}
		for owner, keys := range leases {
			for _, key := range keys {
				m.renewOne(owner, key, every)
			}
		}
	}
}

// leases snapshots the held keys. It stops the loop when nothing is held.
func (m *Manager) leases() (map[string][]Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.held) == 0 {
		m.renewing = false
		return nil, false
	}
	out := make(map[string][]Key, len(m.held))
	for owner, keys := range m.held {
		for k := range keys {
			out[owner] = append(out[owner], k)
		}
	}
	return out, true
}

func (m *Manager) renewOne(owner string, key Key, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ok, err := m.backend.Refresh(ctx, key.String(), owner, m.ttl)
	if err != nil {
		m.logger.Warn("renew lock %s for %s: %v", key, owner, err)
		return
	}
	if ok {
		return
	}
	m.mu.Lock()
	still := m.held[owner][key] > 0
	m.mu.Unlock()
	if still {
		m.logger.Error("lock %s of %s expired before it was renewed", key, owner)
	}
}

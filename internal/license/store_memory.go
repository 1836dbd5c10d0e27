package license

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

const (
	lockShards    = 64
	syncQueueSize = 256
)

// MemoryStore is the authoritative in-process Store. Mutations to one
// license are serialized by a striped lock table keyed by the license key;
// the map itself is guarded by a separate RWMutex so reads of other licenses
// never wait on a mutation. An optional Syncer receives committed mutations
// asynchronously; an optional snapshot file provides restart persistence.
type MemoryStore struct {
	mu       sync.RWMutex
	licenses map[string]License
	trials   map[string]string // machine fingerprint -> trial license key

	shards [lockShards]sync.Mutex

	now    func() time.Time
	logger *slog.Logger

	syncer Syncer
	syncCh chan License

	snapshotPath     string
	snapshotInterval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithClock injects a deterministic clock. Tests only.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) MemoryStoreOption {
	return func(m *MemoryStore) { m.logger = logger }
}

// WithSyncer mirrors committed mutations to an external registry.
func WithSyncer(s Syncer) MemoryStoreOption {
	return func(m *MemoryStore) { m.syncer = s }
}

// WithSnapshot persists the store to a JSON file at the given interval and
// on Close.
func WithSnapshot(path string, interval time.Duration) MemoryStoreOption {
	return func(m *MemoryStore) {
		m.snapshotPath = path
		m.snapshotInterval = interval
	}
}

// NewMemoryStore creates the store, restores the snapshot when one is
// configured and present, populates from the Syncer when configured, and
// starts the background workers.
func NewMemoryStore(ctx context.Context, opts ...MemoryStoreOption) (*MemoryStore, error) {
	m := &MemoryStore{
		licenses: make(map[string]License),
		trials:   make(map[string]string),
		now:      time.Now,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.snapshotPath != "" {
		if err := m.restoreSnapshot(); err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
	}

	if m.syncer != nil {
		loaded, err := m.syncer.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load license registry: %w", err)
		}
		m.mu.Lock()
		for _, lic := range loaded {
			// The snapshot is newer than the registry when both exist;
			// registry rows only fill gaps.
			if existing, ok := m.licenses[lic.Key]; !ok || lic.Version > existing.Version {
				m.licenses[lic.Key] = lic
				if lic.Duration == DurationTrial && lic.Fingerprint != "" {
					m.trials[lic.Fingerprint] = lic.Key
				}
			}
		}
		m.mu.Unlock()

		m.syncCh = make(chan License, syncQueueSize)
		m.wg.Add(1)
		go m.syncWorker()
	}

	if m.snapshotPath != "" && m.snapshotInterval > 0 {
		m.wg.Add(1)
		go m.snapshotWorker()
	}

	return m, nil
}

// Close stops background workers and writes a final snapshot.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	if m.snapshotPath != "" {
		return m.writeSnapshot()
	}
	return nil
}

func (m *MemoryStore) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()%lockShards]
}

func (m *MemoryStore) get(key string) (License, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lic, ok := m.licenses[key]
	return lic, ok
}

func (m *MemoryStore) commit(lic License) {
	m.mu.Lock()
	m.licenses[lic.Key] = lic
	if lic.Duration == DurationTrial && lic.Fingerprint != "" {
		m.trials[lic.Fingerprint] = lic.Key
	}
	m.mu.Unlock()
	m.enqueueSync(lic)
}

// mutate runs fn inside the per-license critical section. fn receives the
// current record and returns the replacement; the version counter is bumped
// on commit. Other licenses are untouched while fn runs.
func (m *MemoryStore) mutate(ctx context.Context, key string, fn func(License) (License, error)) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	lock := m.shard(key)
	lock.Lock()
	defer lock.Unlock()

	lic, ok := m.get(key)
	if !ok {
		return License{}, ErrLicenseNotFound
	}

	updated, err := fn(lic)
	if err != nil {
		return License{}, err
	}
	updated.Version = lic.Version + 1
	m.commit(updated)
	return updated, nil
}

// Activate implements Store.
func (m *MemoryStore) Activate(ctx context.Context, key, fingerprint string) (License, error) {
	key = NormalizeKey(key)
	now := m.now()

	lic, err := m.mutate(ctx, key, func(lic License) (License, error) {
		switch lic.EffectiveStatus(now) {
		case StatusRevoked:
			return License{}, ErrLicenseRevoked
		case StatusExpired:
			return License{}, ErrLicenseExpired
		}

		if lic.Bound() {
			if lic.Fingerprint != fingerprint {
				return License{}, ErrBindingConflict
			}
			// Same machine re-activating: idempotent, refresh last-seen.
			lic.LastSeen = now
			return lic, nil
		}

		// First activation wins the binding and starts the clock.
		lic.Fingerprint = fingerprint
		lic.Status = StatusActive
		lic.ActivatedAt = now
		lic.ExpiresAt = DurationToExpiry(lic.Duration, now)
		lic.LastSeen = now
		return lic, nil
	})
	if err != nil {
		return License{}, err
	}

	m.logger.InfoContext(ctx, "license activated",
		slog.String("license_key", MaskKey(lic.Key)),
		slog.String("status", string(lic.Status)),
		slog.Time("expires_at", lic.ExpiresAt),
	)
	return lic, nil
}

// Register implements Store. Registration is idempotent per fingerprint:
// the same machine always gets its original trial license back.
func (m *MemoryStore) Register(ctx context.Context, fingerprint string, starterCredits int64) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if fingerprint == "" {
		return License{}, fmt.Errorf("%w: empty fingerprint", ErrInvalidKeyFormat)
	}

	// Serialize trial creation per fingerprint so two concurrent
	// registrations from the same machine produce one license.
	lock := m.shard("trial|" + fingerprint)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	existingKey, ok := m.trials[fingerprint]
	m.mu.RUnlock()
	if ok {
		if lic, found := m.get(existingKey); found {
			return lic, nil
		}
	}

	key, err := GenerateKey(DurationTrial)
	if err != nil {
		return License{}, fmt.Errorf("generate trial key: %w", err)
	}

	now := m.now()
	lic := License{
		Key:         key,
		Duration:    DurationTrial,
		Fingerprint: fingerprint,
		Credits:     starterCredits,
		Status:      StatusActive,
		IssuedAt:    now,
		ActivatedAt: now,
		ExpiresAt:   DurationToExpiry(DurationTrial, now),
		LastSeen:    now,
		Version:     1,
	}
	m.commit(lic)

	m.logger.InfoContext(ctx, "trial license registered",
		slog.String("license_key", MaskKey(key)),
		slog.Int64("starter_credits", starterCredits),
	)
	return lic, nil
}

// Consume implements Store. The read-check-decrement runs as one critical
// section per license; a failed consume leaves the balance untouched.
func (m *MemoryStore) Consume(ctx context.Context, key string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: non-positive amount %d", ErrInsufficientCredit, amount)
	}
	now := m.now()

	lic, err := m.mutate(ctx, NormalizeKey(key), func(lic License) (License, error) {
		switch lic.EffectiveStatus(now) {
		case StatusRevoked:
			return License{}, ErrLicenseRevoked
		case StatusExpired:
			return License{}, ErrLicenseExpired
		}
		if lic.Credits < amount {
			return License{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCredit, lic.Credits, amount)
		}
		lic.Credits -= amount
		lic.LastSeen = now
		return lic, nil
	})
	if err != nil {
		return 0, err
	}
	return lic.Credits, nil
}

// Grant implements Store.
func (m *MemoryStore) Grant(ctx context.Context, key string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	lic, err := m.mutate(ctx, NormalizeKey(key), func(lic License) (License, error) {
		if lic.Status == StatusRevoked {
			return License{}, ErrLicenseRevoked
		}
		lic.Credits += amount
		return lic, nil
	})
	if err != nil {
		return 0, err
	}
	return lic.Credits, nil
}

// ClaimWelfare implements Store. The due check and the credit share one
// critical section so a burst of claims yields a single grant.
func (m *MemoryStore) ClaimWelfare(ctx context.Context, key string, amount int64, interval time.Duration) (int64, error) {
	now := m.now()
	lic, err := m.mutate(ctx, NormalizeKey(key), func(lic License) (License, error) {
		switch lic.EffectiveStatus(now) {
		case StatusRevoked:
			return License{}, ErrLicenseRevoked
		case StatusExpired:
			return License{}, ErrLicenseExpired
		}
		if !lic.LastClaimAt.IsZero() && now.Sub(lic.LastClaimAt) < interval {
			return License{}, fmt.Errorf("%w: next claim at %s", ErrClaimNotDue,
				lic.LastClaimAt.Add(interval).Format(time.RFC3339))
		}
		lic.Credits += amount
		lic.LastClaimAt = now
		return lic, nil
	})
	if err != nil {
		return 0, err
	}
	return lic.Credits, nil
}

// Balance implements Store.
func (m *MemoryStore) Balance(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	lic, ok := m.get(NormalizeKey(key))
	if !ok {
		return 0, ErrLicenseNotFound
	}
	return lic.Credits, nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	lic, ok := m.get(NormalizeKey(key))
	if !ok {
		return License{}, ErrLicenseNotFound
	}
	// Lazy expiry is visible to readers without a write.
	lic.Status = lic.EffectiveStatus(m.now())
	return lic, nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context) ([]License, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make([]License, 0, len(m.licenses))
	for _, lic := range m.licenses {
		lic.Status = lic.EffectiveStatus(now)
		out = append(out, lic)
	}
	return out, nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, lic License) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	lic.Key = NormalizeKey(lic.Key)
	if !ValidKeyFormat(lic.Key) {
		return ErrInvalidKeyFormat
	}

	lock := m.shard(lic.Key)
	lock.Lock()
	defer lock.Unlock()

	if _, exists := m.get(lic.Key); exists {
		return fmt.Errorf("license %s already exists", MaskKey(lic.Key))
	}
	if lic.Version == 0 {
		lic.Version = 1
	}
	m.commit(lic)
	return nil
}

// Revoke implements Store. Idempotent: revoking a revoked license succeeds.
func (m *MemoryStore) Revoke(ctx context.Context, key string) error {
	_, err := m.mutate(ctx, NormalizeKey(key), func(lic License) (License, error) {
		lic.Status = StatusRevoked
		return lic, nil
	})
	return err
}

// Unbind implements Store. The administrative override that releases the
// machine binding; the license returns to unactivated until the next
// activation rebinds it.
func (m *MemoryStore) Unbind(ctx context.Context, key string) error {
	_, err := m.mutate(ctx, NormalizeKey(key), func(lic License) (License, error) {
		if lic.Status == StatusRevoked {
			return License{}, ErrLicenseRevoked
		}
		if lic.Duration == DurationTrial {
			m.mu.Lock()
			delete(m.trials, lic.Fingerprint)
			m.mu.Unlock()
		}
		lic.Fingerprint = ""
		lic.Status = StatusUnactivated
		lic.ActivatedAt = time.Time{}
		lic.ExpiresAt = time.Time{}
		return lic, nil
	})
	return err
}

func (m *MemoryStore) enqueueSync(lic License) {
	if m.syncCh == nil {
		return
	}
	select {
	case m.syncCh <- lic:
	default:
		// The registry mirror is best effort; dropping beats blocking the
		// ledger critical section.
		m.logger.Warn("registry sync queue full, dropping update",
			slog.String("license_key", MaskKey(lic.Key)))
	}
}

func (m *MemoryStore) syncWorker() {
	defer m.wg.Done()
	for {
		select {
		case lic := <-m.syncCh:
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := m.syncer.Upsert(ctx, lic); err != nil {
				m.logger.Error("registry sync failed",
					slog.String("license_key", MaskKey(lic.Key)),
					slog.String("error", err.Error()),
				)
			}
			cancel()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryStore) snapshotWorker() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.writeSnapshot(); err != nil {
				m.logger.Error("snapshot write failed", slog.String("error", err.Error()))
			}
		case <-m.stop:
			return
		}
	}
}

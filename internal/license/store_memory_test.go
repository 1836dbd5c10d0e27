package license

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, clock *testClock, opts ...MemoryStoreOption) *MemoryStore {
	t.Helper()
	opts = append(opts, WithClock(clock.Now))
	store, err := NewMemoryStore(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedLicense(t *testing.T, store *MemoryStore, key string, credits int64) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), License{
		Key:      key,
		Duration: DurationOneMonth,
		Credits:  credits,
		Status:   StatusUnactivated,
		IssuedAt: store.now(),
	}))
}

func TestMemoryStoreActivateBinding(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	ctx := context.Background()

	seedLicense(t, store, "MT1M-AAAAA-BBBBB", 100)

	// First activation binds F1 and transitions unactivated -> active.
	lic, err := store.Activate(ctx, "MT1M-AAAAA-BBBBB", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, lic.Status)
	assert.Equal(t, "fp-1", lic.Fingerprint)
	assert.Equal(t, clock.Now().AddDate(0, 1, 0), lic.ExpiresAt)
	assert.Equal(t, int64(100), lic.Credits)

	// A different machine is a binding conflict.
	_, err = store.Activate(ctx, "MT1M-AAAAA-BBBBB", "fp-2")
	assert.ErrorIs(t, err, ErrBindingConflict)

	// Re-activating with the bound machine is idempotent.
	again, err := store.Activate(ctx, "MT1M-AAAAA-BBBBB", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, lic.ExpiresAt, again.ExpiresAt, "idempotent re-activation must not extend expiry")
}

func TestMemoryStoreActivateFailures(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	ctx := context.Background()

	seedLicense(t, store, "MT1M-AAAAA-BBBBB", 10)

	tests := []struct {
		name    string
		setup   func(t *testing.T)
		key     string
		wantErr error
	}{
		{
			name:    "unknown license",
			key:     "MT1M-ZZZZZ-ZZZZZ",
			wantErr: ErrLicenseNotFound,
		},
		{
			name: "revoked license",
			setup: func(t *testing.T) {
				require.NoError(t, store.Revoke(ctx, "MT1M-AAAAA-BBBBB"))
			},
			key:     "MT1M-AAAAA-BBBBB",
			wantErr: ErrLicenseRevoked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup(t)
			}
			_, err := store.Activate(ctx, tt.key, "fp-1")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMemoryStoreActivateExpiredLicense(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	ctx := context.Background()

	seedLicense(t, store, "MT1M-AAAAA-BBBBB", 10)
	_, err := store.Activate(ctx, "MT1M-AAAAA-BBBBB", "fp-1")
	require.NoError(t, err)

	// Two months later the one-month license reads expired without any
	// sweep having run.
	clock.Advance(2 * 31 * 24 * time.Hour)
	_, err = store.Activate(ctx, "MT1M-AAAAA-BBBBB", "fp-1")
	assert.ErrorIs(t, err, ErrLicenseExpired)

	lic, err := store.Get(ctx, "MT1M-AAAAA-BBBBB")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, lic.Status)
}

func TestMemoryStoreConsumeConcurrent(t *testing.T) {
	// 100 credits, 20 concurrent consumers of 10 each: exactly 10 succeed
	// and the balance lands on exactly zero.
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	ctx := context.Background()

	seedLicense(t, store, "MT1M-AAAAA-BBBBB", 100)
	_, err := store.Activate(ctx, "MT1M-AAAAA-BBBBB", "fp-1")
	require.NoError(t, err)

	const workers = 20
	var succeeded, insufficient atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := store.Consume(ctx, "MT1M-AAAAA-BBBBB", 10)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInsufficientCredit):
				insufficient.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(10), succeeded.Load())
	assert.Equal(t, int32(10), insufficient.Load())

	balance, err := store.Balance(ctx, "MT1M-AAAAA-BBBBB")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestMemoryStoreConsumeFailureLeavesBalance(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	ctx := context.Background()

	seedLicense(t, store, "MT1M-AAAAA-BBBBB", 5)
	_, err := store.Activate(ctx, "MT1M-AAAAA-BBBBB", "fp-1")
	require.NoError(t, err)

	_, err = store.Consume(ctx, "MT1M-AAAAA-BBBBB", 10)
	assert.ErrorIs(t, err, ErrInsufficientCredit)

	balance, err := store.Balance(ctx, "MT1M-AAAAA-BBBBB")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance, "failed consume must not partially decrement")
}

func TestMemoryStoreGrantAndClaim(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	ctx := context.Background()

	seedLicense(t, store, "MT1M-AAAAA-BBBBB", 0)
	_, err := store.Activate(ctx, "MT1M-AAAAA-BBBBB", "fp-1")
	require.NoError(t, err)

	balance, err := store.Grant(ctx, "MT1M-AAAAA-BBBBB", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	balance, err = store.ClaimWelfare(ctx, "MT1M-AAAAA-BBBBB", 20, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	// A second claim inside the interval is refused without crediting.
	clock.Advance(24 * time.Hour)
	_, err = store.ClaimWelfare(ctx, "MT1M-AAAAA-BBBBB", 20, 7*24*time.Hour)
	assert.ErrorIs(t, err, ErrClaimNotDue)

	clock.Advance(7 * 24 * time.Hour)
	balance, err = store.ClaimWelfare(ctx, "MT1M-AAAAA-BBBBB", 20, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)
}

func TestMemoryStoreRegisterIdempotent(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	ctx := context.Background()

	first, err := store.Register(ctx, "fp-trial", 50)
	require.NoError(t, err)
	assert.Equal(t, DurationTrial, first.Duration)
	assert.Equal(t, int64(50), first.Credits)
	assert.Equal(t, StatusActive, first.Status)

	second, err := store.Register(ctx, "fp-trial", 50)
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key, "same machine gets its original trial back")

	other, err := store.Register(ctx, "fp-other", 50)
	require.NoError(t, err)
	assert.NotEqual(t, first.Key, other.Key)
}

func TestMemoryStoreUnbindRebind(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	ctx := context.Background()

	seedLicense(t, store, "MT1M-AAAAA-BBBBB", 10)
	_, err := store.Activate(ctx, "MT1M-AAAAA-BBBBB", "fp-1")
	require.NoError(t, err)

	// The administrative override is the only path off a binding.
	require.NoError(t, store.Unbind(ctx, "MT1M-AAAAA-BBBBB"))

	lic, err := store.Activate(ctx, "MT1M-AAAAA-BBBBB", "fp-2")
	require.NoError(t, err)
	assert.Equal(t, "fp-2", lic.Fingerprint)
}

func TestMemoryStoreRevokeTerminal(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)
	ctx := context.Background()

	seedLicense(t, store, "MT1M-AAAAA-BBBBB", 10)
	require.NoError(t, store.Revoke(ctx, "MT1M-AAAAA-BBBBB"))
	require.NoError(t, store.Revoke(ctx, "MT1M-AAAAA-BBBBB"), "revoke is idempotent")

	_, err := store.Activate(ctx, "MT1M-AAAAA-BBBBB", "fp-1")
	assert.ErrorIs(t, err, ErrLicenseRevoked)
	_, err = store.Grant(ctx, "MT1M-AAAAA-BBBBB", 5)
	assert.ErrorIs(t, err, ErrLicenseRevoked)
	assert.ErrorIs(t, store.Unbind(ctx, "MT1M-AAAAA-BBBBB"), ErrLicenseRevoked)
}

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "licenses.json")

	store, err := NewMemoryStore(context.Background(),
		WithClock(clock.Now),
		WithSnapshot(path, time.Hour),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, License{
		Key:      "MT1M-AAAAA-BBBBB",
		Duration: DurationOneMonth,
		Credits:  42,
		Status:   StatusUnactivated,
		IssuedAt: clock.Now(),
	}))
	_, err = store.Activate(ctx, "MT1M-AAAAA-BBBBB", "fp-1")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	restored, err := NewMemoryStore(context.Background(),
		WithClock(clock.Now),
		WithSnapshot(path, time.Hour),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = restored.Close() })

	lic, err := restored.Get(ctx, "MT1M-AAAAA-BBBBB")
	require.NoError(t, err)
	assert.Equal(t, int64(42), lic.Credits)
	assert.Equal(t, "fp-1", lic.Fingerprint)
	assert.Equal(t, StatusActive, lic.Status)
}

func TestMemoryStoreContextCancelled(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStore(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Consume(ctx, "MT1M-AAAAA-BBBBB", 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

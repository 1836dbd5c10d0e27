package license

import (
	"context"
	"time"
)

// Store is the single source of truth for license records, machine bindings
// and the credit ledger. All balance mutation goes through it; nothing else
// in the system writes credit state. Implementations must serialize
// mutations per license while letting different licenses proceed
// independently, and must respect the caller's context deadline rather than
// block.
type Store interface {
	// Activate validates the key, binds the machine fingerprint on first
	// activation (unactivated -> active) and returns the updated record.
	// Re-activation with the already-bound fingerprint is idempotent; a
	// different fingerprint fails with ErrBindingConflict.
	Activate(ctx context.Context, key, fingerprint string) (License, error)

	// Register creates (or returns, idempotently) the trial license for a
	// machine fingerprint, seeded with starter credits.
	Register(ctx context.Context, fingerprint string, starterCredits int64) (License, error)

	// Consume atomically decrements the balance by amount, failing with
	// ErrInsufficientCredit when the balance would go negative. Returns the
	// new balance.
	Consume(ctx context.Context, key string, amount int64) (int64, error)

	// Grant atomically credits the balance by amount. Administrative.
	Grant(ctx context.Context, key string, amount int64) (int64, error)

	// ClaimWelfare credits amount if at least interval has passed since the
	// last claim, updating the claim timestamp in the same critical section.
	ClaimWelfare(ctx context.Context, key string, amount int64, interval time.Duration) (int64, error)

	// Balance returns the current balance without exclusivity, but never a
	// partially applied write.
	Balance(ctx context.Context, key string) (int64, error)

	// Get returns the license with expiry resolved lazily.
	Get(ctx context.Context, key string) (License, error)

	// List returns all licenses, for the management surface.
	List(ctx context.Context) ([]License, error)

	// Put inserts a freshly generated license record. Administrative.
	Put(ctx context.Context, lic License) error

	// Revoke transitions the license to revoked. Terminal, idempotent.
	Revoke(ctx context.Context, key string) error

	// Unbind clears the machine fingerprint and is the only legal
	// fingerprint mutation after binding. Administrative.
	Unbind(ctx context.Context, key string) error
}

// Syncer mirrors license mutations to an external registry. The store calls
// it asynchronously after commit; the registry is never authoritative and a
// sync failure never unwinds a committed ledger write.
type Syncer interface {
	// Load returns the registry contents for initial population.
	Load(ctx context.Context) ([]License, error)
	// Upsert writes one license row.
	Upsert(ctx context.Context, lic License) error
}

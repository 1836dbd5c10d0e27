package license

import "errors"

// Sentinel errors returned by the store, the session manager, and the
// authenticator. The transport layer maps these onto API error responses;
// inside the domain they are matched with errors.Is.
var (
	// Authentication failures. Deliberately coarse: callers learn the
	// category (bad signature vs. stale timestamp vs. replay) and nothing
	// about which byte of the check failed.
	ErrInvalidSignature = errors.New("request signature invalid")
	ErrStaleTimestamp   = errors.New("request timestamp outside accepted window")
	ErrReplayDetected   = errors.New("request nonce already used")

	// License store failures.
	ErrLicenseNotFound   = errors.New("license not found")
	ErrLicenseExpired    = errors.New("license expired")
	ErrLicenseRevoked    = errors.New("license revoked")
	ErrBindingConflict   = errors.New("license bound to a different machine")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrClaimNotDue        = errors.New("welfare claim not due yet")
	ErrStoreUnavailable   = errors.New("license store unavailable")

	// Session failures.
	ErrSessionInvalid = errors.New("session token unknown or revoked")
	ErrSessionExpired = errors.New("session expired")

	// Key handling.
	ErrInvalidKeyFormat = errors.New("invalid license key format")
)

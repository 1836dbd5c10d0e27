package license

import (
	"time"
)

// Status represents the lifecycle state of a license.
type Status string

const (
	StatusUnactivated Status = "unactivated"
	StatusActive      Status = "active"
	StatusExpired     Status = "expired"
	StatusRevoked     Status = "revoked"
)

// Duration codes recognized by key generation and trial registration.
const (
	DurationTrial    = "trial"
	DurationOneMonth = "1m"
	DurationQuarter  = "3m"
	DurationHalfYear = "6m"
	DurationOneYear  = "1y"
)

// License is the unit of entitlement. The key doubles as the record
// identifier. Fingerprint is empty until first activation binds it; after
// that only an administrative unbind may change it. Credits never go
// negative. Version is a compare-and-swap counter bumped on every mutation.
type License struct {
	Key         string    `json:"key"`
	Duration    string    `json:"duration"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Credits     int64     `json:"credits"`
	Status      Status    `json:"status"`
	IssuedAt    time.Time `json:"issued_at"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
	LastClaimAt time.Time `json:"last_claim_at,omitempty"`
	Version     uint64    `json:"version"`
}

// EffectiveStatus resolves time-based expiry lazily: a license whose
// expiration has passed reads as expired without waiting for a sweep.
// Revoked is terminal and never reinterpreted.
func (l License) EffectiveStatus(now time.Time) Status {
	if l.Status == StatusRevoked {
		return StatusRevoked
	}
	if l.Status == StatusActive && !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt) {
		return StatusExpired
	}
	return l.Status
}

// Bound reports whether the license has a machine binding.
func (l License) Bound() bool {
	return l.Fingerprint != ""
}

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionValid   SessionStatus = "valid"
	SessionExpired SessionStatus = "expired"
	SessionRevoked SessionStatus = "revoked"
)

// Session is a time-bounded proof of a successful activation, identified by
// an opaque token. ExpiresAt slides forward on verified refresh.
type Session struct {
	Token       string        `json:"token"`
	LicenseKey  string        `json:"license_key"`
	Fingerprint string        `json:"fingerprint"`
	Status      SessionStatus `json:"status"`
	IssuedAt    time.Time     `json:"issued_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// Expired reports whether the session has outlived its window. Status is
// still authoritative; this only covers the time dimension.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

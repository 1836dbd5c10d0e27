package license

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultSessionTTL is the session lifetime when none is configured.
const DefaultSessionTTL = 7 * 24 * time.Hour

// Sessions owns session records. It references license keys but never
// touches credit state. Policy: one active session per license; Issue for a
// license revokes its previous current session. Expiry is detected lazily
// at validation time; the optional sweep started by Start only reclaims
// memory held by terminal sessions.
type Sessions struct {
	mu        sync.RWMutex
	byToken   map[string]Session
	byLicense map[string]string // license key -> current token

	ttl      time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSessions creates a session manager with the given TTL.
func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{
		byToken:   make(map[string]Session),
		byLicense: make(map[string]string),
		ttl:       ttl,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// WithClock injects a deterministic clock. Tests only.
func (s *Sessions) WithClock(now func() time.Time) *Sessions {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Issue creates a new valid session for a license, superseding any previous
// current session for it.
func (s *Sessions) Issue(licenseKey, fingerprint string) (Session, error) {
	token, err := newToken()
	if err != nil {
		return Session{}, fmt.Errorf("generate session token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if prevToken, ok := s.byLicense[licenseKey]; ok {
		if prev, found := s.byToken[prevToken]; found && prev.Status == SessionValid {
			prev.Status = SessionRevoked
			s.byToken[prevToken] = prev
		}
	}

	sess := Session{
		Token:       token,
		LicenseKey:  licenseKey,
		Fingerprint: fingerprint,
		Status:      SessionValid,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	}
	s.byToken[token] = sess
	s.byLicense[licenseKey] = token
	return sess, nil
}

// Validate resolves a token to its session. An unknown token or a revoked
// session fails with ErrSessionInvalid; a session past its expiry is
// transitioned to expired on observation and fails with ErrSessionExpired.
func (s *Sessions) Validate(token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byToken[token]
	if !ok || sess.Status == SessionRevoked {
		return Session{}, ErrSessionInvalid
	}
	if sess.Status == SessionExpired {
		return Session{}, ErrSessionExpired
	}
	if sess.Expired(s.now()) {
		sess.Status = SessionExpired
		s.byToken[token] = sess
		return Session{}, ErrSessionExpired
	}
	return sess, nil
}

// Refresh extends a valid session's expiry to now+TTL (sliding window).
// Called on every successful verify; the policy is deliberate, not
// incidental: an actively verifying client never loses its session.
func (s *Sessions) Refresh(token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byToken[token]
	if !ok || sess.Status != SessionValid {
		return Session{}, ErrSessionInvalid
	}
	now := s.now()
	if sess.Expired(now) {
		sess.Status = SessionExpired
		s.byToken[token] = sess
		return Session{}, ErrSessionExpired
	}
	sess.ExpiresAt = now.Add(s.ttl)
	s.byToken[token] = sess
	return sess, nil
}

// Revoke marks a session revoked. Idempotent; revoking an unknown token is
// a no-op so administrative cleanup scripts can re-run safely.
func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byToken[token]
	if !ok {
		return
	}
	sess.Status = SessionRevoked
	s.byToken[token] = sess
	if s.byLicense[sess.LicenseKey] == token {
		delete(s.byLicense, sess.LicenseKey)
	}
}

// RevokeLicense revokes the current session of a license, if any. Used when
// a license itself is revoked administratively.
func (s *Sessions) RevokeLicense(licenseKey string) {
	s.mu.RLock()
	token, ok := s.byLicense[licenseKey]
	s.mu.RUnlock()
	if ok {
		s.Revoke(token)
	}
}

// Active returns the number of currently valid sessions.
func (s *Sessions) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	n := 0
	for _, sess := range s.byToken {
		if sess.Status == SessionValid && !sess.Expired(now) {
			n++
		}
	}
	return n
}

// Start launches the memory-reclamation sweep. Purely an optimization:
// correctness never depends on it running.
func (s *Sessions) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.reap()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweep goroutine. Idempotent.
func (s *Sessions) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sessions) reap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for token, sess := range s.byToken {
		terminal := sess.Status == SessionRevoked || sess.Status == SessionExpired || sess.Expired(now)
		if !terminal {
			continue
		}
		if s.byLicense[sess.LicenseKey] == token {
			delete(s.byLicense, sess.LicenseKey)
		}
		delete(s.byToken, token)
	}
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

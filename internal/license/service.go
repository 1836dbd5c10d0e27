package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Defaults for the supplementary entitlement features.
const (
	DefaultTrialCredits    = 50
	DefaultWelfareCredits  = 20
	DefaultWelfareInterval = 7 * 24 * time.Hour
)

// EventSink receives audit events for committed state changes. Implemented
// by the websocket event hub; nil-safe from the service's point of view.
type EventSink interface {
	Publish(event string, fields map[string]any)
}

// Metrics records business counters for license operations. Implemented on
// top of the OTel meter; nil-safe from the service's point of view.
type Metrics interface {
	RecordActivation(ctx context.Context, success bool)
	RecordConsume(ctx context.Context, amount int64, success bool)
	RecordAuthFailure(ctx context.Context, category string)
	RecordSessionCount(ctx context.Context, active int64)
}

// Service is the public entry point orchestrating authentication, the
// license store and the session manager. It holds explicit configuration
// handed to it at construction; nothing here reads process state at call
// time.
type Service struct {
	store    Store
	sessions *Sessions
	auth     *Authenticator
	logger   *slog.Logger
	events   EventSink
	metrics  Metrics

	trialCredits    int64
	welfareCredits  int64
	welfareInterval time.Duration
	now             func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger.With(slog.String("component", "license_service")) }
}

// WithEventSink attaches the audit event sink.
func WithEventSink(sink EventSink) ServiceOption {
	return func(s *Service) { s.events = sink }
}

// WithMetrics attaches business metrics.
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithTrialCredits sets the starter balance for trial registration.
func WithTrialCredits(n int64) ServiceOption {
	return func(s *Service) { s.trialCredits = n }
}

// WithWelfare sets the weekly welfare grant amount and interval.
func WithWelfare(amount int64, interval time.Duration) ServiceOption {
	return func(s *Service) {
		s.welfareCredits = amount
		s.welfareInterval = interval
	}
}

// WithServiceClock injects a deterministic clock. Tests only.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService wires the activation service.
func NewService(store Store, sessions *Sessions, auth *Authenticator, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("license store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if auth == nil {
		return nil, fmt.Errorf("request authenticator is required")
	}
	s := &Service{
		store:           store,
		sessions:        sessions,
		auth:            auth,
		logger:          slog.Default(),
		trialCredits:    DefaultTrialCredits,
		welfareCredits:  DefaultWelfareCredits,
		welfareInterval: DefaultWelfareInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SignedRequest carries the authentication fields every mutating request
// must present.
type SignedRequest struct {
	Timestamp int64  `json:"timestamp" validate:"required"`
	Nonce     string `json:"nonce" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

// ActivateRequest binds a license to a machine.
type ActivateRequest struct {
	SignedRequest
	LicenseKey         string `json:"license_key" validate:"required"`
	MachineFingerprint string `json:"machine_fingerprint" validate:"required"`
}

func (r ActivateRequest) canonical() string {
	return "activate|" + NormalizeKey(r.LicenseKey) + "|" + r.MachineFingerprint
}

// ActivateResult is the successful activation payload.
type ActivateResult struct {
	SessionToken     string    `json:"session_token"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
	LicenseExpiresAt time.Time `json:"license_expires_at"`
	Credits          int64     `json:"credits"`
}

// Activate authenticates the request, binds or re-validates the machine
// binding and issues a fresh session. A new session supersedes the previous
// one for the same license.
func (s *Service) Activate(ctx context.Context, req ActivateRequest) (ActivateResult, error) {
	scope := NormalizeKey(req.LicenseKey)
	if err := s.authenticate(ctx, scope, req.canonical(), req.SignedRequest); err != nil {
		s.recordActivation(ctx, false)
		return ActivateResult{}, err
	}

	lic, err := s.store.Activate(ctx, req.LicenseKey, req.MachineFingerprint)
	if err != nil {
		s.recordActivation(ctx, false)
		return ActivateResult{}, err
	}

	sess, err := s.sessions.Issue(lic.Key, lic.Fingerprint)
	if err != nil {
		s.recordActivation(ctx, false)
		return ActivateResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.recordActivation(ctx, true)
	s.publish("license.activated", map[string]any{
		"license_key": MaskKey(lic.Key),
		"expires_at":  lic.ExpiresAt,
		"credits":     lic.Credits,
	})

	return ActivateResult{
		SessionToken:     sess.Token,
		SessionExpiresAt: sess.ExpiresAt,
		LicenseExpiresAt: lic.ExpiresAt,
		Credits:          lic.Credits,
	}, nil
}

// VerifyRequest re-validates an existing session.
type VerifyRequest struct {
	SignedRequest
	SessionToken string `json:"session_token" validate:"required"`
}

func (r VerifyRequest) canonical() string {
	return "verify|" + r.SessionToken
}

// VerifyResult reports the license state behind a valid session.
type VerifyResult struct {
	Status           Status    `json:"status"`
	CreditsRemaining int64     `json:"credits_remaining"`
	LicenseExpiresAt time.Time `json:"license_expires_at"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

// Verify authenticates the request, validates the session, slides its
// expiry forward (refresh-on-verify policy) and reads the balance. Repeated
// verifies with no intervening consume observe an unchanged balance.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	if err := s.authenticate(ctx, req.SessionToken, req.canonical(), req.SignedRequest); err != nil {
		return VerifyResult{}, err
	}

	sess, err := s.sessions.Validate(req.SessionToken)
	if err != nil {
		return VerifyResult{}, err
	}
	sess, err = s.sessions.Refresh(req.SessionToken)
	if err != nil {
		return VerifyResult{}, err
	}

	lic, err := s.store.Get(ctx, sess.LicenseKey)
	if err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{
		Status:           lic.Status,
		CreditsRemaining: lic.Credits,
		LicenseExpiresAt: lic.ExpiresAt,
		SessionExpiresAt: sess.ExpiresAt,
	}, nil
}

// ConsumeRequest spends credits against a session's license.
type ConsumeRequest struct {
	SignedRequest
	SessionToken string `json:"session_token" validate:"required"`
	Amount       int64  `json:"amount" validate:"required,gt=0"`
}

func (r ConsumeRequest) canonical() string {
	return "consume|" + r.SessionToken + "|" + strconv.FormatInt(r.Amount, 10)
}

// ConsumeResult is the successful consume payload.
type ConsumeResult struct {
	CreditsRemaining int64 `json:"credits_remaining"`
}

// Consume authenticates the request, validates the session and atomically
// decrements the balance. A failed consume never partially decrements.
func (s *Service) Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error) {
	if err := s.authenticate(ctx, req.SessionToken, req.canonical(), req.SignedRequest); err != nil {
		s.recordConsume(ctx, req.Amount, false)
		return ConsumeResult{}, err
	}

	sess, err := s.sessions.Validate(req.SessionToken)
	if err != nil {
		s.recordConsume(ctx, req.Amount, false)
		return ConsumeResult{}, err
	}

	remaining, err := s.store.Consume(ctx, sess.LicenseKey, req.Amount)
	if err != nil {
		s.recordConsume(ctx, req.Amount, false)
		return ConsumeResult{}, err
	}

	s.recordConsume(ctx, req.Amount, true)
	s.publish("credits.consumed", map[string]any{
		"license_key": MaskKey(sess.LicenseKey),
		"amount":      req.Amount,
		"remaining":   remaining,
	})
	return ConsumeResult{CreditsRemaining: remaining}, nil
}

// RegisterRequest creates a trial license for an unseen machine.
type RegisterRequest struct {
	SignedRequest
	MachineFingerprint string `json:"machine_fingerprint" validate:"required"`
	ClientVersion      string `json:"client_version,omitempty"`
}

func (r RegisterRequest) canonical() string {
	return "register|" + r.MachineFingerprint + "|" + r.ClientVersion
}

// Register authenticates the request and creates or returns the machine's
// trial license together with a fresh session.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (ActivateResult, error) {
	if err := s.authenticate(ctx, req.MachineFingerprint, req.canonical(), req.SignedRequest); err != nil {
		return ActivateResult{}, err
	}

	lic, err := s.store.Register(ctx, req.MachineFingerprint, s.trialCredits)
	if err != nil {
		return ActivateResult{}, err
	}

	sess, err := s.sessions.Issue(lic.Key, lic.Fingerprint)
	if err != nil {
		return ActivateResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.publish("license.registered", map[string]any{
		"license_key":    MaskKey(lic.Key),
		"client_version": req.ClientVersion,
	})
	return ActivateResult{
		SessionToken:     sess.Token,
		SessionExpiresAt: sess.ExpiresAt,
		LicenseExpiresAt: lic.ExpiresAt,
		Credits:          lic.Credits,
	}, nil
}

// DeactivateRequest revokes the presented session (client logout).
type DeactivateRequest struct {
	SignedRequest
	SessionToken string `json:"session_token" validate:"required"`
}

func (r DeactivateRequest) canonical() string {
	return "deactivate|" + r.SessionToken
}

// Deactivate authenticates the request and revokes the session. Idempotent:
// deactivating an already-revoked session succeeds.
func (s *Service) Deactivate(ctx context.Context, req DeactivateRequest) error {
	if err := s.authenticate(ctx, req.SessionToken, req.canonical(), req.SignedRequest); err != nil {
		return err
	}
	s.sessions.Revoke(req.SessionToken)
	return nil
}

// ClaimRequest asks for the periodic welfare credit grant.
type ClaimRequest struct {
	SignedRequest
	SessionToken string `json:"session_token" validate:"required"`
}

func (r ClaimRequest) canonical() string {
	return "claim|" + r.SessionToken
}

// Claim authenticates the request, validates the session and grants the
// welfare credits when the claim interval has elapsed.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (ConsumeResult, error) {
	if err := s.authenticate(ctx, req.SessionToken, req.canonical(), req.SignedRequest); err != nil {
		return ConsumeResult{}, err
	}

	sess, err := s.sessions.Validate(req.SessionToken)
	if err != nil {
		return ConsumeResult{}, err
	}

	balance, err := s.store.ClaimWelfare(ctx, sess.LicenseKey, s.welfareCredits, s.welfareInterval)
	if err != nil {
		return ConsumeResult{}, err
	}

	s.publish("credits.claimed", map[string]any{
		"license_key": MaskKey(sess.LicenseKey),
		"amount":      s.welfareCredits,
		"balance":     balance,
	})
	return ConsumeResult{CreditsRemaining: balance}, nil
}

// PingResult reports liveness and the server clock so clients can correct
// their skew before signing requests.
type PingResult struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"server_time"`
}

// Ping is unauthenticated by policy and mutates nothing.
func (s *Service) Ping(ctx context.Context) PingResult {
	return PingResult{Status: "ok", ServerTime: s.now().UTC()}
}

// RevokeLicense is the administrative revocation: the license becomes
// terminally revoked and its current session dies with it.
func (s *Service) RevokeLicense(ctx context.Context, key string) error {
	if err := s.store.Revoke(ctx, key); err != nil {
		return err
	}
	s.sessions.RevokeLicense(NormalizeKey(key))
	s.publish("license.revoked", map[string]any{"license_key": MaskKey(key)})
	return nil
}

func (s *Service) authenticate(ctx context.Context, scope, canonical string, signed SignedRequest) error {
	err := s.auth.Authenticate(scope, canonical, signed.Timestamp, signed.Nonce, signed.Signature)
	if err == nil {
		return nil
	}

	category := "signature"
	switch {
	case errors.Is(err, ErrReplayDetected):
		category = "replay"
	case errors.Is(err, ErrStaleTimestamp):
		category = "stale_timestamp"
	}
	if s.metrics != nil {
		s.metrics.RecordAuthFailure(ctx, category)
	}
	s.logger.WarnContext(ctx, "request authentication failed",
		slog.String("category", category),
	)
	return err
}

func (s *Service) recordActivation(ctx context.Context, success bool) {
	if s.metrics != nil {
		s.metrics.RecordActivation(ctx, success)
		s.metrics.RecordSessionCount(ctx, int64(s.sessions.Active()))
	}
}

func (s *Service) recordConsume(ctx context.Context, amount int64, success bool) {
	if s.metrics != nil {
		s.metrics.RecordConsume(ctx, amount, success)
	}
}

func (s *Service) publish(event string, fields map[string]any) {
	if s.events != nil {
		s.events.Publish(event, fields)
	}
}

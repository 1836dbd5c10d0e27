package license

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	svc    *Service
	store  *MemoryStore
	signer *Signer
	clock  *testClock
	events *recordingSink
	seq    int
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Publish(event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	store, err := NewMemoryStore(context.Background(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	signer := NewSigner("test-secret", 60*time.Second).WithClock(clock.Now)
	guard := NewReplayGuard(60*time.Second, 0).WithClock(clock.Now)
	t.Cleanup(guard.Stop)

	sessions := NewSessions(DefaultSessionTTL).WithClock(clock.Now)
	t.Cleanup(sessions.Stop)

	events := &recordingSink{}
	svc, err := NewService(store, sessions, NewAuthenticator(signer, guard),
		WithEventSink(events),
		WithServiceClock(clock.Now),
	)
	require.NoError(t, err)

	return &serviceFixture{svc: svc, store: store, signer: signer, clock: clock, events: events}
}

func (f *serviceFixture) sign(canonical, nonce string) SignedRequest {
	ts := f.clock.Now().Unix()
	return SignedRequest{
		Timestamp: ts,
		Nonce:     nonce,
		Signature: f.signer.Sign(canonical, ts, nonce),
	}
}

func (f *serviceFixture) seed(t *testing.T, key string, credits int64) {
	t.Helper()
	require.NoError(t, f.store.Put(context.Background(), License{
		Key:      key,
		Duration: DurationOneMonth,
		Credits:  credits,
		Status:   StatusUnactivated,
		IssuedAt: f.clock.Now(),
	}))
}

func (f *serviceFixture) activate(t *testing.T, key, fingerprint string) ActivateResult {
	t.Helper()
	f.seq++
	req := ActivateRequest{LicenseKey: key, MachineFingerprint: fingerprint}
	req.SignedRequest = f.sign(req.canonical(), fmt.Sprintf("n-activate-%d", f.seq))
	res, err := f.svc.Activate(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestServiceActivateVerifyConsume(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.seed(t, "MT1M-AAAAA-BBBBB", 100)

	res := f.activate(t, "MT1M-AAAAA-BBBBB", "fp-1")
	require.NotEmpty(t, res.SessionToken)
	assert.Equal(t, int64(100), res.Credits)

	vreq := VerifyRequest{SessionToken: res.SessionToken}
	vreq.SignedRequest = f.sign(vreq.canonical(), "n-verify-1")
	verified, err := f.svc.Verify(ctx, vreq)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, verified.Status)
	assert.Equal(t, int64(100), verified.CreditsRemaining)

	creq := ConsumeRequest{SessionToken: res.SessionToken, Amount: 30}
	creq.SignedRequest = f.sign(creq.canonical(), "n-consume-1")
	consumed, err := f.svc.Consume(ctx, creq)
	require.NoError(t, err)
	assert.Equal(t, int64(70), consumed.CreditsRemaining)

	// Verify is a read: repeating it does not move the balance.
	for i, nonce := range []string{"n-verify-2", "n-verify-3"} {
		vreq.SignedRequest = f.sign(vreq.canonical(), nonce)
		verified, err = f.svc.Verify(ctx, vreq)
		require.NoError(t, err, "verify %d", i)
		assert.Equal(t, int64(70), verified.CreditsRemaining)
	}

	assert.Equal(t, []string{"license.activated", "credits.consumed"}, f.events.names())
}

func TestServiceReplayedRequestRejected(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.seed(t, "MT1M-AAAAA-BBBBB", 100)
	res := f.activate(t, "MT1M-AAAAA-BBBBB", "fp-1")

	creq := ConsumeRequest{SessionToken: res.SessionToken, Amount: 10}
	creq.SignedRequest = f.sign(creq.canonical(), "n-once")

	_, err := f.svc.Consume(ctx, creq)
	require.NoError(t, err)

	// Byte-identical resubmission: rejected, and the balance only moved once.
	_, err = f.svc.Consume(ctx, creq)
	assert.ErrorIs(t, err, ErrReplayDetected)

	balance, err := f.store.Balance(ctx, "MT1M-AAAAA-BBBBB")
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)
}

func TestServiceTamperedSignatureRejected(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.seed(t, "MT1M-AAAAA-BBBBB", 100)
	res := f.activate(t, "MT1M-AAAAA-BBBBB", "fp-1")

	creq := ConsumeRequest{SessionToken: res.SessionToken, Amount: 10}
	creq.SignedRequest = f.sign(creq.canonical(), "n-tamper")
	creq.Amount = 99 // signed for 10, submitted for 99

	_, err := f.svc.Consume(ctx, creq)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	balance, err := f.store.Balance(ctx, "MT1M-AAAAA-BBBBB")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestServiceInsufficientCredit(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.seed(t, "MT1M-AAAAA-BBBBB", 25)
	res := f.activate(t, "MT1M-AAAAA-BBBBB", "fp-1")

	creq := ConsumeRequest{SessionToken: res.SessionToken, Amount: 30}
	creq.SignedRequest = f.sign(creq.canonical(), "n-over")
	_, err := f.svc.Consume(ctx, creq)
	assert.ErrorIs(t, err, ErrInsufficientCredit)

	balance, err := f.store.Balance(ctx, "MT1M-AAAAA-BBBBB")
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)
}

func TestServiceBindingConflict(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.seed(t, "MT1M-AAAAA-BBBBB", 100)
	f.activate(t, "MT1M-AAAAA-BBBBB", "fp-1")

	req := ActivateRequest{LicenseKey: "MT1M-AAAAA-BBBBB", MachineFingerprint: "fp-2"}
	req.SignedRequest = f.sign(req.canonical(), "n-second-machine")
	_, err := f.svc.Activate(ctx, req)
	assert.ErrorIs(t, err, ErrBindingConflict)

	// The original machine can still re-activate.
	f.activate(t, "MT1M-AAAAA-BBBBB", "fp-1")
}

func TestServiceRegisterAndClaim(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	rreq := RegisterRequest{MachineFingerprint: "fp-trial", ClientVersion: "1.4.2"}
	rreq.SignedRequest = f.sign(rreq.canonical(), "n-register")
	res, err := f.svc.Register(ctx, rreq)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultTrialCredits), res.Credits)
	require.NotEmpty(t, res.SessionToken)

	// First welfare claim succeeds immediately, the next only after the
	// interval has elapsed.
	claim := ClaimRequest{SessionToken: res.SessionToken}
	claim.SignedRequest = f.sign(claim.canonical(), "n-claim-1")
	claimed, err := f.svc.Claim(ctx, claim)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultTrialCredits+DefaultWelfareCredits), claimed.CreditsRemaining)

	claim.SignedRequest = f.sign(claim.canonical(), "n-claim-2")
	_, err = f.svc.Claim(ctx, claim)
	assert.ErrorIs(t, err, ErrClaimNotDue)

	f.clock.Advance(DefaultWelfareInterval + time.Second)
	claim.SignedRequest = f.sign(claim.canonical(), "n-claim-3")
	claimed, err = f.svc.Claim(ctx, claim)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultTrialCredits+2*DefaultWelfareCredits), claimed.CreditsRemaining)
}

func TestServiceDeactivate(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.seed(t, "MT1M-AAAAA-BBBBB", 100)
	res := f.activate(t, "MT1M-AAAAA-BBBBB", "fp-1")

	dreq := DeactivateRequest{SessionToken: res.SessionToken}
	dreq.SignedRequest = f.sign(dreq.canonical(), "n-deactivate-1")
	require.NoError(t, f.svc.Deactivate(ctx, dreq))

	vreq := VerifyRequest{SessionToken: res.SessionToken}
	vreq.SignedRequest = f.sign(vreq.canonical(), "n-verify-dead")
	_, err := f.svc.Verify(ctx, vreq)
	assert.ErrorIs(t, err, ErrSessionInvalid)

	// Deactivating again is a no-op, not an error.
	dreq.SignedRequest = f.sign(dreq.canonical(), "n-deactivate-2")
	assert.NoError(t, f.svc.Deactivate(ctx, dreq))
}

func TestServiceRevokeLicenseKillsSession(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	f.seed(t, "MT1M-AAAAA-BBBBB", 100)
	res := f.activate(t, "MT1M-AAAAA-BBBBB", "fp-1")

	require.NoError(t, f.svc.RevokeLicense(ctx, "MT1M-AAAAA-BBBBB"))

	vreq := VerifyRequest{SessionToken: res.SessionToken}
	vreq.SignedRequest = f.sign(vreq.canonical(), "n-verify-revoked")
	_, err := f.svc.Verify(ctx, vreq)
	assert.ErrorIs(t, err, ErrSessionInvalid)

	req := ActivateRequest{LicenseKey: "MT1M-AAAAA-BBBBB", MachineFingerprint: "fp-1"}
	req.SignedRequest = f.sign(req.canonical(), "n-reactivate")
	_, err = f.svc.Activate(ctx, req)
	assert.ErrorIs(t, err, ErrLicenseRevoked)
}

func TestServicePing(t *testing.T) {
	f := newServiceFixture(t)
	res := f.svc.Ping(context.Background())
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, f.clock.Now().UTC(), res.ServerTime)
}

// Package license implements the server side of license activation and
// verification: HMAC request authentication with replay protection, machine
// binding, session lifecycle, and the metered credit ledger.
//
// The package is organized around a small set of collaborators:
//
//   - Signer / ReplayGuard / Authenticator: request integrity. Every mutating
//     request carries a timestamp, a nonce, and an HMAC-SHA256 signature over
//     a canonical payload. Signatures are compared in constant time, the
//     timestamp must fall inside the configured window, and a nonce is
//     accepted at most once per credential within that window.
//
//   - Store: the single source of truth for license records, machine
//     bindings, and the credit balance. The in-memory store serializes all
//     mutations to a given license behind a striped lock table, so concurrent
//     consume calls against the same license never over-spend while requests
//     for different licenses proceed independently. An optional Syncer
//     mirrors mutations to an external registry (Google Sheets) and a JSON
//     snapshot file provides restart persistence; neither is authoritative.
//
//   - Sessions: issues opaque session tokens with a sliding-expiry policy.
//     The service runs a single-active-session policy: activating a license
//     supersedes any previous session for it. Expiry is detected lazily at
//     validation time; a background sweep only reclaims memory.
//
//   - Service: the public entry point composing the above into the activate,
//     verify, consume, register, claim, deactivate and ping operations.
//
// License state machine: unactivated -> active -> expired (lazy, time based)
// and any non-terminal state -> revoked (administrative, terminal). Session
// state machine: valid -> expired or valid -> revoked; both terminal.
package license

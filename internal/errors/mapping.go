package errors

import (
	"errors"

	"mtlicense/internal/license"
)

// FromDomain maps a domain error from the license packages onto its API
// representation. Unknown errors map to a generic internal error so domain
// internals never leak to clients.
func FromDomain(err error) *APIError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, license.ErrInvalidSignature):
		return ErrInvalidSignature
	case errors.Is(err, license.ErrStaleTimestamp):
		return ErrStaleTimestamp
	case errors.Is(err, license.ErrReplayDetected):
		return ErrReplayDetected
	case errors.Is(err, license.ErrSessionInvalid):
		return ErrSessionInvalid
	case errors.Is(err, license.ErrSessionExpired):
		return ErrSessionExpired
	case errors.Is(err, license.ErrLicenseNotFound):
		return ErrLicenseNotFound
	case errors.Is(err, license.ErrLicenseExpired):
		return ErrLicenseExpired
	case errors.Is(err, license.ErrLicenseRevoked):
		return ErrLicenseRevoked
	case errors.Is(err, license.ErrBindingConflict):
		return ErrBindingConflict
	case errors.Is(err, license.ErrInsufficientCredit):
		return ErrInsufficientCredit
	case errors.Is(err, license.ErrClaimNotDue):
		return ErrClaimNotDue
	case errors.Is(err, license.ErrInvalidKeyFormat):
		return ErrInvalidKeyFormat
	case errors.Is(err, license.ErrStoreUnavailable):
		return ErrServiceUnavailable
	default:
		return ErrInternalServer
	}
}

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtlicense/internal/license"
)

func TestAPIErrorInterface(t *testing.T) {
	err := New(http.StatusConflict, "BINDING_CONFLICT", "bound elsewhere")
	assert.Equal(t, "bound elsewhere", err.Error())
	assert.Equal(t, http.StatusConflict, err.StatusCode)
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ErrInsufficientCredit)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "INSUFFICIENT_CREDIT", resp.Error.ErrorCode)
}

func TestFromDomain(t *testing.T) {
	tests := []struct {
		domain     error
		wantCode   string
		wantStatus int
	}{
		{license.ErrInvalidSignature, "INVALID_SIGNATURE", http.StatusUnauthorized},
		{license.ErrStaleTimestamp, "STALE_TIMESTAMP", http.StatusUnauthorized},
		{license.ErrReplayDetected, "REPLAY_DETECTED", http.StatusUnauthorized},
		{license.ErrSessionInvalid, "SESSION_INVALID", http.StatusUnauthorized},
		{license.ErrSessionExpired, "SESSION_EXPIRED", http.StatusUnauthorized},
		{license.ErrLicenseNotFound, "LICENSE_NOT_FOUND", http.StatusNotFound},
		{license.ErrLicenseExpired, "LICENSE_EXPIRED", http.StatusGone},
		{license.ErrLicenseRevoked, "LICENSE_REVOKED", http.StatusForbidden},
		{license.ErrBindingConflict, "BINDING_CONFLICT", http.StatusConflict},
		{license.ErrInsufficientCredit, "INSUFFICIENT_CREDIT", http.StatusConflict},
		{license.ErrClaimNotDue, "CLAIM_NOT_DUE", http.StatusConflict},
		{license.ErrInvalidKeyFormat, "INVALID_KEY_FORMAT", http.StatusBadRequest},
		{license.ErrStoreUnavailable, "SERVICE_UNAVAILABLE", http.StatusServiceUnavailable},
		{errors.New("something else"), "INTERNAL_SERVER_ERROR", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			apiErr := FromDomain(tt.domain)
			require.NotNil(t, apiErr)
			assert.Equal(t, tt.wantCode, apiErr.ErrorCode)
			assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
		})
	}
}

func TestFromDomainWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("consume failed: %w", license.ErrInsufficientCredit)
	assert.Equal(t, ErrInsufficientCredit, FromDomain(wrapped))
}

func TestFromDomainNil(t *testing.T) {
	assert.Nil(t, FromDomain(nil))
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtlicense/internal/license"
)

type adminFixture struct {
	router *chi.Mux
	store  *license.MemoryStore
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	store, err := license.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	signer := license.NewSigner("test-secret-0123456789", 60*time.Second)
	guard := license.NewReplayGuard(60*time.Second, 0)
	t.Cleanup(guard.Stop)
	sessions := license.NewSessions(license.DefaultSessionTTL)
	t.Cleanup(sessions.Stop)

	svc, err := license.NewService(store, sessions, license.NewAuthenticator(signer, guard),
		license.WithServiceLogger(discardLogger()))
	require.NoError(t, err)

	handler := NewAdminHandler(svc, store, nil, discardLogger())
	router := chi.NewRouter()
	router.Mount("/api/admin", handler.Routes())
	return &adminFixture{router: router, store: store}
}

func (f *adminFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestAdminGenerateAndList(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(t, http.MethodPost, "/api/admin/licenses", map[string]any{
		"duration": "3m",
		"credits":  100,
		"count":    5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Keys []string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(t, created.Keys, 5)
	for _, key := range created.Keys {
		assert.True(t, license.ValidKeyFormat(key))
		assert.True(t, strings.HasPrefix(key, "MT3M-"))
	}

	rec = f.do(t, http.MethodGet, "/api/admin/licenses", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 5, listed.Count)
}

func TestAdminGenerateValidation(t *testing.T) {
	f := newAdminFixture(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown duration", map[string]any{"duration": "2w", "count": 1}},
		{"trial not mintable", map[string]any{"duration": "trial", "count": 1}},
		{"zero count", map[string]any{"duration": "1m", "count": 0}},
		{"count over cap", map[string]any{"duration": "1m", "count": 5000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/admin/licenses", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAdminRevoke(t *testing.T) {
	f := newAdminFixture(t)
	require.NoError(t, f.store.Put(context.Background(), license.License{
		Key:      "MT1M-AAAAA-BBBBB",
		Duration: license.DurationOneMonth,
		Status:   license.StatusUnactivated,
		IssuedAt: time.Now(),
	}))

	rec := f.do(t, http.MethodPost, "/api/admin/licenses/MT1M-AAAAA-BBBBB/revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	lic, err := f.store.Get(context.Background(), "MT1M-AAAAA-BBBBB")
	require.NoError(t, err)
	assert.Equal(t, license.StatusRevoked, lic.Status)

	// Unknown key maps to 404.
	rec = f.do(t, http.MethodPost, "/api/admin/licenses/MT1M-ZZZZZ-ZZZZZ/revoke", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminGrantCredits(t *testing.T) {
	f := newAdminFixture(t)
	require.NoError(t, f.store.Put(context.Background(), license.License{
		Key:      "MT1M-AAAAA-BBBBB",
		Duration: license.DurationOneMonth,
		Credits:  10,
		Status:   license.StatusUnactivated,
		IssuedAt: time.Now(),
	}))

	rec := f.do(t, http.MethodPost, "/api/admin/licenses/MT1M-AAAAA-BBBBB/credits", map[string]any{
		"amount": 40,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(50), resp["balance"])

	rec = f.do(t, http.MethodPost, "/api/admin/licenses/MT1M-AAAAA-BBBBB/credits", map[string]any{
		"amount": -5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminUnbind(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Put(ctx, license.License{
		Key:      "MT1M-AAAAA-BBBBB",
		Duration: license.DurationOneMonth,
		Credits:  10,
		Status:   license.StatusUnactivated,
		IssuedAt: time.Now(),
	}))
	_, err := f.store.Activate(ctx, "MT1M-AAAAA-BBBBB", "fp-1")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/admin/licenses/MT1M-AAAAA-BBBBB/unbind", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	lic, err := f.store.Get(ctx, "MT1M-AAAAA-BBBBB")
	require.NoError(t, err)
	assert.Empty(t, lic.Fingerprint)
	assert.Equal(t, license.StatusUnactivated, lic.Status)
}

func TestAdminExport(t *testing.T) {
	f := newAdminFixture(t)
	require.NoError(t, f.store.Put(context.Background(), license.License{
		Key:      "MT1M-AAAAA-BBBBB",
		Duration: license.DurationOneMonth,
		Credits:  10,
		Status:   license.StatusUnactivated,
		IssuedAt: time.Now(),
	}))

	rec := f.do(t, http.MethodGet, "/api/admin/licenses/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Body.String(), "MT1M-AAAAA-BBBBB")

	rec = f.do(t, http.MethodGet, "/api/admin/licenses/export?format=xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "spreadsheetml")

	rec = f.do(t, http.MethodGet, "/api/admin/licenses/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminGetLicense(t *testing.T) {
	f := newAdminFixture(t)
	require.NoError(t, f.store.Put(context.Background(), license.License{
		Key:      "MT1M-AAAAA-BBBBB",
		Duration: license.DurationOneMonth,
		Credits:  10,
		Status:   license.StatusUnactivated,
		IssuedAt: time.Now(),
	}))

	rec := f.do(t, http.MethodGet, "/api/admin/licenses/MT1M-AAAAA-BBBBB", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var lic license.License
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lic))
	assert.Equal(t, "MT1M-AAAAA-BBBBB", lic.Key)

	rec = f.do(t, http.MethodGet, "/api/admin/licenses/MT1M-ZZZZZ-ZZZZZ", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

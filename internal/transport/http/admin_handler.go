package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "mtlicense/internal/errors"
	"mtlicense/internal/exporter"
	"mtlicense/internal/license"
)

// AdminHandler serves the administrative API: license issuance, revocation,
// credit grants, binding overrides, ledger export and the audit event feed.
type AdminHandler struct {
	service  *license.Service
	store    license.Store
	events   http.Handler
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewAdminHandler creates the admin handler. events may be nil when the
// WebSocket feed is disabled.
func NewAdminHandler(service *license.Service, store license.Store, events http.Handler, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service:  service,
		store:    store,
		events:   events,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "admin")),
		now:      time.Now,
	}
}

// Routes returns a chi router for the admin endpoints. Authentication is
// applied by the caller; everything here assumes an authenticated admin.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/licenses", h.ListLicenses)
	r.Post("/licenses", h.GenerateLicenses)
	r.Get("/licenses/export", h.Export)
	r.Get("/licenses/{key}", h.GetLicense)
	r.Post("/licenses/{key}/revoke", h.RevokeLicense)
	r.Post("/licenses/{key}/credits", h.GrantCredits)
	r.Post("/licenses/{key}/unbind", h.UnbindLicense)

	if h.events != nil {
		r.Get("/events", h.events.ServeHTTP)
	}
	return r
}

func (h *AdminHandler) renderError(w http.ResponseWriter, r *http.Request, apiErr *apierrors.APIError) {
	render.Status(r, apiErr.StatusCode)
	render.JSON(w, r, apierrors.NewErrorResponse(apiErr))
}

// ListLicenses handles GET /api/admin/licenses.
func (h *AdminHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	licenses, err := h.store.List(r.Context())
	if err != nil {
		h.renderError(w, r, apierrors.FromDomain(err))
		return
	}
	render.JSON(w, r, map[string]any{
		"licenses": licenses,
		"count":    len(licenses),
	})
}

// GetLicense handles GET /api/admin/licenses/{key}.
func (h *AdminHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	lic, err := h.store.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.renderError(w, r, apierrors.FromDomain(err))
		return
	}
	render.JSON(w, r, lic)
}

// GenerateRequest is the license issuance payload.
type GenerateRequest struct {
	Duration string `json:"duration" validate:"required,oneof=1m 3m 6m 1y"`
	Credits  int64  `json:"credits" validate:"gte=0"`
	Count    int    `json:"count" validate:"required,gte=1,lte=1000"`
}

// GenerateLicenses handles POST /api/admin/licenses. It mints count fresh
// unactivated keys with the requested duration and starting balance.
func (h *AdminHandler) GenerateLicenses(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	keys := make([]string, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		key, err := license.GenerateKey(req.Duration)
		if err != nil {
			h.renderError(w, r, apierrors.FromDomain(err))
			return
		}
		err = h.store.Put(r.Context(), license.License{
			Key:      key,
			Duration: req.Duration,
			Credits:  req.Credits,
			Status:   license.StatusUnactivated,
			IssuedAt: h.now().UTC(),
		})
		if err != nil {
			h.renderError(w, r, apierrors.FromDomain(err))
			return
		}
		keys = append(keys, key)
	}

	h.logger.InfoContext(r.Context(), "licenses generated",
		slog.Int("count", len(keys)),
		slog.String("duration", req.Duration),
		slog.Int64("credits", req.Credits),
	)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{"keys": keys})
}

// RevokeLicense handles POST /api/admin/licenses/{key}/revoke.
func (h *AdminHandler) RevokeLicense(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.service.RevokeLicense(r.Context(), key); err != nil {
		h.renderError(w, r, apierrors.FromDomain(err))
		return
	}
	h.logger.InfoContext(r.Context(), "license revoked",
		slog.String("license_key", license.MaskKey(key)))
	render.JSON(w, r, map[string]bool{"success": true})
}

// GrantRequest is the credit grant payload.
type GrantRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// GrantCredits handles POST /api/admin/licenses/{key}/credits.
func (h *AdminHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	balance, err := h.store.Grant(r.Context(), chi.URLParam(r, "key"), req.Amount)
	if err != nil {
		h.renderError(w, r, apierrors.FromDomain(err))
		return
	}
	render.JSON(w, r, map[string]int64{"balance": balance})
}

// UnbindLicense handles POST /api/admin/licenses/{key}/unbind: the
// administrative override that releases a machine binding.
func (h *AdminHandler) UnbindLicense(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.store.Unbind(r.Context(), key); err != nil {
		h.renderError(w, r, apierrors.FromDomain(err))
		return
	}
	h.logger.InfoContext(r.Context(), "license unbound",
		slog.String("license_key", license.MaskKey(key)))
	render.JSON(w, r, map[string]bool{"success": true})
}

// Export handles GET /api/admin/licenses/export?format=csv|xlsx.
func (h *AdminHandler) Export(w http.ResponseWriter, r *http.Request) {
	licenses, err := h.store.List(r.Context())
	if err != nil {
		h.renderError(w, r, apierrors.FromDomain(err))
		return
	}

	stamp := h.now().UTC().Format("20060102-150405")
	switch format := r.URL.Query().Get("format"); format {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="licenses-%s.csv"`, stamp))
		if err := exporter.WriteCSV(w, licenses); err != nil {
			h.logger.ErrorContext(r.Context(), "csv export failed", slog.String("error", err.Error()))
		}
	case "xlsx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="licenses-%s.xlsx"`, stamp))
		if err := exporter.WriteXLSX(w, licenses); err != nil {
			h.logger.ErrorContext(r.Context(), "xlsx export failed", slog.String("error", err.Error()))
		}
	default:
		h.renderError(w, r, apierrors.ErrValidation("format", "must be csv or xlsx"))
	}
}

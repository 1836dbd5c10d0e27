package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "mtlicense/internal/errors"
	"mtlicense/internal/infrastructure"
	"mtlicense/internal/license"
)

// LicenseHandler handles the client-facing license API.
type LicenseHandler struct {
	service  *license.Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewLicenseHandler creates a new license handler.
func NewLicenseHandler(service *license.Service, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "license")),
	}
}

// Routes returns a chi router for the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/activate", h.Activate)
	r.Post("/verify", h.Verify)
	r.Post("/consume", h.Consume)
	r.Post("/register", h.Register)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/claim", h.Claim)
	return r
}

// decode unmarshals and validates the request body into req. A non-nil
// return has already been rendered.
func (h *LicenseHandler) decode(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := render.DecodeJSON(r.Body, req); err != nil {
		h.renderError(w, r, apierrors.InvalidRequestWithError(err))
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		fields := make([]apierrors.ValidationError, 0, 4)
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, apierrors.ValidationError{
					Field:   fe.Field(),
					Message: fe.Tag(),
				})
			}
		}
		h.renderError(w, r, apierrors.NewValidationErrors(fields))
		return false
	}
	return true
}

func (h *LicenseHandler) renderError(w http.ResponseWriter, r *http.Request, apiErr *apierrors.APIError) {
	infrastructure.RecordError(r.Context(), apiErr)
	render.Status(r, apiErr.StatusCode)
	render.JSON(w, r, apierrors.NewErrorResponse(apiErr))
}

func (h *LicenseHandler) renderDomainError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierrors.FromDomain(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "license operation failed",
			slog.String("error", err.Error()))
	}
	h.renderError(w, r, apiErr)
}

func (h *LicenseHandler) span(r *http.Request, operation string) (*http.Request, trace.Span) {
	ctx, span := otel.Tracer("license-handler").Start(r.Context(), "license_handler."+operation,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
			attribute.String("operation", operation),
		),
	)
	return r.WithContext(ctx), span
}

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	r, span := h.span(r, "activate")
	defer span.End()

	var req license.ActivateRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Activate(r.Context(), req)
	if err != nil {
		h.renderDomainError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

// Verify handles POST /api/license/verify.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	r, span := h.span(r, "verify")
	defer span.End()

	var req license.VerifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Verify(r.Context(), req)
	if err != nil {
		h.renderDomainError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

// Consume handles POST /api/license/consume.
func (h *LicenseHandler) Consume(w http.ResponseWriter, r *http.Request) {
	r, span := h.span(r, "consume")
	defer span.End()

	var req license.ConsumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	span.SetAttributes(attribute.Int64("consume.amount", req.Amount))

	result, err := h.service.Consume(r.Context(), req)
	if err != nil {
		h.renderDomainError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

// Register handles POST /api/license/register.
func (h *LicenseHandler) Register(w http.ResponseWriter, r *http.Request) {
	r, span := h.span(r, "register")
	defer span.End()

	var req license.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.renderDomainError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

// Deactivate handles POST /api/license/deactivate.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	r, span := h.span(r, "deactivate")
	defer span.End()

	var req license.DeactivateRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.Deactivate(r.Context(), req); err != nil {
		h.renderDomainError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]bool{"success": true})
}

// Claim handles POST /api/license/claim.
func (h *LicenseHandler) Claim(w http.ResponseWriter, r *http.Request) {
	r, span := h.span(r, "claim")
	defer span.End()

	var req license.ClaimRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Claim(r.Context(), req)
	if err != nil {
		h.renderDomainError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

// Ping handles GET /api/ping. Unauthenticated: clients use the returned
// server time to correct clock skew before signing requests.
func (h *LicenseHandler) Ping(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Ping(r.Context()))
}

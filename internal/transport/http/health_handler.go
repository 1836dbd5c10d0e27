package http

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"mtlicense/internal/config"
	apierrors "mtlicense/internal/errors"
)

// HealthHandler serves liveness, build information and the published
// client release.
type HealthHandler struct {
	release   config.ReleaseConfig
	startedAt time.Time
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(release config.ReleaseConfig) *HealthHandler {
	return &HealthHandler{release: release, startedAt: time.Now()}
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// Health handles GET /healthz.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:        "ok",
		Version:       config.AppVersion,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Timestamp:     time.Now().UTC(),
	})
}

// VersionResponse is the published client release payload.
type VersionResponse struct {
	Tag         string `json:"tag"`
	DownloadURL string `json:"download_url"`
	Notes       string `json:"notes,omitempty"`
}

// Version handles GET /api/version. It answers 404 until a release is
// configured; clients treat that as "no update available".
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	if h.release.Tag == "" {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, apierrors.NewErrorResponse(apierrors.ErrNotFound))
		return
	}
	render.JSON(w, r, VersionResponse{
		Tag:         h.release.Tag,
		DownloadURL: h.release.DownloadURL,
		Notes:       h.release.Notes,
	})
}

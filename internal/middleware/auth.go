package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// AdminAuth guards the administrative API with HTTP basic auth. The
// configured password is stored as a bcrypt hash; comparison of the
// username is constant time.
type AdminAuth struct {
	username     string
	passwordHash []byte
	logger       *slog.Logger
}

// NewAdminAuth creates the admin authenticator.
func NewAdminAuth(username, passwordHash string, logger *slog.Logger) *AdminAuth {
	return &AdminAuth{
		username:     username,
		passwordHash: []byte(passwordHash),
		logger:       logger,
	}
}

// Handler rejects requests without valid admin credentials.
func (a *AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !a.valid(user, pass) {
			a.logger.WarnContext(r.Context(), "admin authentication failed",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			w.Header().Set("WWW-Authenticate", `Basic realm="admin", charset="UTF-8"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"success":false,"error":{"status_code":401,"error_code":"UNAUTHORIZED","message":"Admin authentication required"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AdminAuth) valid(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(pass)) == nil
	return userOK && passOK
}

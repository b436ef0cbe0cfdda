package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/plugin-license-manager/internal/issuer"
	"github.com/guided-traffic/plugin-license-manager/internal/server/response"
)

// Authenticator resolves an activation token to its site.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*issuer.Site, error)
}

// Auth requires a valid activation token as bearer credential
type Auth struct {
	authenticator Authenticator
	logger        *logrus.Entry
	errors        *response.ErrorWriter
}

// NewAuth creates a new bearer authentication middleware
func NewAuth(authenticator Authenticator, logger *logrus.Entry) *Auth {
	return &Auth{
		authenticator: authenticator,
		logger:        logger,
		errors:        response.NewErrorWriter(logger),
	}
}

// Middleware returns the HTTP middleware function
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
			a.errors.WriteUnauthorized(w, r, "missing bearer token")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))

		site, err := a.authenticator.Authenticate(r.Context(), token)
		if err != nil {
			a.logger.WithError(err).WithField("remote_addr", r.RemoteAddr).Warn("Activation token rejected")
			a.errors.WriteUnauthorized(w, r, "activation token verification failed")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithSite(r.Context(), site)))
	})
}

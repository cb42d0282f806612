// Package authn builds the per-request context: client metadata always, and
// the caller's identity when a valid bearer token is present. It never
// rejects a request; route-level authorization decides what needs identity.
package authn

import (
	"log/slog"
	"net/http"
	"strings"

	"aniyuu/internal/domain/models"
	"aniyuu/internal/lib/sl"
	"aniyuu/internal/lib/metrics"
	"aniyuu/internal/lib/requestctx"
)

const bearerPrefix = "bearer "

type ClientExtractor interface {
	Extract(r *http.Request) models.ClientInfo
}

type TokenValidator interface {
	Validate(token string) (*models.AccessClaims, error)
}

func New(log *slog.Logger, extractor ClientExtractor, validator TokenValidator, m *metrics.Metrics) func(next http.Handler) http.Handler {
	log = log.With(slog.String("component", "middleware/authn"))

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			rc := &models.RequestContext{Client: extractor.Extract(r)}

			if token, ok := BearerToken(r); ok {
				claims, err := validator.Validate(token)
				if err != nil {
					m.AuthnRequests.WithLabelValues(metrics.ResultRejected).Inc()
					log.Debug("bearer token rejected",
						sl.Err(err),
						slog.String("device_id", rc.Client.DeviceID),
						slog.String("ip", rc.Client.IP),
					)
				} else {
					m.AuthnRequests.WithLabelValues(metrics.ResultAuthenticated).Inc()
					rc.Identity = &models.Identity{
						UserID:   claims.UserID,
						Username: claims.Username,
						Email:    claims.Email,
						Roles:    claims.Roles,
					}
				}
			} else {
				m.AuthnRequests.WithLabelValues(metrics.ResultAnonymous).Inc()
			}

			next.ServeHTTP(w, r.WithContext(requestctx.With(r.Context(), rc)))
		}

		return http.HandlerFunc(fn)
	}
}

// BearerToken returns the token of an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) <= len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}

	token := strings.TrimSpace(h[len(bearerPrefix):])
	return token, token != ""
}

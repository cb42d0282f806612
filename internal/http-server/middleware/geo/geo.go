package geo

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"aniyuu/internal/lib/api/response"
	libgeo "aniyuu/internal/lib/geo"
	"aniyuu/internal/lib/sl"
	"aniyuu/internal/lib/requestctx"
)

type Checker interface {
	Check(ctx context.Context, ip string) (libgeo.Decision, error)
	Restricted() bool
}

// New fills the request location and, when the checker restricts countries,
// rejects requests from elsewhere. It must run after authn.
func New(log *slog.Logger, checker Checker, bypass bool) func(next http.Handler) http.Handler {
	log = log.With(slog.String("component", "middleware/geo"))

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			rc := requestctx.From(r.Context())
			if bypass || rc == nil {
				next.ServeHTTP(w, r)
				return
			}

			ip := net.ParseIP(rc.Client.IP)
			switch {
			case ip == nil:
				if checker.Restricted() {
					log.Warn("cannot determine client ip", slog.String("ip", rc.Client.IP))
					response.Error(w, http.StatusBadRequest, "no access")
					return
				}
				next.ServeHTTP(w, r)
				return
			case ip.IsLoopback():
				next.ServeHTTP(w, r)
				return
			}

			d, err := checker.Check(r.Context(), rc.Client.IP)
			if err != nil {
				if checker.Restricted() {
					log.Error("ip check failed", sl.Err(err), slog.String("ip", rc.Client.IP))
					response.Error(w, http.StatusServiceUnavailable, "ip check failed")
					return
				}
				rc.Location = libgeo.UnknownLocation
				next.ServeHTTP(w, r)
				return
			}

			if !d.Allowed {
				log.Warn("access denied", slog.String("ip", rc.Client.IP), slog.String("location", d.Location))
				response.Error(w, http.StatusForbidden, "no access")
				return
			}

			rc.Location = d.Location
			next.ServeHTTP(w, r)
		}

		return http.HandlerFunc(fn)
	}
}

package requestlog

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"aniyuu/internal/domain/models"
	"aniyuu/internal/lib/sl"
	"aniyuu/internal/lib/requestctx"

	"github.com/go-chi/chi/v5/middleware"
)

const saveTimeout = 5 * time.Second

type RequestLogSaver interface {
	SaveRequestLog(ctx context.Context, entry models.RequestLog) error
}

// New records every request after its handler returned. It must run after
// authn so the request context carries the client and identity.
func New(log *slog.Logger, saver RequestLogSaver) func(next http.Handler) http.Handler {
	log = log.With(slog.String("component", "middleware/requestlog"))

	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			entry := models.RequestLog{
				CreatedAt: time.Now().UTC(),
				Method:    r.Method,
				Path:      r.URL.Path,
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			entry.StatusCode = ww.Status()
			if entry.StatusCode == 0 {
				entry.StatusCode = http.StatusOK
			}

			if rc := requestctx.From(r.Context()); rc != nil {
				entry.IP = rc.Client.IP
				entry.DeviceID = rc.Client.DeviceID
				if rc.Identity != nil {
					entry.UserID = rc.Identity.UserID
				}
			}

			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), saveTimeout)
			defer cancel()

			if err := saver.SaveRequestLog(ctx, entry); err != nil {
				log.Error("failed to save request log", sl.Err(err))
			}
		}

		return http.HandlerFunc(fn)
	}
}

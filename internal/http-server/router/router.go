package router

import (
	"log/slog"
	"net/http"
	"time"

	"aniyuu/internal/http-server/middleware/authn"
	"aniyuu/internal/http-server/middleware/geo"
	"aniyuu/internal/http-server/middleware/requestlog"
	"aniyuu/internal/lib/clientinfo"
	"aniyuu/internal/lib/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Options struct {
	Extractor      authn.ClientExtractor
	Validator      authn.TokenValidator
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	RequestLogs    requestlog.RequestLogSaver
	Geo            geo.Checker // nil disables the geo middleware
	GeoBypass      bool
	AllowedOrigins []string
	RatePerMinute  int
	// Mount registers the application routes behind the middleware chain.
	Mount func(r chi.Router)
}

// New builds the HTTP router. Middleware order matters: authn creates the
// request context that requestlog and geo read.
func New(log *slog.Logger, opts Options) http.Handler {
	r := chi.NewRouter()

	// Credentialed CORS is only offered to origins named in config.
	allowed, credentials := opts.AllowedOrigins, true
	if len(allowed) == 0 {
		allowed, credentials = []string{"*"}, false
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", clientinfo.HeaderDeviceID},
		AllowCredentials: credentials,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	// Keyed on the transport peer: forwarding headers are client controlled.
	if opts.RatePerMinute > 0 {
		r.Use(httprate.LimitByIP(opts.RatePerMinute, time.Minute))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(authn.New(log, opts.Extractor, opts.Validator, opts.Metrics))
		if opts.RequestLogs != nil {
			r.Use(requestlog.New(log, opts.RequestLogs))
		}
		if opts.Geo != nil {
			r.Use(geo.New(log, opts.Geo, opts.GeoBypass))
		}

		opts.Mount(r)
	})

	return r
}

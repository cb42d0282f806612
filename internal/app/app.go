package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	httpapp "aniyuu/internal/app/http"
	"aniyuu/internal/broker"
	"aniyuu/internal/config"
	"aniyuu/internal/domain/models"
	authhandlers "aniyuu/internal/http-server/handlers/auth"
	"aniyuu/internal/http-server/router"
	"aniyuu/internal/lib/clientinfo"
	"aniyuu/internal/lib/geo"
	"aniyuu/internal/lib/jwt"
	"aniyuu/internal/lib/sl"
	"aniyuu/internal/lib/metrics"
	"aniyuu/internal/services/auth"
	"aniyuu/internal/services/tokens"
	"aniyuu/internal/storage/mongodb"
	"aniyuu/internal/storage/sqlite"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const minSecretLength = 32

// Storage is everything the services and middleware need from a backend.
type Storage interface {
	auth.UserSaver
	auth.UserProvider
	auth.ActivationCodeStore
	tokens.UserProvider
	tokens.RefreshTokenStore
	SaveRequestLog(ctx context.Context, entry models.RequestLog) error
}

type App struct {
	HTTPSrv *httpapp.App

	log     *slog.Logger
	closers []func(ctx context.Context) error
}

// New wires storage, services and the HTTP server. It panics on any setup
// failure, matching config.MustLoad.
func New(log *slog.Logger, cfg *config.Config) *App {
	a := &App{log: log}

	store := a.mustStorage(cfg)

	if len(cfg.JWT.SecretKey) < minSecretLength {
		log.Warn("jwt secret key is shorter than recommended", slog.Int("min_length", minSecretLength))
	}
	codec, err := jwt.New(cfg.JWT.SecretKey, cfg.JWT.Issuer, cfg.JWT.Audience)
	if err != nil {
		panic(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	tokenService := tokens.New(log, store, store, codec, m, tokens.Config{
		AccessTokenTTL:   cfg.JWT.AccessTokenTTL(),
		RefreshTokenTTL:  cfg.JWT.RefreshTokenTTL(),
		RevokeOnReuse:    cfg.Refresh.RevokeOnReuse,
		ReuseGracePeriod: cfg.Refresh.ReuseGracePeriod,
		TokenPepper:      cfg.Refresh.TokenPepper,
	})

	authService := auth.New(log, store, store, store, tokenService, a.publisher(cfg), m, auth.Config{
		ActivationCodeTTL: cfg.Activation.CodeTTL,
		EmailSubject:      cfg.NATS.EmailSubject,
	})

	opts := router.Options{
		Extractor:      clientinfo.New(),
		Validator:      codec,
		Metrics:        m,
		Gatherer:       reg,
		RequestLogs:    store,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		RatePerMinute:  cfg.RateLimit.RequestsPerMinute,
		Mount:          func(r chi.Router) { authhandlers.New(log, authService).Routes(r) },
	}

	if cfg.Geo.Enabled {
		resolver := geo.New(log, geo.Config{
			AllowedCountries: cfg.Geo.AllowedCountries,
			PrimaryURL:       cfg.Geo.PrimaryURL,
			BackupURL:        cfg.Geo.BackupURL,
			AllowedTTL:       cfg.Geo.AllowedTTL,
			DeniedTTL:        cfg.Geo.DeniedTTL,
			Timeout:          cfg.Geo.Timeout,
		})
		go resolver.Start()
		a.closers = append(a.closers, func(context.Context) error {
			resolver.Stop()
			return nil
		})

		opts.Geo = resolver
		opts.GeoBypass = cfg.Env == "local"
	}

	a.HTTPSrv = httpapp.New(
		log,
		cfg.HTTPServer.Address,
		cfg.HTTPServer.Timeout,
		cfg.HTTPServer.IdleTimeout,
		router.New(log, opts),
	)

	return a
}

func (a *App) mustStorage(cfg *config.Config) Storage {
	switch cfg.Storage.Kind {
	case config.StorageMongo:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := mongodb.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			panic(err)
		}
		a.closers = append(a.closers, s.Close)
		return s
	default:
		s, err := sqlite.New(cfg.Storage.SQLitePath)
		if err != nil {
			panic(err)
		}
		if err := s.Migrate(); err != nil {
			panic(err)
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		return s
	}
}

func (a *App) publisher(cfg *config.Config) auth.Publisher {
	if cfg.NATS.URL == "" {
		a.log.Info("nats url is not set, outgoing messages are dropped")
		return broker.NewDisabled(a.log)
	}

	p, err := broker.New(cfg.NATS.URL, cfg.NATS.SecretKey, cfg.NATS.NotificationSubject)
	if err != nil {
		panic(err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		p.Close()
		return nil
	})

	return p
}

// Stop shuts the HTTP server down, then releases everything New opened in
// reverse order.
func (a *App) Stop(ctx context.Context) {
	const op = "app.Stop"
	log := a.log.With(slog.String("op", op))

	if err := a.HTTPSrv.Stop(ctx); err != nil {
		log.Error("failed to stop http server", sl.Err(err))
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Error("failed to release resource", sl.Err(fmt.Errorf("%s: %w", op, err)))
		}
	}
}

// Handler exposes the assembled router, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.HTTPSrv.Handler()
}

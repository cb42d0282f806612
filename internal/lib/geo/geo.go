// Package geo resolves client IPs to a country and city and decides whether
// the country may use the service. Decisions are cached per IP.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"aniyuu/internal/lib/sl"

	"github.com/jellydator/ttlcache/v3"
)

const (
	DefaultPrimaryURL = "http://ip-api.com/json/%s"
	DefaultBackupURL  = "https://ipapi.co/%s/json/"
	UnknownLocation   = "Unknown"
)

var ErrLookupFailed = errors.New("ip lookup failed")

type Config struct {
	AllowedCountries []string
	// PrimaryURL and BackupURL are fmt templates with one %s for the IP.
	PrimaryURL string
	BackupURL  string
	AllowedTTL time.Duration
	DeniedTTL  time.Duration
	Timeout    time.Duration
}

type Decision struct {
	Allowed  bool
	Location string
}

type Resolver struct {
	log     *slog.Logger
	client  *http.Client
	cache   *ttlcache.Cache[string, Decision]
	cfg     Config
	allowed []string
}

// lookupResponse covers both providers: ip-api.com uses status/country/countryCode,
// ipapi.co uses country_name/country_code and error.
type lookupResponse struct {
	Status        string `json:"status"`
	Country       string `json:"country"`
	CountryCode   string `json:"countryCode"`
	CountryName   string `json:"country_name"`
	CountryCodeCo string `json:"country_code"`
	City          string `json:"city"`
	Error         bool   `json:"error"`
}

func New(log *slog.Logger, cfg Config) *Resolver {
	if cfg.PrimaryURL == "" {
		cfg.PrimaryURL = DefaultPrimaryURL
	}
	if cfg.BackupURL == "" {
		cfg.BackupURL = DefaultBackupURL
	}

	allowed := make([]string, 0, len(cfg.AllowedCountries))
	for _, c := range cfg.AllowedCountries {
		allowed = append(allowed, strings.ToUpper(strings.TrimSpace(c)))
	}

	cache := ttlcache.New[string, Decision](
		ttlcache.WithTTL[string, Decision](cfg.AllowedTTL),
		ttlcache.WithDisableTouchOnHit[string, Decision](),
	)

	return &Resolver{
		log:     log,
		client:  &http.Client{Timeout: cfg.Timeout},
		cache:   cache,
		cfg:     cfg,
		allowed: allowed,
	}
}

// Start runs expired-item eviction until Stop is called.
func (r *Resolver) Start() {
	r.cache.Start()
}

func (r *Resolver) Stop() {
	r.cache.Stop()
}

// Restricted reports whether only some countries are allowed.
func (r *Resolver) Restricted() bool {
	return len(r.allowed) > 0
}

// Check returns the cached decision for ip or resolves a new one. Failed
// lookups are not cached.
func (r *Resolver) Check(ctx context.Context, ip string) (Decision, error) {
	const op = "geo.Check"
	log := r.log.With(slog.String("op", op), slog.String("ip", ip))

	if item := r.cache.Get(ip); item != nil {
		return item.Value(), nil
	}

	resp, err := r.lookup(ctx, r.cfg.PrimaryURL, ip)
	if err != nil {
		log.Warn("primary lookup failed, trying backup", sl.Err(err))

		resp, err = r.lookup(ctx, r.cfg.BackupURL, ip)
		if err != nil {
			log.Error("backup lookup failed", sl.Err(err))
			return Decision{}, fmt.Errorf("%s: %w: %w", op, ErrLookupFailed, err)
		}
	}

	code, country := resp.countryCode(), resp.country()
	d := Decision{
		Allowed:  !r.Restricted() || slices.Contains(r.allowed, code),
		Location: location(country, resp.City),
	}

	ttl := r.cfg.AllowedTTL
	if !d.Allowed {
		ttl = r.cfg.DeniedTTL
		log.Warn("country not allowed", slog.String("country_code", code))
	}
	r.cache.Set(ip, d, ttl)

	return d, nil
}

func (r *Resolver) lookup(ctx context.Context, urlTemplate, ip string) (*lookupResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(urlTemplate, ip), nil)
	if err != nil {
		return nil, err
	}

	res, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if body.Error || (body.Status != "" && body.Status != "success") || body.countryCode() == "" {
		return nil, errors.New("provider returned no country")
	}

	return &body, nil
}

func (l *lookupResponse) countryCode() string {
	if l.CountryCode != "" {
		return strings.ToUpper(l.CountryCode)
	}
	return strings.ToUpper(l.CountryCodeCo)
}

func (l *lookupResponse) country() string {
	if l.Country != "" {
		return l.Country
	}
	return l.CountryName
}

func location(country, city string) string {
	switch {
	case country == "":
		return UnknownLocation
	case city == "":
		return country
	default:
		return country + ", " + city
	}
}

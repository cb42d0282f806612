package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	StorageMongo  = "mongo"
	StorageSQLite = "sqlite"
)

type Config struct {
	Env        string     `yaml:"env" env:"ENV" env-default:"local"`
	Storage    Storage    `yaml:"storage"`
	Mongo      Mongo      `yaml:"mongo"`
	HTTPServer HTTPServer `yaml:"http_server"`
	JWT        JWT        `yaml:"jwt"`
	Refresh    Refresh    `yaml:"refresh"`
	NATS       NATS       `yaml:"nats"`
	Geo        Geo        `yaml:"geo"`
	CORS       CORS       `yaml:"cors"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	Activation Activation `yaml:"activation"`
}

type Storage struct {
	Kind       string `yaml:"kind" env:"STORAGE_KIND" env-default:"sqlite"`
	SQLitePath string `yaml:"sqlite_path" env:"STORAGE_SQLITE_PATH" env-default:"./storage/aniyuu.db"`
}

type Mongo struct {
	URI      string `yaml:"uri" env:"MONGO_URI" env-default:"mongodb://localhost:27017"`
	Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"aniyuu"`
}

type HTTPServer struct {
	Address     string        `yaml:"address" env:"HTTP_ADDRESS" env-default:"localhost:8080"`
	Timeout     time.Duration `yaml:"timeout" env-default:"10s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

type JWT struct {
	SecretKey             string `yaml:"secret_key" env:"JWT_SECRET_KEY" env-required:"true"`
	Issuer                string `yaml:"issuer" env:"JWT_ISSUER" env-default:"aniyuu"`
	Audience              string `yaml:"audience" env:"JWT_AUDIENCE" env-default:"aniyuu-clients"`
	AccessTokenTTLMinutes int    `yaml:"access_token_ttl_minutes" env-default:"16"`
	RefreshTokenTTLDays   int    `yaml:"refresh_token_ttl_days" env-default:"7"`
}

func (j JWT) AccessTokenTTL() time.Duration {
	return time.Duration(j.AccessTokenTTLMinutes) * time.Minute
}

func (j JWT) RefreshTokenTTL() time.Duration {
	return time.Duration(j.RefreshTokenTTLDays) * 24 * time.Hour
}

type Refresh struct {
	RevokeOnReuse bool `yaml:"revoke_on_reuse" env:"REFRESH_REVOKE_ON_REUSE" env-default:"true"`

	// A replay this soon after redemption is a concurrent duplicate, not reuse.
	ReuseGracePeriod time.Duration `yaml:"reuse_grace_period" env:"REFRESH_REUSE_GRACE_PERIOD" env-default:"10s"`
	TokenPepper      string        `yaml:"token_pepper" env:"REFRESH_TOKEN_PEPPER"`
}

// NATS publishing is disabled when URL is empty.
type NATS struct {
	URL                 string `yaml:"url" env:"NATS_URL"`
	EmailSubject        string `yaml:"email_subject" env-default:"email.send"`
	NotificationSubject string `yaml:"notification_subject" env-default:"notification.send"`
	SecretKey           string `yaml:"secret_key" env:"NATS_SECRET_KEY"`
}

type Geo struct {
	Enabled          bool          `yaml:"enabled" env:"GEO_ENABLED" env-default:"false"`
	AllowedCountries []string      `yaml:"allowed_countries" env:"GEO_ALLOWED_COUNTRIES" env-separator:","`
	PrimaryURL       string        `yaml:"primary_url" env-default:"http://ip-api.com/json/%s"`
	BackupURL        string        `yaml:"backup_url" env-default:"https://ipapi.co/%s/json/"`
	AllowedTTL       time.Duration `yaml:"allowed_ttl" env-default:"6h"`
	DeniedTTL        time.Duration `yaml:"denied_ttl" env-default:"1h"`
	Timeout          time.Duration `yaml:"timeout" env-default:"3s"`
}

type CORS struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-separator:","`
}

type RateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute" env:"RATE_LIMIT_RPM" env-default:"120"`
}

type Activation struct {
	CodeTTL time.Duration `yaml:"code_ttl" env-default:"1h"`
}

// MustLoad reads the config file named by the -config flag or CONFIG_PATH.
// A .env file in the working directory, if any, is loaded first so its
// values can override the file.
func MustLoad() *Config {
	return MustLoadPath(fetchConfigPath())
}

func MustLoadPath(path string) *Config {
	if path == "" {
		panic("config path is empty")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found: " + path)
	}

	// .env is optional.
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	switch cfg.Storage.Kind {
	case StorageMongo, StorageSQLite:
	default:
		panic("unknown storage kind: " + cfg.Storage.Kind)
	}

	return &cfg
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}

package config

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	// HTTP surface
	Port         int    `mapstructure:"PORT"`
	WorkerSecret string `mapstructure:"INGEST_WORKER_SECRET" validate:"required"`
	RateCap      int    `mapstructure:"INGEST_RATE_CAP"`

	// Progress callbacks
	CallbackURL    string `mapstructure:"INGEST_CALLBACK_URL"`
	CallbackSecret string `mapstructure:"INGEST_CALLBACK_SECRET"`

	// Upload backends, in precedence order
	FirebaseBucket        string `mapstructure:"FIREBASE_STORAGE_BUCKET"`
	FirebaseProjectID     string `mapstructure:"FIREBASE_PROJECT_ID"`
	GoogleCredentialsJSON string `mapstructure:"GOOGLE_APPLICATION_CREDENTIALS_JSON"`
	GCSBucket             string `mapstructure:"GCS_BUCKET"`
	CloudflareAccountID   string `mapstructure:"CLOUDFLARE_ACCOUNT_ID"`
	CloudflareAPIToken    string `mapstructure:"CLOUDFLARE_API_TOKEN"`

	// Local-serving fallback
	WorkerPublicURL string `mapstructure:"WORKER_PUBLIC_URL"`
	MediaDir        string `mapstructure:"INGEST_MEDIA_DIR"`

	// Pipeline behavior
	SpoolDir          string `mapstructure:"SPOOL_DIR"`
	TrimSeconds       int    `mapstructure:"INGEST_TRIM_SECONDS"`
	MaxConcurrentJobs int    `mapstructure:"INGEST_MAX_CONCURRENT"`
	IngestTimeoutMin  int    `mapstructure:"INGEST_TIMEOUT_MINUTES"`
	TrimJobTimeoutMin int    `mapstructure:"TRIM_TIMEOUT_MINUTES"`

	// yt-dlp and credentials
	YtdlpPath          string `mapstructure:"YT_DLP_PATH"`
	CookiesB64         string `mapstructure:"YT_DLP_COOKIES_B64"`
	CookiesFile        string `mapstructure:"YT_DLP_COOKIES_FILE"`
	CookiesFromBrowser string `mapstructure:"YT_DLP_COOKIES_FROM_BROWSER"`
	CookieFetchURL     string `mapstructure:"COOKIE_FETCH_URL"`
	CookieFetchSecret  string `mapstructure:"COOKIE_FETCH_SECRET"`
}

// use reflect to bind environment variables based on mapstructure tags
func bindEnv(c Config) {
	val := reflect.ValueOf(c)
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("mapstructure")
		if tag != "" {
			viper.BindEnv(tag)
		}
	}
}

func LoadConfig() (*Config, error) {
	bindEnv(Config{})
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("PORT", 8080)
	viper.SetDefault("INGEST_RATE_CAP", 30)
	viper.SetDefault("INGEST_MAX_CONCURRENT", 2)
	viper.SetDefault("INGEST_TIMEOUT_MINUTES", 20)
	viper.SetDefault("TRIM_TIMEOUT_MINUTES", 60)
	viper.SetDefault("WORKER_PUBLIC_URL", "http://localhost:8080")

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	slog.Info("Loaded configuration",
		"port", cfg.Port,
		"has_callback_url", cfg.CallbackURL != "",
		"firebase_bucket", cfg.FirebaseBucket,
		"gcs_bucket", cfg.GCSBucket,
		"has_cloudflare", cfg.CloudflareAccountID != "",
		"max_concurrent", cfg.MaxConcurrentJobs)

	return &cfg, nil
}

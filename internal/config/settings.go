package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read from the environment once at startup and passed to
// constructors. Nothing below re-reads the environment at call time.
type Config struct {
	BaseURL             string `env:"BASE_URL" envDefault:"http://localhost:8081"`
	MasterEncryptionKey string `env:"PIERRE_MASTER_ENCRYPTION_KEY"`

	Providers   ProvidersConfig
	KeyRotation KeyRotationConfig `envPrefix:"PIERRE_KEY_ROTATION_"`
	OAuth       OAuthConfig       `envPrefix:"PIERRE_OAUTH_"`
	Audit       AuditConfig       `envPrefix:"PIERRE_AUDIT_"`
}

// ProviderCredentials are the server level OAuth app for one provider.
type ProviderCredentials struct {
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	RedirectURI  string   `env:"REDIRECT_URI"`
	Scopes       []string `env:"SCOPES" envSeparator:","`
}

// Configured reports whether both halves of the client credentials are set.
func (p ProviderCredentials) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// TerraCredentials accepts Terra's dev id / api key naming as well.
type TerraCredentials struct {
	ProviderCredentials
	DevID  string `env:"DEV_ID"`
	APIKey string `env:"API_KEY"`
}

type ProvidersConfig struct {
	Strava ProviderCredentials `envPrefix:"STRAVA_"`
	Fitbit ProviderCredentials `envPrefix:"FITBIT_"`
	Garmin ProviderCredentials `envPrefix:"GARMIN_"`
	Whoop  ProviderCredentials `envPrefix:"WHOOP_"`
	Terra  TerraCredentials    `envPrefix:"TERRA_"`
}

// Server returns the server level credentials for provider, if configured.
func (p ProvidersConfig) Server(provider string) (ProviderCredentials, bool) {
	var creds ProviderCredentials
	switch strings.ToLower(provider) {
	case "strava":
		creds = p.Strava
	case "fitbit":
		creds = p.Fitbit
	case "garmin":
		creds = p.Garmin
	case "whoop":
		creds = p.Whoop
	case "terra":
		creds = p.Terra.ProviderCredentials
		if creds.ClientID == "" {
			creds.ClientID = p.Terra.DevID
		}
		if creds.ClientSecret == "" {
			creds.ClientSecret = p.Terra.APIKey
		}
	default:
		return ProviderCredentials{}, false
	}
	return creds, creds.Configured()
}

type KeyRotationConfig struct {
	IntervalDays           int           `env:"INTERVAL_DAYS" envDefault:"90"`
	MaxKeyAgeDays          int           `env:"MAX_KEY_AGE_DAYS" envDefault:"365"`
	AutoRotationEnabled    bool          `env:"AUTO_ENABLED" envDefault:"true"`
	RotationHour           int           `env:"HOUR" envDefault:"2"`
	VersionsToRetain       int           `env:"VERSIONS_TO_RETAIN" envDefault:"3"`
	CheckInterval          time.Duration `env:"CHECK_INTERVAL" envDefault:"1h"`
	MaxConcurrentRotations int           `env:"MAX_CONCURRENT" envDefault:"4"`
	RotateGlobalDEK        bool          `env:"ROTATE_GLOBAL_DEK" envDefault:"false"`
}

type OAuthConfig struct {
	// BreakerPreset is one of default, strict or lenient.
	BreakerPreset     string        `env:"BREAKER_PRESET" envDefault:"default"`
	PerTenantBreakers bool          `env:"PER_TENANT_BREAKERS" envDefault:"false"`
	// HTTPTimeout bounds each token endpoint request.
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
}

type AuditConfig struct {
	Sink        string `env:"SINK" envDefault:"log"` // log, memory, filesystem, s3
	Path        string `env:"PATH" envDefault:"./audit"`
	Bucket      string `env:"BUCKET" envDefault:"pierre-audit"`
	Prefix      string `env:"PREFIX" envDefault:"pierre/audit/"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFrom parses a fixed environment map, for tests and tooling.
func LoadFrom(environment map[string]string) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: environment})
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.KeyRotation.RotationHour < 0 || c.KeyRotation.RotationHour > 23 {
		return fmt.Errorf("PIERRE_KEY_ROTATION_HOUR must be between 0 and 23, got %d", c.KeyRotation.RotationHour)
	}
	if c.KeyRotation.IntervalDays < 1 {
		return fmt.Errorf("PIERRE_KEY_ROTATION_INTERVAL_DAYS must be positive, got %d", c.KeyRotation.IntervalDays)
	}
	if c.KeyRotation.VersionsToRetain < 1 {
		return fmt.Errorf("PIERRE_KEY_ROTATION_VERSIONS_TO_RETAIN must be positive, got %d", c.KeyRotation.VersionsToRetain)
	}
	switch c.OAuth.BreakerPreset {
	case "default", "strict", "lenient":
	default:
		return fmt.Errorf("PIERRE_OAUTH_BREAKER_PRESET must be default, strict or lenient, got %q", c.OAuth.BreakerPreset)
	}
	switch c.Audit.Sink {
	case "log", "memory", "filesystem", "s3":
	default:
		return fmt.Errorf("PIERRE_AUDIT_SINK must be log, memory, filesystem or s3, got %q", c.Audit.Sink)
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/nook-weather-service/internal/models"
)

// maxEnvProviders is how many WEATHER_API_PROVIDER_n slots are read.
const maxEnvProviders = 4

// ProviderConfig is one entry of the ordered provider list. Key is the API key,
// or the User-Agent for NWS.
type ProviderConfig struct {
	Name string `yaml:"name" validate:"required"`
	Key  string `yaml:"key"`
}

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	Providers        []ProviderConfig `validate:"min=1,dive"`
	ProviderBaseURLs map[string]string

	RefreshInterval time.Duration `validate:"gt=0"`
	RefreshTimeout  time.Duration `validate:"gt=0"`
	Location        *time.Location

	ProviderTimeout         time.Duration `validate:"gt=0"`
	RetryAttempts           int           `validate:"min=1,max=10"`
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	OutboundRPS             float64 `validate:"gte=0"`
	OutboundBurst           int     `validate:"gte=0"`
	BreakerFailureThreshold int     `validate:"min=1"`
	BreakerSuccessThreshold int     `validate:"min=1"`
	BreakerTimeout          time.Duration

	RequestTimeout time.Duration
	RateLimitRPS   int `validate:"min=1"`
	RateLimitBurst int `validate:"min=1"`

	PayloadCacheBackend string `validate:"oneof=none in_memory file memcached"`
	PayloadCacheMode    string `validate:"oneof=off record replay record_replay"`
	PayloadCacheDir     string
	PayloadCacheTTL     time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	CORSAllowedOrigins []string

	WarmLocations []models.Coordinate
	WarmInterval  time.Duration // 0 = warm once at startup only

	ShutdownTimeout time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int `validate:"min=1,max=100"`
	DegradedWindow       time.Duration
	DegradedErrorPct     int `validate:"min=1,max=100"`

	TrackedLocations []string
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Providers []ProviderConfig `yaml:"providers"`

	Forecast struct {
		RefreshInterval string `yaml:"refresh_interval"`
		RefreshTimeout  string `yaml:"refresh_timeout"`
		Timezone        string `yaml:"timezone"`
	} `yaml:"forecast"`

	ProviderHTTP struct {
		Timeout          string            `yaml:"timeout"`
		RetryMaxAttempts int               `yaml:"retry_max_attempts"`
		RetryBaseDelay   string            `yaml:"retry_base_delay"`
		RetryMaxDelay    string            `yaml:"retry_max_delay"`
		OutboundRPS      float64           `yaml:"outbound_rps"`
		OutboundBurst    int               `yaml:"outbound_burst"`
		BaseURLs         map[string]string `yaml:"base_urls"`
		CircuitBreaker   struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"provider_http"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	PayloadCache struct {
		Backend   string `yaml:"backend"`
		Mode      string `yaml:"mode"`
		Dir       string `yaml:"dir"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"payload_cache"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`

	Warm struct {
		Locations []string `yaml:"locations"`
		Interval  string   `yaml:"interval"`
	} `yaml:"warm"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	ProviderKeys map[string]string `yaml:"provider_keys"`
}

// Load reads .env (optional), config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml (optional), then applies env overrides. Call from project root.
func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}
	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.Providers = append([]ProviderConfig(nil), fc.Providers...)
	if err := applySecrets(cfg, filepath.Join(cwd, "config", "secrets.yaml")); err != nil {
		return nil, err
	}
	if envProviders := providersFromEnv(); len(envProviders) > 0 {
		cfg.Providers = envProviders
	}
	cfg.ProviderBaseURLs = make(map[string]string, len(fc.ProviderHTTP.BaseURLs))
	for name, u := range fc.ProviderHTTP.BaseURLs {
		cfg.ProviderBaseURLs[strings.ToLower(strings.TrimSpace(name))] = u
	}

	cfg.RefreshInterval = parseDuration(fc.Forecast.RefreshInterval, 60*time.Second)
	cfg.RefreshTimeout = parseDuration(fc.Forecast.RefreshTimeout, 20*time.Second)
	cfg.Location, err = loadLocation(fc.Forecast.Timezone)
	if err != nil {
		return nil, err
	}

	cfg.ProviderTimeout = parseDurationOrZero(fc.ProviderHTTP.Timeout, 10*time.Second)
	cfg.RetryAttempts = fc.ProviderHTTP.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 2
	}
	cfg.RetryBaseDelay = parseDuration(fc.ProviderHTTP.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.ProviderHTTP.RetryMaxDelay, 2*time.Second)
	cfg.OutboundRPS = fc.ProviderHTTP.OutboundRPS
	cfg.OutboundBurst = fc.ProviderHTTP.OutboundBurst
	if cfg.OutboundRPS > 0 && cfg.OutboundBurst <= 0 {
		cfg.OutboundBurst = 1
	}
	cfg.BreakerFailureThreshold = fc.ProviderHTTP.CircuitBreaker.FailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerSuccessThreshold = fc.ProviderHTTP.CircuitBreaker.SuccessThreshold
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = 2
	}
	cfg.BreakerTimeout = parseDuration(fc.ProviderHTTP.CircuitBreaker.Timeout, 60*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 30*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}

	loadPayloadCache(cfg, &fc)

	cfg.CORSAllowedOrigins = fc.CORS.AllowedOrigins

	cfg.WarmLocations, err = parseCoordinates(fc.Warm.Locations)
	if err != nil {
		return nil, err
	}
	cfg.WarmInterval = parseDurationOrZero(fc.Warm.Interval, 0)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 5*time.Minute)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applySecrets fills empty provider keys from config/secrets.yaml provider_keys.
func applySecrets(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return fmt.Errorf("parse secrets file: %w", err)
	}
	keys := make(map[string]string, len(sec.ProviderKeys))
	for name, key := range sec.ProviderKeys {
		keys[strings.ToLower(strings.TrimSpace(name))] = key
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].Key == "" {
			cfg.Providers[i].Key = keys[strings.ToLower(strings.TrimSpace(cfg.Providers[i].Name))]
		}
	}
	return nil
}

// providersFromEnv reads WEATHER_API_PROVIDER_n / WEATHER_API_KEY_n for
// n = 1..4, stopping at the first missing provider.
func providersFromEnv() []ProviderConfig {
	var out []ProviderConfig
	for i := 1; i <= maxEnvProviders; i++ {
		name, ok := os.LookupEnv("WEATHER_API_PROVIDER_" + strconv.Itoa(i))
		if !ok {
			break
		}
		out = append(out, ProviderConfig{
			Name: strings.TrimSpace(name),
			Key:  os.Getenv("WEATHER_API_KEY_" + strconv.Itoa(i)),
		})
	}
	return out
}

func loadPayloadCache(cfg *Config, fc *fileConfig) {
	pc := fc.PayloadCache
	cfg.PayloadCacheBackend = firstNonEmpty(os.Getenv("PAYLOAD_CACHE_BACKEND"), pc.Backend, "none")
	cfg.PayloadCacheMode = firstNonEmpty(os.Getenv("PAYLOAD_CACHE_MODE"), pc.Mode, "off")
	// DEBUG=1 replays recorded payloads and records new ones
	if _, debug := os.LookupEnv("DEBUG"); debug && os.Getenv("PAYLOAD_CACHE_MODE") == "" {
		cfg.PayloadCacheMode = "record_replay"
		if cfg.PayloadCacheBackend == "none" {
			cfg.PayloadCacheBackend = "file"
		}
	}
	cfg.PayloadCacheBackend = strings.ToLower(cfg.PayloadCacheBackend)
	cfg.PayloadCacheMode = strings.ToLower(cfg.PayloadCacheMode)
	cfg.PayloadCacheDir = firstNonEmpty(pc.Dir, filepath.Join(os.TempDir(), "nook-weather-payloads"))
	cfg.PayloadCacheTTL = parseDurationOrZero(pc.TTL, 0)

	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), pc.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(pc.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = pc.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("forecast.timezone: %w", err)
	}
	return loc, nil
}

// parseCoordinates parses "lat,lon" strings. Values are kept verbatim so warmed
// keys match what the dashboard requests.
func parseCoordinates(vals []string) ([]models.Coordinate, error) {
	out := make([]models.Coordinate, 0, len(vals))
	for _, v := range vals {
		lat, lon, ok := strings.Cut(strings.TrimSpace(v), ",")
		lat, lon = strings.TrimSpace(lat), strings.TrimSpace(lon)
		if !ok || lat == "" || lon == "" {
			return nil, fmt.Errorf("warm.locations: %q is not lat,lon", v)
		}
		out = append(out, models.Coordinate{Lat: lat, Lon: lon})
	}
	return out, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

var structValidator = validator.New()

// validate runs struct tag checks, then cross-field rules.
// RequestTimeout is raised above RefreshTimeout so a refresh can finish before the
// handler gives up.
func validate(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return errors.New("at least one provider is required (providers in config or WEATHER_API_PROVIDER_1)")
	}
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.ProviderTimeout <= 0 {
		return errors.New("provider_http.timeout must be positive")
	}
	if cfg.RefreshTimeout < cfg.ProviderTimeout {
		cfg.RefreshTimeout = cfg.ProviderTimeout
	}
	if cfg.RequestTimeout <= cfg.RefreshTimeout {
		cfg.RequestTimeout = cfg.RefreshTimeout + time.Second
	}
	if cfg.PayloadCacheMode != "off" && cfg.PayloadCacheBackend == "none" {
		return fmt.Errorf("payload_cache.mode %q needs a backend (in_memory, file or memcached)", cfg.PayloadCacheMode)
	}
	if cfg.WarmInterval < 0 {
		return errors.New("warm.interval must not be negative")
	}
	if cfg.WarmInterval > 0 && cfg.WarmInterval < cfg.RefreshInterval {
		return fmt.Errorf("warm.interval %s is shorter than forecast.refresh_interval %s", cfg.WarmInterval, cfg.RefreshInterval)
	}
	return nil
}

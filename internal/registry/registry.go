// Package registry builds the ordered provider list from configuration.
package registry

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/nook-weather-service/internal/cache"
	"github.com/kjstillabower/nook-weather-service/internal/circuitbreaker"
	"github.com/kjstillabower/nook-weather-service/internal/client"
	"github.com/kjstillabower/nook-weather-service/internal/config"
	"github.com/kjstillabower/nook-weather-service/internal/observability"
	"github.com/kjstillabower/nook-weather-service/internal/provider"
	"github.com/kjstillabower/nook-weather-service/internal/provider/darksky"
	"github.com/kjstillabower/nook-weather-service/internal/provider/nws"
	"github.com/kjstillabower/nook-weather-service/internal/provider/openweather"
	"github.com/kjstillabower/nook-weather-service/internal/provider/tomorrow"
)

var (
	ErrUnknownProvider   = errors.New("unknown weather provider")
	ErrNoProviders       = errors.New("no weather providers configured")
	ErrMissingCredential = errors.New("provider credential is empty")
)

// DefaultNWSUserAgent identifies the service to api.weather.gov when no
// contact string is configured.
const DefaultNWSUserAgent = "nook-weather-service"

type factory struct {
	name  string
	build func(fetcher provider.Fetcher, credential string, opts provider.Options) provider.Provider
}

var (
	nwsFactory = factory{nws.Name, func(f provider.Fetcher, c string, o provider.Options) provider.Provider {
		return nws.New(f, c, o)
	}}
	openWeatherFactory = factory{openweather.Name, func(f provider.Fetcher, c string, o provider.Options) provider.Provider {
		return openweather.New(f, c, o)
	}}
	darkSkyFactory = factory{darksky.Name, func(f provider.Fetcher, c string, o provider.Options) provider.Provider {
		return darksky.New(f, c, o)
	}}
	tomorrowFactory = factory{tomorrow.Name, func(f provider.Fetcher, c string, o provider.Options) provider.Provider {
		return tomorrow.New(f, c, o)
	}}
)

// keys are lower-case config names
var factories = map[string]factory{
	"nws":         nwsFactory,
	"openweather": openWeatherFactory,
	"darksky":     darkSkyFactory,
	"tomorrow":    tomorrowFactory,
	"tomorrow.io": tomorrowFactory,
}

// Deps are the shared pieces every provider client is built with.
type Deps struct {
	Config   *config.Config
	Payloads cache.Cache // nil disables record/replay
	Logger   *zap.Logger
}

type entry struct {
	provider provider.Provider
	breaker  *circuitbreaker.CircuitBreaker
	label    string
}

// Registry is the ordered provider list. Order is fallback order. Immutable after Build.
type Registry struct {
	entries []entry
}

// Build creates one provider per config entry, each with its own upstream
// client, circuit breaker and outbound limiter. Unknown names fail the whole build.
func Build(entries []config.ProviderConfig, deps Deps) (*Registry, error) {
	if len(entries) == 0 {
		return nil, ErrNoProviders
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	total := make(map[string]int, len(entries))
	for i, pc := range entries {
		f, ok := factories[strings.ToLower(strings.TrimSpace(pc.Name))]
		if !ok {
			return nil, fmt.Errorf("%w: %q (entry %d)", ErrUnknownProvider, pc.Name, i+1)
		}
		total[f.name]++
	}

	seen := make(map[string]int, len(total))
	r := &Registry{entries: make([]entry, 0, len(entries))}
	for i, pc := range entries {
		key := strings.ToLower(strings.TrimSpace(pc.Name))
		f := factories[key]
		cred := strings.TrimSpace(pc.Key)
		if cred == "" {
			if key != "nws" {
				return nil, fmt.Errorf("%w: %s (entry %d)", ErrMissingCredential, pc.Name, i+1)
			}
			cred = DefaultNWSUserAgent
		}

		seen[f.name]++
		label := entryLabel(f.name, seen[f.name], total[f.name])
		breaker := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			Timeout:          cfg.BreakerTimeout,
			Component:        label,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(label, from.String(), to.String())
				logger.Warn("circuit breaker state change",
					zap.String("provider", label),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		observability.CircuitBreakerState.WithLabelValues(label).Set(0)

		var limiter *rate.Limiter
		if cfg.OutboundRPS > 0 {
			limiter = rate.NewLimiter(rate.Limit(cfg.OutboundRPS), max(cfg.OutboundBurst, 1))
		}

		upstream := client.New(label, client.Options{
			Timeout:        cfg.ProviderTimeout,
			RetryAttempts:  cfg.RetryAttempts,
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
			Breaker:        breaker,
			Limiter:        limiter,
			Payloads:       deps.Payloads,
			PayloadMode:    client.PayloadMode(cfg.PayloadCacheMode),
			PayloadTTL:     cfg.PayloadCacheTTL,
			Logger:         logger,
		})

		opts := provider.Options{
			BaseURL:  baseURL(cfg.ProviderBaseURLs, key),
			Location: cfg.Location,
		}
		r.entries = append(r.entries, entry{
			provider: f.build(upstream, cred, opts),
			breaker:  breaker,
			label:    label,
		})
	}
	return r, nil
}

// entryLabel names a breaker and its metrics. A provider configured more than
// once (two OpenWeather keys) gets "OpenWeather#1", "OpenWeather#2".
func entryLabel(name string, n, total int) string {
	if total <= 1 {
		return name
	}
	return fmt.Sprintf("%s#%d", name, n)
}

// baseURL looks up an endpoint override; tomorrow and tomorrow.io share one.
func baseURL(overrides map[string]string, key string) string {
	if u, ok := overrides[key]; ok {
		return u
	}
	if key == "tomorrow.io" {
		return overrides["tomorrow"]
	}
	if key == "tomorrow" {
		return overrides["tomorrow.io"]
	}
	return ""
}

// Providers returns the providers in fallback order.
func (r *Registry) Providers() []provider.Provider {
	out := make([]provider.Provider, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.provider
	}
	return out
}

// Names returns provider names in fallback order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.provider.Name()
	}
	return out
}

// Labels returns the per-entry breaker labels in fallback order.
func (r *Registry) Labels() []string {
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.label
	}
	return out
}

// BreakerStates reports each entry's circuit state for /health, keyed by label.
func (r *Registry) BreakerStates() map[string]string {
	out := make(map[string]string, len(r.entries))
	for _, e := range r.entries {
		out[e.label] = e.breaker.State().String()
	}
	return out
}

// Package service aggregates forecasts from an ordered list of providers with
// a per-location freshness window and stale fallback.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/nook-weather-service/internal/client"
	"github.com/kjstillabower/nook-weather-service/internal/models"
	"github.com/kjstillabower/nook-weather-service/internal/observability"
	"github.com/kjstillabower/nook-weather-service/internal/provider"
)

var (
	// ErrAllProvidersFailed is returned when every provider failed and no
	// forecast was ever cached for the location. The joined provider errors are
	// wrapped alongside it.
	ErrAllProvidersFailed = errors.New("all weather API providers failed")
	ErrNoProviders        = errors.New("aggregator needs at least one provider")
)

// DefaultRefreshInterval is the freshness window for a location.
const DefaultRefreshInterval = 60 * time.Second

// Options tune the Aggregator.
type Options struct {
	RefreshInterval time.Duration
	// RefreshTimeout bounds one pass over the providers. 0 = only the caller's context.
	RefreshTimeout time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

// keyState is the per-location entry. sem is a one-slot lock; fetchedAt and
// forecast are only touched while holding it.
type keyState struct {
	sem       chan struct{}
	fetchedAt time.Time
	forecast  *models.Forecast
}

// Aggregator serves forecasts per location, refreshing from providers in order
// when the stored forecast is older than the refresh interval.
type Aggregator struct {
	providers      []provider.Provider
	interval       time.Duration
	refreshTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time

	mu      sync.Mutex // guards entries only
	entries map[string]*keyState

	waiters *waiterTracker
}

// NewAggregator returns an Aggregator over providers; order is fallback order.
func NewAggregator(providers []provider.Provider, opts Options) (*Aggregator, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		providers:      append([]provider.Provider(nil), providers...),
		interval:       opts.RefreshInterval,
		refreshTimeout: opts.RefreshTimeout,
		logger:         opts.Logger,
		now:            opts.Now,
		entries:        make(map[string]*keyState),
		waiters:        newWaiterTracker(),
	}, nil
}

// ProviderNames returns provider names in fallback order.
func (a *Aggregator) ProviderNames() []string {
	names := make([]string, len(a.providers))
	for i, p := range a.providers {
		names[i] = p.Name()
	}
	return names
}

func (a *Aggregator) state(key string) *keyState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.entries[key]
	if !ok {
		st = &keyState{sem: make(chan struct{}, 1)}
		a.entries[key] = st
	}
	return st
}

// Forecast returns the forecast for (lat, lon). The raw strings form the
// location key. A forecast younger than the refresh interval is returned as is;
// otherwise providers are tried in order and the first success is stored. When
// all fail, the last stored forecast is returned with the stale marker, or
// ErrAllProvidersFailed if there is none. Callers for one key are serialized;
// waiting for the key honors ctx. A caller canceled mid-refresh gets ctx.Err()
// and its provider errors are not counted.
func (a *Aggregator) Forecast(ctx context.Context, lat, lon string) (models.Forecast, error) {
	key := models.Coordinate{Lat: lat, Lon: lon}.Key()
	now := a.now()
	logger := observability.LoggerFromContext(ctx, a.logger).With(zap.String("location", key))

	observability.RecordForecastQuery(key)
	if n := a.waiters.Enter(key); n > 1 {
		observability.ForecastRefreshWaiters.WithLabelValues(observability.MetricLocationLabel(key)).Observe(float64(n))
	}
	defer a.waiters.Leave(key)

	st := a.state(key)
	select {
	case st.sem <- struct{}{}:
	case <-ctx.Done():
		return models.Forecast{}, ctx.Err()
	}
	defer func() { <-st.sem }()

	if st.forecast != nil && now.Sub(st.fetchedAt) < a.interval {
		observability.ForecastResultsTotal.WithLabelValues("fresh_hit").Inc()
		logger.Debug("forecast served from cache", zap.Duration("age", now.Sub(st.fetchedAt)))
		return st.forecast.Clone(), nil
	}

	f, name, err := a.refresh(ctx, lat, lon, logger)
	if err == nil {
		stored := f.Clone()
		st.forecast = &stored
		st.fetchedAt = now
		observability.ForecastResultsTotal.WithLabelValues("refreshed").Inc()
		logger.Debug("forecast refreshed", zap.String("provider", name))
		return f, nil
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		observability.ForecastResultsTotal.WithLabelValues("canceled").Inc()
		logger.Debug("forecast refresh abandoned, caller went away", zap.Error(err))
		return models.Forecast{}, ctx.Err()
	}

	if st.forecast != nil {
		observability.ForecastResultsTotal.WithLabelValues("stale").Inc()
		logger.Info("all providers failed, serving stale forecast",
			zap.Duration("age", now.Sub(st.fetchedAt)),
			zap.Error(err))
		return st.forecast.MarkStale(), nil
	}

	observability.ForecastResultsTotal.WithLabelValues("failed").Inc()
	logger.Error("all providers failed, no cached forecast", zap.Error(err))
	return models.Forecast{}, fmt.Errorf("%w: %w", ErrAllProvidersFailed, err)
}

// refresh tries each provider once in order and returns the first success.
// Failures are logged and collected; a failed provider is not retried.
func (a *Aggregator) refresh(ctx context.Context, lat, lon string, logger *zap.Logger) (models.Forecast, string, error) {
	if a.refreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.refreshTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() { observability.ForecastRefreshDuration.Observe(time.Since(start).Seconds()) }()

	errs := make([]error, 0, len(a.providers))
	for i, p := range a.providers {
		if ctxErr := ctx.Err(); ctxErr != nil {
			errs = append(errs, ctxErr)
			break
		}
		f, err := p.Forecast(ctx, lat, lon)
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			errs = append(errs, err)
			break
		}
		if err != nil {
			category := client.CategorizeError(err)
			observability.ProviderErrorsTotal.WithLabelValues(p.Name(), string(category)).Inc()
			logger.Warn("provider forecast failed",
				zap.String("provider", p.Name()),
				zap.String("category", string(category)),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if i > 0 {
			observability.ProviderFallbacksTotal.WithLabelValues(p.Name()).Inc()
		}
		return f, p.Name(), nil
	}
	return models.Forecast{}, "", errors.Join(errs...)
}

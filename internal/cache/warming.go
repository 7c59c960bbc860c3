package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/nook-weather-service/internal/models"
	"github.com/kjstillabower/nook-weather-service/internal/observability"
)

// warmConcurrency caps simultaneous warm fetches.
const warmConcurrency = 4

// ForecastFetcher is implemented by the aggregator. Used by CacheWarmer to
// avoid a dependency on the service package.
type ForecastFetcher interface {
	Forecast(ctx context.Context, lat, lon string) (models.Forecast, error)
}

// CacheWarmer pre-fetches forecasts for configured locations so the first
// dashboard request after startup is a fresh hit.
type CacheWarmer struct {
	fetcher     ForecastFetcher
	logger      *zap.Logger
	timeout     time.Duration
	concurrency int

	mu        sync.Mutex
	scheduler *gocron.Scheduler
}

// NewCacheWarmer creates a CacheWarmer. timeout bounds each scheduled run (0 = 30s).
func NewCacheWarmer(fetcher ForecastFetcher, logger *zap.Logger, timeout time.Duration) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger, timeout: timeout, concurrency: warmConcurrency}
}

// Warm fetches every location through the fetcher, at most warmConcurrency at
// a time. A failed location does not cancel the others. Returns the joined
// per-location errors, nil if all succeeded.
func (w *CacheWarmer) Warm(ctx context.Context, locations []models.Coordinate) error {
	if len(locations) == 0 {
		return nil
	}
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming forecast cache", zap.Int("locations", len(locations)))

	errs := make([]error, len(locations))
	var g errgroup.Group
	g.SetLimit(max(w.concurrency, 1))
	for i, loc := range locations {
		g.Go(func() error {
			if _, err := w.fetcher.Forecast(ctx, loc.Lat, loc.Lon); err != nil {
				errs[i] = fmt.Errorf("warm %s: %w", loc.Key(), err)
				return errs[i]
			}
			return nil
		})
	}
	var err error
	if g.Wait() != nil {
		err = errors.Join(errs...)
	}

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		w.logger.Warn("forecast cache warming finished with errors", zap.Error(err), zap.Float64("duration_seconds", duration))
		return err
	}
	w.logger.Info("forecast cache warming complete", zap.Int("locations", len(locations)), zap.Float64("duration_seconds", duration))
	return nil
}

// Schedule runs Warm every interval in the background until Stop. Runs never overlap.
// The first run happens immediately.
func (w *CacheWarmer) Schedule(locations []models.Coordinate, interval time.Duration) error {
	if len(locations) == 0 {
		return errors.New("no warm locations configured")
	}
	if interval <= 0 {
		return fmt.Errorf("invalid warm interval %s", interval)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler != nil {
		return errors.New("cache warmer already scheduled")
	}

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	_, err := s.Every(interval).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		_ = w.Warm(ctx, locations)
	})
	if err != nil {
		return fmt.Errorf("schedule cache warming: %w", err)
	}
	s.StartAsync()
	w.scheduler = s
	return nil
}

// Stop cancels future scheduled runs. Safe to call when not scheduled.
func (w *CacheWarmer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler != nil {
		w.scheduler.Stop()
		w.scheduler = nil
	}
}

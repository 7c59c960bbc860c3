package http

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kjstillabower/nook-weather-service/internal/observability"
)

// InFlightTracker counts requests being served, per route template.
// Shutdown waits on it so forecast refreshes already holding a key lock can finish.
type InFlightTracker struct {
	mu      sync.Mutex
	total   int64
	byRoute map[string]int64
}

// Start records a request on route and returns the func that ends it.
func (t *InFlightTracker) Start(route string) func() {
	t.mu.Lock()
	if t.byRoute == nil {
		t.byRoute = make(map[string]int64)
	}
	t.total++
	t.byRoute[route]++
	t.mu.Unlock()
	observability.HTTPRequestsInFlight.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.total--
			if t.byRoute[route]--; t.byRoute[route] <= 0 {
				delete(t.byRoute, route)
			}
			t.mu.Unlock()
			observability.HTTPRequestsInFlight.Dec()
		})
	}
}

func (t *InFlightTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Routes returns the route templates with requests still open, sorted.
func (t *InFlightTracker) Routes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.byRoute))
	for r := range t.byRoute {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// WaitForZero blocks until nothing is in flight or ctx is done.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for t.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

var globalInFlightTracker = &InFlightTracker{}

func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// InFlightRoutes lists routes with open requests; logged when shutdown times out.
func InFlightRoutes() []string {
	return globalInFlightTracker.Routes()
}

func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return globalInFlightTracker.WaitForZero(ctx, checkInterval)
}

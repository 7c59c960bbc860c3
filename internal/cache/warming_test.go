package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/nook-weather-service/internal/models"
)

type mockForecastFetcher struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	count atomic.Int32

	delay             time.Duration
	active, maxActive atomic.Int32
}

func (m *mockForecastFetcher) Forecast(ctx context.Context, lat, lon string) (models.Forecast, error) {
	m.count.Add(1)
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		peak := m.maxActive.Load()
		if n <= peak || m.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	key := lat + "," + lon
	m.mu.Lock()
	m.calls = append(m.calls, key)
	m.mu.Unlock()
	if err := m.fail[key]; err != nil {
		return models.Forecast{}, err
	}
	return models.Forecast{Now: models.Current{Provider: "NWS"}}, nil
}

var warmLocations = []models.Coordinate{{Lat: "47.6", Lon: "-122.3"}, {Lat: "40.7", Lon: "-74.0"}}

func TestCacheWarmer_Warm_Success(t *testing.T) {
	fetcher := &mockForecastFetcher{}
	warmer := NewCacheWarmer(fetcher, nil, 0)

	if err := warmer.Warm(context.Background(), warmLocations); err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if len(fetcher.calls) != 2 {
		t.Errorf("fetcher calls = %v, want 2", fetcher.calls)
	}
}

func TestCacheWarmer_Warm_EmptyLocations(t *testing.T) {
	fetcher := &mockForecastFetcher{}
	warmer := NewCacheWarmer(fetcher, nil, 0)

	if err := warmer.Warm(context.Background(), nil); err != nil {
		t.Fatalf("Warm(nil) error = %v, want nil", err)
	}
	if len(fetcher.calls) != 0 {
		t.Errorf("fetcher called %d times, want 0", len(fetcher.calls))
	}
}

// TestCacheWarmer_Warm_PartialFailure verifies one failing location does not stop
// the others and its error is reported with the location key.
func TestCacheWarmer_Warm_PartialFailure(t *testing.T) {
	errDown := errors.New("all providers down")
	fetcher := &mockForecastFetcher{fail: map[string]error{"47.6,-122.3": errDown}}
	core, logs := observer.New(zap.WarnLevel)
	warmer := NewCacheWarmer(fetcher, zap.New(core), 0)

	err := warmer.Warm(context.Background(), warmLocations)
	if !errors.Is(err, errDown) {
		t.Fatalf("Warm() error = %v, want wrapping errDown", err)
	}
	if !strings.Contains(err.Error(), "warm 47.6,-122.3") {
		t.Errorf("Warm() error = %q, want location key", err)
	}
	if len(fetcher.calls) != 2 {
		t.Errorf("fetcher calls = %v, want both locations attempted", fetcher.calls)
	}
	if logs.FilterMessage("forecast cache warming finished with errors").Len() != 1 {
		t.Error("expected a warning log for the failed run")
	}
}

func TestCacheWarmer_Warm_BoundedConcurrency(t *testing.T) {
	fetcher := &mockForecastFetcher{
		delay: 20 * time.Millisecond,
		fail:  map[string]error{"3,3": errors.New("boom"), "5,5": errors.New("bang")},
	}
	warmer := NewCacheWarmer(fetcher, nil, 0)
	warmer.concurrency = 2

	var locations []models.Coordinate
	for i := 0; i < 6; i++ {
		v := strconv.Itoa(i)
		locations = append(locations, models.Coordinate{Lat: v, Lon: v})
	}

	err := warmer.Warm(context.Background(), locations)
	if err == nil {
		t.Fatal("Warm() error = nil, want joined failures")
	}
	for _, key := range []string{"warm 3,3", "warm 5,5"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("Warm() error = %q, missing %q", err, key)
		}
	}
	if n := fetcher.count.Load(); n != 6 {
		t.Errorf("fetcher calls = %d, want 6 (failures do not stop the rest)", n)
	}
	if peak := fetcher.maxActive.Load(); peak > 2 {
		t.Errorf("max concurrent fetches = %d, want <= 2", peak)
	}
}

func TestCacheWarmer_Schedule(t *testing.T) {
	fetcher := &mockForecastFetcher{}
	warmer := NewCacheWarmer(fetcher, nil, time.Second)
	defer warmer.Stop()

	if err := warmer.Schedule(warmLocations, 20*time.Millisecond); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if err := warmer.Schedule(warmLocations, time.Second); err == nil {
		t.Error("second Schedule() error = nil, want already scheduled")
	}

	deadline := time.Now().Add(2 * time.Second)
	for fetcher.count.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := fetcher.count.Load(); n < 4 {
		t.Errorf("fetcher calls = %d, want at least two scheduled runs", n)
	}
}

func TestCacheWarmer_Schedule_InvalidArgs(t *testing.T) {
	warmer := NewCacheWarmer(&mockForecastFetcher{}, nil, 0)
	if err := warmer.Schedule(nil, time.Minute); err == nil {
		t.Error("Schedule(no locations) error = nil")
	}
	if err := warmer.Schedule(warmLocations, 0); err == nil {
		t.Error("Schedule(interval 0) error = nil")
	}
	warmer.Stop()
}

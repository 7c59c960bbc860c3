// Package provider defines the contract every upstream forecast source
// implements and the formatting helpers they share.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kjstillabower/nook-weather-service/internal/client"
	"github.com/kjstillabower/nook-weather-service/internal/models"
)

// Provider fetches one forecast for a coordinate and normalizes it.
// Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Forecast(ctx context.Context, lat, lon string) (models.Forecast, error)
}

// Fetcher is the upstream transport providers use. *client.UpstreamClient implements it.
type Fetcher interface {
	GetJSON(ctx context.Context, rawURL string, header http.Header, out any) error
}

// HourlyOffsets are the hourly entries picked for the forecast, in hours from now.
var HourlyOffsets = []int{1, 3, 5, 8, 11, 14}

// StaleThreshold is the oldest upstream generation time accepted.
const StaleThreshold = 2 * time.Hour

// Options are shared by every provider constructor.
type Options struct {
	// BaseURL overrides the production endpoint (tests, proxies).
	BaseURL string
	// Location renders local times; nil means time.Local.
	Location *time.Location
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Defaults fills nil fields.
func (o Options) Defaults(baseURL string) Options {
	if o.BaseURL == "" {
		o.BaseURL = baseURL
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// CheckFreshness rejects upstream data generated more than StaleThreshold before now.
func CheckFreshness(generatedAt, now time.Time) error {
	if age := now.Sub(generatedAt); age > StaleThreshold {
		return fmt.Errorf("%w: generated %s (%s old)", client.ErrStaleUpstream, generatedAt.UTC().Format(time.RFC3339), age.Round(time.Second))
	}
	return nil
}

// Malformed reports a payload missing a required field.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", client.ErrMalformedPayload, fmt.Sprintf(format, args...))
}

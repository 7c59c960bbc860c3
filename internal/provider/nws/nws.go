// Package nws implements the National Weather Service (api.weather.gov) provider.
package nws

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/nook-weather-service/internal/models"
	"github.com/kjstillabower/nook-weather-service/internal/provider"
)

const (
	Name           = "NWS"
	DefaultBaseURL = "https://api.weather.gov"

	// half-day periods cover 7 days; rows never read past this index
	maxPeriodIndex = 13
)

// Provider queries the NWS points API. The credential is the User-Agent NWS
// requires to identify the caller.
type Provider struct {
	fetcher   provider.Fetcher
	userAgent string
	opts      provider.Options

	mu       sync.Mutex
	trackers map[string]*dailyTracker
}

func New(fetcher provider.Fetcher, userAgent string, opts provider.Options) *Provider {
	return &Provider{
		fetcher:   fetcher,
		userAgent: userAgent,
		opts:      opts.Defaults(DefaultBaseURL),
		trackers:  make(map[string]*dailyTracker),
	}
}

func (p *Provider) Name() string { return Name }

type pointsResponse struct {
	Properties struct {
		Forecast       string `json:"forecast"`
		ForecastHourly string `json:"forecastHourly"`
	} `json:"properties"`
}

type forecastResponse struct {
	Properties struct {
		GeneratedAt time.Time `json:"generatedAt"`
		Periods     []period  `json:"periods"`
	} `json:"properties"`
}

type period struct {
	StartTime        time.Time `json:"startTime"`
	Temperature      float64   `json:"temperature"`
	ShortForecast    string    `json:"shortForecast"`
	DetailedForecast string    `json:"detailedForecast"`
	Icon             string    `json:"icon"`
}

func (p *Provider) header() http.Header {
	return http.Header{
		"User-Agent": []string{p.userAgent},
		"Accept":     []string{"application/geo+json"},
	}
}

// Forecast resolves the grid point, then fetches the half-day and hourly
// forecasts concurrently.
func (p *Provider) Forecast(ctx context.Context, lat, lon string) (models.Forecast, error) {
	var points pointsResponse
	pointsURL := fmt.Sprintf("%s/points/%s,%s", strings.TrimRight(p.opts.BaseURL, "/"), lat, lon)
	if err := p.fetcher.GetJSON(ctx, pointsURL, p.header(), &points); err != nil {
		return models.Forecast{}, fmt.Errorf("points lookup: %w", err)
	}
	if points.Properties.Forecast == "" || points.Properties.ForecastHourly == "" {
		return models.Forecast{}, fmt.Errorf("%s: %w", Name, provider.Malformed("points response has no forecast urls"))
	}

	var daily, hourly forecastResponse
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// without units=us the endpoint has been seen serving old data
		if err := p.fetcher.GetJSON(gctx, withUnits(points.Properties.Forecast), p.header(), &daily); err != nil {
			return fmt.Errorf("daily forecast: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := p.fetcher.GetJSON(gctx, points.Properties.ForecastHourly, p.header(), &hourly); err != nil {
			return fmt.Errorf("hourly forecast: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.Forecast{}, err
	}

	out, err := p.normalize(lat+","+lon, &daily, &hourly)
	if err != nil {
		return models.Forecast{}, fmt.Errorf("%s: %w", Name, err)
	}
	return out, nil
}

func withUnits(rawURL string) string {
	if strings.Contains(rawURL, "?") {
		return rawURL + "&units=us"
	}
	return rawURL + "?units=us"
}

func (p *Provider) normalize(key string, daily, hourly *forecastResponse) (models.Forecast, error) {
	dp, hp := daily.Properties.Periods, hourly.Properties.Periods
	if len(dp) == 0 || len(hp) == 0 {
		return models.Forecast{}, provider.Malformed("empty periods (daily %d, hourly %d)", len(dp), len(hp))
	}
	if daily.Properties.GeneratedAt.IsZero() || hourly.Properties.GeneratedAt.IsZero() {
		return models.Forecast{}, provider.Malformed("missing generatedAt")
	}

	reportTime := daily.Properties.GeneratedAt
	if hourly.Properties.GeneratedAt.Before(reportTime) {
		reportTime = hourly.Properties.GeneratedAt
	}
	if err := provider.CheckFreshness(reportTime, p.opts.Now()); err != nil {
		return models.Forecast{}, err
	}

	// hour is read in the forecast office's own offset
	start := dp[0].StartTime
	current := provider.Truncate(hp[0].Temperature)
	tonight, high, low, err := halfDayHighLow(start.Hour(), current, dp)
	if err != nil {
		return models.Forecast{}, err
	}
	high, low = p.tracker(key).update(start.Format("2006-01-02"), high, low)

	loc := p.opts.Location
	out := models.Forecast{
		Now: models.Current{
			Provider: Name,
			Time:     provider.TimeLabel(daily.Properties.GeneratedAt.In(loc)),
			Temp:     current,
			High:     high,
			Low:      low,
			Cond:     hp[0].ShortForecast,
			Icon:     mapIcon(hp[0].Icon),
			Summary:  dp[0].DetailedForecast,
		},
		Hourly: make([]models.Hourly, 0, models.MaxHourly),
		Daily:  make([]models.Daily, 0, models.MaxDaily),
	}

	for _, i := range provider.HourlyOffsets {
		if i >= len(hp) {
			break
		}
		h := hp[i]
		out.Hourly = append(out.Hourly, models.Hourly{
			Time: provider.HourLabel(h.StartTime.In(loc)),
			Temp: provider.Truncate(h.Temperature),
			Cond: h.ShortForecast,
			Icon: mapIcon(h.Icon),
		})
	}

	// day/night pairs after tonight
	for i := tonight + 1; i < tonight+12 && i < maxPeriodIndex; i += 2 {
		if i+1 >= len(dp) || len(out.Daily) == models.MaxDaily {
			break
		}
		day, night := dp[i], dp[i+1]
		out.Daily = append(out.Daily, models.Daily{
			Day:  provider.DayLabel(day.StartTime),
			Date: provider.DateLabel(day.StartTime),
			High: provider.Truncate(day.Temperature),
			Low:  provider.Truncate(night.Temperature),
			Cond: day.ShortForecast,
			Icon: mapIcon(day.Icon),
		})
	}
	return out, nil
}

// halfDayHighLow derives today's high and low from the half-day series, which
// runs from now to the next 06:00/18:00 boundary. It returns the index of
// tonight's period so daily rows can start after it.
func halfDayHighLow(startHour, current int, periods []period) (tonight, high, low int, err error) {
	temp := func(i int) (int, error) {
		if i >= len(periods) {
			return 0, provider.Malformed("half-day period %d missing (have %d)", i, len(periods))
		}
		return provider.Truncate(periods[i].Temperature), nil
	}

	switch {
	case startHour >= 18:
		// evening: the day's high has passed, use current temperature
		tonight = 0
		high = current
		low, err = temp(0)
	case startHour < 6:
		// early morning: today's day period is next, then tonight
		tonight = 2
		if high, err = temp(1); err == nil {
			low, err = temp(2)
		}
	default:
		tonight = 1
		if high, err = temp(0); err == nil {
			low, err = temp(1)
		}
	}
	if err != nil {
		return 0, 0, 0, err
	}

	high = max(high, current)
	low = min(low, current)
	return tonight, high, low, nil
}

// dailyTracker keeps the running high/low for one location's calendar date,
// since NWS does not report the day's extremes once they have passed.
type dailyTracker struct {
	mu   sync.Mutex
	date string
	high int
	low  int
}

func (t *dailyTracker) update(date string, high, low int) (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if date != t.date {
		t.date, t.high, t.low = date, high, low
		return high, low
	}
	t.high = max(t.high, high)
	t.low = min(t.low, low)
	return t.high, t.low
}

func (p *Provider) tracker(key string) *dailyTracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.trackers[key]
	if !ok {
		t = &dailyTracker{}
		p.trackers[key] = t
	}
	return t
}

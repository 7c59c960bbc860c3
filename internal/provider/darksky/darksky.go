// Package darksky implements the Dark Sky forecast provider. Dark Sky icon
// names already match the shared taxonomy.
package darksky

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kjstillabower/nook-weather-service/internal/models"
	"github.com/kjstillabower/nook-weather-service/internal/provider"
)

const (
	Name           = "DarkSky"
	DefaultBaseURL = "https://api.darksky.net"
)

type Provider struct {
	fetcher provider.Fetcher
	apiKey  string
	opts    provider.Options
}

func New(fetcher provider.Fetcher, apiKey string, opts provider.Options) *Provider {
	return &Provider{fetcher: fetcher, apiKey: apiKey, opts: opts.Defaults(DefaultBaseURL)}
}

func (p *Provider) Name() string { return Name }

type dataPoint struct {
	Time                int64   `json:"time"`
	Icon                string  `json:"icon"`
	Temperature         float64 `json:"temperature"`
	ApparentTemperature float64 `json:"apparentTemperature"`
	TemperatureHigh     float64 `json:"temperatureHigh"`
	TemperatureLow      float64 `json:"temperatureLow"`
	WindSpeed           float64 `json:"windSpeed"`
	WindBearing         float64 `json:"windBearing"`
}

type forecastResponse struct {
	Currently *dataPoint `json:"currently"`
	Hourly    struct {
		Data []dataPoint `json:"data"`
	} `json:"hourly"`
	Daily struct {
		Data []dataPoint `json:"data"`
	} `json:"daily"`
}

func (p *Provider) Forecast(ctx context.Context, lat, lon string) (models.Forecast, error) {
	rawURL := fmt.Sprintf("%s/forecast/%s/%s,%s?units=us&lang=en",
		strings.TrimRight(p.opts.BaseURL, "/"), url.PathEscape(p.apiKey), lat, lon)

	var resp forecastResponse
	if err := p.fetcher.GetJSON(ctx, rawURL, nil, &resp); err != nil {
		return models.Forecast{}, err
	}
	out, err := p.normalize(&resp)
	if err != nil {
		return models.Forecast{}, fmt.Errorf("%s: %w", Name, err)
	}
	return out, nil
}

func (p *Provider) normalize(resp *forecastResponse) (models.Forecast, error) {
	if resp.Currently == nil {
		return models.Forecast{}, provider.Malformed("currently block missing")
	}
	if len(resp.Daily.Data) == 0 {
		return models.Forecast{}, provider.Malformed("daily data missing")
	}
	loc := p.opts.Location
	local := func(ts int64) time.Time { return time.Unix(ts, 0).In(loc) }

	cur := resp.Currently
	today := resp.Daily.Data[0]
	out := models.Forecast{
		Now: models.Current{
			Provider: Name,
			Time:     provider.TimeLabel(local(cur.Time)),
			Temp:     provider.Truncate(cur.Temperature),
			High:     provider.Truncate(today.TemperatureHigh),
			Low:      provider.Truncate(today.TemperatureLow),
			Cond:     cur.Icon,
			Icon:     models.Icon(cur.Icon),
			Summary: provider.WindSummary(
				provider.Truncate(cur.WindSpeed),
				float64(provider.Truncate(cur.WindBearing)),
				provider.Truncate(cur.ApparentTemperature),
			),
		},
		Hourly: make([]models.Hourly, 0, models.MaxHourly),
		Daily:  make([]models.Daily, 0, models.MaxDaily),
	}

	for _, i := range provider.HourlyOffsets {
		if i >= len(resp.Hourly.Data) {
			break
		}
		h := resp.Hourly.Data[i]
		out.Hourly = append(out.Hourly, models.Hourly{
			Time: provider.HourLabel(local(h.Time)),
			Temp: provider.Truncate(h.Temperature),
			Cond: h.Icon,
			Icon: models.Icon(h.Icon),
		})
	}

	for i := 1; i <= models.MaxDaily && i < len(resp.Daily.Data); i++ {
		d := resp.Daily.Data[i]
		t := local(d.Time)
		out.Daily = append(out.Daily, models.Daily{
			Day:  provider.DayLabel(t),
			Date: provider.DateLabel(t),
			High: provider.Truncate(d.TemperatureHigh),
			Low:  provider.Truncate(d.TemperatureLow),
			Cond: d.Icon,
			Icon: models.Icon(d.Icon),
		})
	}
	return out, nil
}

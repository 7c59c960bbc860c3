// Package openweather implements the OpenWeather One Call 2.5 provider.
package openweather

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
	Name           = "OpenWeather"
	DefaultBaseURL = "https://api.openweathermap.org/data/2.5"
)

// https://openweathermap.org/weather-conditions
var iconMapping = map[string]models.Icon{
	"01d": models.IconClearDay,
	"01n": models.IconClearNight,
	"02d": models.IconPartlyCloudyDay,
	"02n": models.IconPartlyCloudyNight,
	"03d": models.IconCloudy,
	"03n": models.IconCloudy,
	"04d": models.IconCloudy,
	"04n": models.IconCloudy,
	"09d": models.IconRain,
	"09n": models.IconRain,
	"10d": models.IconRain,
	"10n": models.IconRain,
	"11d": models.IconThunderstorm,
	"11n": models.IconThunderstorm,
	"13d": models.IconSnow,
	"13n": models.IconSnow,
	"50d": models.IconFog,
	"50n": models.IconFog,
}

func mapIcon(code string) models.Icon {
	if icon, ok := iconMapping[code]; ok {
		return icon
	}
	return models.IconUnknown
}

type Provider struct {
	fetcher provider.Fetcher
	apiKey  string
	opts    provider.Options
}

func New(fetcher provider.Fetcher, apiKey string, opts provider.Options) *Provider {
	return &Provider{fetcher: fetcher, apiKey: apiKey, opts: opts.Defaults(DefaultBaseURL)}
}

func (p *Provider) Name() string { return Name }

type condition struct {
	Main string `json:"main"`
	Icon string `json:"icon"`
}

type oneCallResponse struct {
	Current struct {
		Dt        int64       `json:"dt"`
		Temp      float64     `json:"temp"`
		FeelsLike float64     `json:"feels_like"`
		WindSpeed float64     `json:"wind_speed"`
		WindDeg   float64     `json:"wind_deg"`
		Weather   []condition `json:"weather"`
	} `json:"current"`
	Hourly []struct {
		Dt      int64       `json:"dt"`
		Temp    float64     `json:"temp"`
		Weather []condition `json:"weather"`
	} `json:"hourly"`
	Daily []struct {
		Dt   int64 `json:"dt"`
		Temp struct {
			Min float64 `json:"min"`
			Max float64 `json:"max"`
		} `json:"temp"`
		Weather []condition `json:"weather"`
	} `json:"daily"`
}

func first(cs []condition) condition {
	if len(cs) == 0 {
		return condition{}
	}
	return cs[0]
}

func (p *Provider) Forecast(ctx context.Context, lat, lon string) (models.Forecast, error) {
	q := url.Values{}
	q.Set("lat", lat)
	q.Set("lon", lon)
	q.Set("appid", p.apiKey)
	q.Set("units", "imperial")
	q.Set("lang", "en")
	rawURL := strings.TrimRight(p.opts.BaseURL, "/") + "/onecall?" + q.Encode()

	var resp oneCallResponse
	if err := p.fetcher.GetJSON(ctx, rawURL, nil, &resp); err != nil {
		return models.Forecast{}, err
	}
	out, err := p.normalize(&resp)
	if err != nil {
		return models.Forecast{}, fmt.Errorf("%s: %w", Name, err)
	}
	return out, nil
}

func (p *Provider) normalize(resp *oneCallResponse) (models.Forecast, error) {
	if resp.Current.Dt == 0 || len(resp.Current.Weather) == 0 {
		return models.Forecast{}, provider.Malformed("current conditions missing")
	}
	if len(resp.Daily) == 0 {
		return models.Forecast{}, provider.Malformed("daily forecast missing")
	}
	loc := p.opts.Location
	local := func(dt int64) time.Time { return time.Unix(dt, 0).In(loc) }

	cur := resp.Current
	out := models.Forecast{
		Now: models.Current{
			Provider: Name,
			Time:     provider.TimeLabel(local(cur.Dt)),
			Temp:     provider.Truncate(cur.Temp),
			High:     provider.Truncate(resp.Daily[0].Temp.Max),
			Low:      provider.Truncate(resp.Daily[0].Temp.Min),
			Cond:     cur.Weather[0].Main,
			Icon:     mapIcon(cur.Weather[0].Icon),
			Summary: provider.WindSummary(
				provider.Truncate(cur.WindSpeed),
				float64(provider.Truncate(cur.WindDeg)),
				provider.Truncate(cur.FeelsLike),
			),
		},
		Hourly: make([]models.Hourly, 0, models.MaxHourly),
		Daily:  make([]models.Daily, 0, models.MaxDaily),
	}

	for _, i := range provider.HourlyOffsets {
		if i >= len(resp.Hourly) {
			break
		}
		h := resp.Hourly[i]
		c := first(h.Weather)
		out.Hourly = append(out.Hourly, models.Hourly{
			Time: provider.HourLabel(local(h.Dt)),
			Temp: provider.Truncate(h.Temp),
			Cond: c.Main,
			Icon: mapIcon(c.Icon),
		})
	}

	for i := 1; i <= models.MaxDaily && i < len(resp.Daily); i++ {
		d := resp.Daily[i]
		c := first(d.Weather)
		t := local(d.Dt)
		out.Daily = append(out.Daily, models.Daily{
			Day:  provider.DayLabel(t),
			Date: provider.DateLabel(t),
			High: provider.Truncate(d.Temp.Max),
			Low:  provider.Truncate(d.Temp.Min),
			Cond: c.Main,
			Icon: mapIcon(c.Icon),
		})
	}
	return out, nil
}

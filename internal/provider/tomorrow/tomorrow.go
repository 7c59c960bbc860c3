// Package tomorrow implements the Tomorrow.io v4 provider.
package tomorrow

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/nook-weather-service/internal/models"
	"github.com/kjstillabower/nook-weather-service/internal/provider"
)

const (
	Name           = "Tomorrow.io"
	DefaultBaseURL = "https://api.tomorrow.io/v4"

	// assumed when a timeline entry has no weatherCode
	defaultWeatherCode = 1001
	// hourly entries scanned for the precipitation summary
	precipHours = 12
)

type condition struct {
	cond string
	icon models.Icon
}

var codeMapping = map[int]condition{
	1000: {"Clear", models.IconClearDay},
	1100: {"Mostly Clear", models.IconPartlyCloudyDay},
	1101: {"Partly Cloudy", models.IconPartlyCloudyDay},
	1102: {"Mostly Cloudy", models.IconCloudy},
	1001: {"Cloudy", models.IconCloudy},
	2000: {"Fog", models.IconFog},
	2100: {"Light Fog", models.IconFog},
	4000: {"Drizzle", models.IconRain},
	4001: {"Rain", models.IconRain},
	4200: {"Light Rain", models.IconRain},
	4201: {"Heavy Rain", models.IconRain},
	5000: {"Snow", models.IconSnow},
	5001: {"Flurries", models.IconSnow},
	5100: {"Light Snow", models.IconSnow},
	5101: {"Heavy Snow", models.IconSnow},
	6000: {"Freezing Drizzle", models.IconSleet},
	6001: {"Freezing Rain", models.IconSleet},
	6200: {"Light Freezing Rain", models.IconSleet},
	6201: {"Heavy Freezing Rain", models.IconSleet},
	7000: {"Ice Pellets", models.IconHail},
	7101: {"Heavy Ice Pellets", models.IconHail},
	7102: {"Light Ice Pellets", models.IconHail},
	8000: {"Thunderstorm", models.IconThunderstorm},
}

func mapCode(code int) condition {
	if c, ok := codeMapping[code]; ok {
		return c
	}
	return condition{"Unknown", models.IconCloudy}
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

type values struct {
	WeatherCode              *int     `json:"weatherCode"`
	Temperature              *float64 `json:"temperature"`
	TemperatureApparent      *float64 `json:"temperatureApparent"`
	TemperatureMax           *float64 `json:"temperatureMax"`
	TemperatureMin           *float64 `json:"temperatureMin"`
	WindSpeed                float64  `json:"windSpeed"`
	WindDirection            float64  `json:"windDirection"`
	Humidity                 float64  `json:"humidity"`
	PrecipitationProbability float64  `json:"precipitationProbability"`
	RainAccumulation         float64  `json:"rainAccumulation"`
	SnowAccumulation         float64  `json:"snowAccumulation"`
}

func (v values) code() int {
	if v.WeatherCode == nil {
		return defaultWeatherCode
	}
	return *v.WeatherCode
}

func or(f *float64, fallback float64) float64 {
	if f == nil {
		return fallback
	}
	return *f
}

type interval struct {
	Time   time.Time `json:"time"`
	Values values    `json:"values"`
}

type realtimeResponse struct {
	Data interval `json:"data"`
}

type forecastResponse struct {
	Timelines struct {
		Hourly []interval `json:"hourly"`
		Daily  []interval `json:"daily"`
	} `json:"timelines"`
}

func (p *Provider) endpoint(path, lat, lon string, extra url.Values) string {
	q := url.Values{}
	q.Set("location", lat+","+lon)
	q.Set("units", "imperial")
	q.Set("apikey", p.apiKey)
	for k, vs := range extra {
		q[k] = vs
	}
	return strings.TrimRight(p.opts.BaseURL, "/") + path + "?" + q.Encode()
}

// Forecast fetches realtime conditions and the hourly/daily timelines concurrently.
func (p *Provider) Forecast(ctx context.Context, lat, lon string) (models.Forecast, error) {
	var realtime realtimeResponse
	var fc forecastResponse

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.fetcher.GetJSON(gctx, p.endpoint("/weather/realtime", lat, lon, nil), nil, &realtime); err != nil {
			return fmt.Errorf("realtime: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		extra := url.Values{"timesteps": []string{"1h,1d"}}
		if err := p.fetcher.GetJSON(gctx, p.endpoint("/weather/forecast", lat, lon, extra), nil, &fc); err != nil {
			return fmt.Errorf("forecast: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.Forecast{}, err
	}
	if realtime.Data.Values.Temperature == nil {
		return models.Forecast{}, fmt.Errorf("%s: %w", Name, provider.Malformed("realtime temperature missing"))
	}
	return p.normalize(&realtime, &fc), nil
}

// normalize fills gaps with defaults; only a missing realtime temperature is fatal.
func (p *Provider) normalize(realtime *realtimeResponse, fc *forecastResponse) models.Forecast {
	loc := p.opts.Location
	nowTime := realtime.Data.Time
	if nowTime.IsZero() {
		nowTime = p.opts.Now()
	}
	v := realtime.Data.Values
	c := mapCode(v.code())
	temp := provider.Round(or(v.Temperature, 0))

	now := models.Current{
		Provider: Name,
		Time:     provider.TimeLabel(nowTime.In(loc)),
		Temp:     temp,
		Cond:     c.cond,
		Icon:     c.icon,
		Summary: fmt.Sprintf("%s, humidity %d%%",
			provider.WindSummary(
				provider.Round(v.WindSpeed),
				float64(provider.Round(v.WindDirection)),
				provider.Round(or(v.TemperatureApparent, float64(temp))),
			),
			provider.Round(v.Humidity),
		),
	}

	hourly := fc.Timelines.Hourly
	daily := fc.Timelines.Daily
	now.Summary += precipSummary(hourly)

	out := models.Forecast{
		Hourly: make([]models.Hourly, 0, models.MaxHourly),
		Daily:  make([]models.Daily, 0, models.MaxDaily),
	}
	for _, i := range provider.HourlyOffsets {
		if i >= len(hourly) {
			break
		}
		h := hourly[i]
		hc := mapCode(h.Values.code())
		out.Hourly = append(out.Hourly, models.Hourly{
			Time: provider.HourLabel(h.Time.In(loc)),
			Temp: provider.Round(or(h.Values.Temperature, 0)),
			Cond: hc.cond,
			Icon: hc.icon,
		})
	}

	for i := 1; i <= models.MaxDaily && i < len(daily); i++ {
		d := daily[i]
		dc := mapCode(d.Values.code())
		t := d.Time.In(loc)
		base := or(d.Values.Temperature, 0)
		out.Daily = append(out.Daily, models.Daily{
			Day:  provider.DayLabel(t),
			Date: provider.DateLabel(t),
			High: provider.Round(or(d.Values.TemperatureMax, base)),
			Low:  provider.Round(or(d.Values.TemperatureMin, base)),
			Cond: dc.cond,
			Icon: dc.icon,
		})
	}

	if len(daily) > 0 {
		now.High = provider.Round(or(daily[0].Values.TemperatureMax, float64(temp)))
		now.Low = provider.Round(or(daily[0].Values.TemperatureMin, float64(temp)))
	}
	out.Now = now
	return out
}

// precipSummary reports rain/snow expected over the next precipHours hours,
// e.g. `, 0.25" rain (40% chance)`. Empty when none is forecast.
func precipSummary(hourly []interval) string {
	var chance int
	var rain, snow float64
	for i, h := range hourly {
		if i == precipHours {
			break
		}
		chance = max(chance, provider.Round(h.Values.PrecipitationProbability))
		rain += h.Values.RainAccumulation
		snow += h.Values.SnowAccumulation
	}
	if rain <= 0 && snow <= 0 {
		return ""
	}
	var b strings.Builder
	if rain > 0 {
		fmt.Fprintf(&b, ", %.2f\" rain", rain)
	}
	if snow > 0 {
		fmt.Fprintf(&b, ", %.2f\" snow", snow)
	}
	if chance > 0 {
		fmt.Fprintf(&b, " (%d%% chance)", chance)
	}
	return b.String()
}

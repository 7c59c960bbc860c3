// Package testhelpers provides provider stubs and fixtures shared by package tests.
package testhelpers

import (
	"context"
	"fmt"
	"sync"

	"github.com/kjstillabower/nook-weather-service/internal/models"
)

// ForecastFunc produces a stub provider's response.
type ForecastFunc func(ctx context.Context, lat, lon string) (models.Forecast, error)

// StubProvider is a provider.Provider whose behaviour is set per test. Safe for
// concurrent use; counts calls.
type StubProvider struct {
	name string

	mu    sync.Mutex
	fn    ForecastFunc
	calls int
	keys  []string
}

func NewStubProvider(name string, fn ForecastFunc) *StubProvider {
	return &StubProvider{name: name, fn: fn}
}

func (s *StubProvider) Name() string { return s.name }

func (s *StubProvider) Forecast(ctx context.Context, lat, lon string) (models.Forecast, error) {
	s.mu.Lock()
	s.calls++
	s.keys = append(s.keys, lat+","+lon)
	fn := s.fn
	s.mu.Unlock()
	return fn(ctx, lat, lon)
}

// SetFunc swaps the behaviour for later calls.
func (s *StubProvider) SetFunc(fn ForecastFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

// Calls returns how many times Forecast was invoked.
func (s *StubProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Keys returns the "lat,lon" keys requested, in call order.
func (s *StubProvider) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

// Succeed returns a ForecastFunc that always yields SampleForecast(provider, temp).
func Succeed(provider string, temp int) ForecastFunc {
	return func(context.Context, string, string) (models.Forecast, error) {
		return SampleForecast(provider, temp), nil
	}
}

// Fail returns a ForecastFunc that always fails with err.
func Fail(err error) ForecastFunc {
	return func(context.Context, string, string) (models.Forecast, error) {
		return models.Forecast{}, err
	}
}

// SampleForecast is a complete forecast with full hourly and daily rows.
func SampleForecast(provider string, temp int) models.Forecast {
	f := models.Forecast{
		Now: models.Current{
			Provider: provider,
			Time:     "2024-05-06 10:00:00",
			Temp:     temp,
			High:     temp + 8,
			Low:      temp - 10,
			Cond:     "Partly Cloudy",
			Icon:     models.IconPartlyCloudyDay,
			Summary:  "5 mph NW wind, feels like 60°",
		},
		Hourly: make([]models.Hourly, 0, models.MaxHourly),
		Daily:  make([]models.Daily, 0, models.MaxDaily),
	}
	hours := []string{"11 AM", "1 PM", "3 PM", "6 PM", "9 PM", "12 AM"}
	for i, h := range hours {
		f.Hourly = append(f.Hourly, models.Hourly{Time: h, Temp: temp + i, Cond: "Clear", Icon: models.IconClearDay})
	}
	days := []string{"Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
	for i, d := range days {
		f.Daily = append(f.Daily, models.Daily{
			Day: d, Date: fmt.Sprintf("05/%02d", 7+i), High: temp + 5, Low: temp - 5, Cond: "Rain", Icon: models.IconRain,
		})
	}
	return f
}

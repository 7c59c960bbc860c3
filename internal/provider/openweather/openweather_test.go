package openweather

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kjstillabower/nook-weather-service/internal/client"
	"github.com/kjstillabower/nook-weather-service/internal/models"
	"github.com/kjstillabower/nook-weather-service/internal/provider"
)

func sampleResponse(base time.Time) map[string]any {
	hourly := make([]map[string]any, 48)
	for i := range hourly {
		hourly[i] = map[string]any{
			"dt":      base.Add(time.Duration(i) * time.Hour).Unix(),
			"temp":    60.9 + float64(i),
			"weather": []map[string]any{{"main": "Clouds", "icon": "04d"}},
		}
	}
	daily := make([]map[string]any, 8)
	for i := range daily {
		daily[i] = map[string]any{
			"dt":      base.AddDate(0, 0, i).Unix(),
			"temp":    map[string]any{"min": 45.8 + float64(i), "max": 70.2 + float64(i)},
			"weather": []map[string]any{{"main": "Rain", "icon": "10d"}},
		}
	}
	return map[string]any{
		"current": map[string]any{
			"dt":         base.Unix(),
			"temp":       63.7,
			"feels_like": 61.9,
			"wind_speed": 12.8,
			"wind_deg":   200,
			"weather":    []map[string]any{{"main": "Clear", "icon": "01n"}},
		},
		"hourly": hourly,
		"daily":  daily,
	}
}

func TestForecast(t *testing.T) {
	base := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/onecall" {
			t.Errorf("path = %q, want /onecall", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("appid") != "k3y" || q.Get("units") != "imperial" || q.Get("lat") != "40.7" || q.Get("lon") != "-74.0" {
			t.Errorf("query = %v", q)
		}
		_ = json.NewEncoder(w).Encode(sampleResponse(base))
	}))
	defer srv.Close()

	p := New(client.New(Name, client.Options{}), "k3y", provider.Options{BaseURL: srv.URL, Location: time.UTC})
	got, err := p.Forecast(context.Background(), "40.7", "-74.0")
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}

	want := models.Current{
		Provider: "OpenWeather",
		Time:     "2024-05-06 12:00:00",
		Temp:     63,
		High:     70,
		Low:      45,
		Cond:     "Clear",
		Icon:     models.IconClearNight,
		Summary:  "12 mph S wind, feels like 61°",
	}
	if got.Now != want {
		t.Errorf("Now = %+v\nwant %+v", got.Now, want)
	}
	if len(got.Hourly) != 6 || got.Hourly[0].Time != "1 PM" || got.Hourly[0].Temp != 61 || got.Hourly[0].Icon != models.IconCloudy {
		t.Errorf("Hourly = %+v", got.Hourly)
	}
	if got.Hourly[5].Temp != 74 {
		t.Errorf("Hourly[5].Temp = %d, want offset 14 (74)", got.Hourly[5].Temp)
	}
	if len(got.Daily) != 6 {
		t.Fatalf("len(Daily) = %d, want 6", len(got.Daily))
	}
	if d := got.Daily[0]; d.Day != "Tue" || d.Date != "05/07" || d.High != 71 || d.Low != 46 || d.Icon != models.IconRain {
		t.Errorf("Daily[0] = %+v", d)
	}
}

func TestForecast_MissingCurrentIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"daily":[]}`))
	}))
	defer srv.Close()

	p := New(client.New(Name, client.Options{}), "k3y", provider.Options{BaseURL: srv.URL})
	_, err := p.Forecast(context.Background(), "1", "2")
	if !errors.Is(err, client.ErrMalformedPayload) {
		t.Fatalf("Forecast() error = %v, want ErrMalformedPayload", err)
	}
}

func TestForecast_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New(client.New(Name, client.Options{}), "bad", provider.Options{BaseURL: srv.URL})
	_, err := p.Forecast(context.Background(), "1", "2")
	if !errors.Is(err, client.ErrUnauthorized) {
		t.Fatalf("Forecast() error = %v, want ErrUnauthorized", err)
	}
}

func TestMapIcon(t *testing.T) {
	tests := map[string]models.Icon{
		"01d": models.IconClearDay,
		"02n": models.IconPartlyCloudyNight,
		"11d": models.IconThunderstorm,
		"50n": models.IconFog,
		"99x": models.IconUnknown,
		"":    models.IconUnknown,
	}
	for code, want := range tests {
		if got := mapIcon(code); got != want {
			t.Errorf("mapIcon(%q) = %q, want %q", code, got, want)
		}
	}
}

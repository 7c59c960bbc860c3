package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/nook-weather-service/internal/lifecycle"
	"github.com/kjstillabower/nook-weather-service/internal/models"
	"github.com/kjstillabower/nook-weather-service/internal/service"
	"github.com/kjstillabower/nook-weather-service/internal/testhelpers"
	"github.com/kjstillabower/nook-weather-service/internal/traffic"
)

type mockForecasts struct {
	forecast models.Forecast
	err      error
	block    chan struct{} // if set, Forecast blocks until ctx.Done() or close
	gotLat   string
	gotLon   string
}

func (m *mockForecasts) Forecast(ctx context.Context, lat, lon string) (models.Forecast, error) {
	m.gotLat, m.gotLon = lat, lon
	if m.block != nil {
		select {
		case <-ctx.Done():
			return models.Forecast{}, ctx.Err()
		case <-m.block:
		}
	}
	return m.forecast, m.err
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func serveForecast(h *Handler, path string) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc(ForecastRoute, h.GetForecast)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(CorrelationIDHeader, "test-correlation-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_GetForecast_Success(t *testing.T) {
	traffic.Reset()
	want := testhelpers.SampleForecast("NWS", 61)
	svc := &mockForecasts{forecast: want}
	h := NewHandler(svc, nil, zap.NewNop(), nil)

	w := serveForecast(h, "/forecast/38.90,-77.03")

	if w.Code != http.StatusOK {
		t.Fatalf("GetForecast() status = %d, want 200", w.Code)
	}
	if svc.gotLat != "38.90" || svc.gotLon != "-77.03" {
		t.Errorf("service got (%q, %q), want raw strings (38.90, -77.03)", svc.gotLat, svc.gotLon)
	}
	if got := w.Header().Get(StaleHeader); got != "" {
		t.Errorf("%s = %q, want empty", StaleHeader, got)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	for _, k := range []string{"now", "hourly", "daily"} {
		if _, ok := raw[k]; !ok {
			t.Errorf("body missing %q", k)
		}
	}
	var got models.Forecast
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode forecast: %v", err)
	}
	if got.Now.Provider != "NWS" || got.Now.Temp != 61 || len(got.Hourly) != 6 || len(got.Daily) != 6 {
		t.Errorf("forecast = %+v", got.Now)
	}
	if !strings.Contains(w.Body.String(), `"api_provider":"NWS"`) {
		t.Errorf("body missing api_provider field: %s", w.Body.String())
	}
	if _, total := traffic.ErrorRate(time.Minute); total != 1 {
		t.Errorf("traffic total = %d, want 1", total)
	}
}

func TestHandler_GetForecast_Stale(t *testing.T) {
	traffic.Reset()
	svc := &mockForecasts{forecast: testhelpers.SampleForecast("NWS", 61).MarkStale()}
	h := NewHandler(svc, nil, zap.NewNop(), nil)

	w := serveForecast(h, "/forecast/38.9,-77.03")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get(StaleHeader); got != "true" {
		t.Errorf("%s = %q, want true", StaleHeader, got)
	}
	if !strings.Contains(w.Body.String(), `"api_provider":"NWS*"`) {
		t.Errorf("body missing stale marker: %s", w.Body.String())
	}
	if degraded, _ := traffic.ErrorRate(time.Minute); degraded != 1 {
		t.Errorf("degraded = %d, want 1 (stale counts as degraded)", degraded)
	}
}

func TestHandler_GetForecast_InvalidCoordinates(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"latitude out of range", "/forecast/91,-77"},
		{"longitude out of range", "/forecast/38.9,-181"},
		{"malformed number", "/forecast/38.9.1,-77"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockForecasts{}
			h := NewHandler(svc, nil, zap.NewNop(), nil)

			w := serveForecast(h, tc.path)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			body := decodeError(t, w)
			if body.Error.Code != "INVALID_COORDINATES" {
				t.Errorf("error.code = %q, want INVALID_COORDINATES", body.Error.Code)
			}
			if body.Error.RequestID != "test-correlation-id" {
				t.Errorf("error.requestId = %q, want test-correlation-id", body.Error.RequestID)
			}
			if svc.gotLat != "" {
				t.Error("service called for invalid coordinates")
			}
		})
	}
}

func TestHandler_GetForecast_NonNumericPathNotRouted(t *testing.T) {
	h := NewHandler(&mockForecasts{}, nil, zap.NewNop(), nil)
	w := serveForecast(h, "/forecast/seattle")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandler_GetForecast_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "all providers failed",
			err:        fmt.Errorf("%w: %w", service.ErrAllProvidersFailed, errors.New("NWS: boom")),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "ALL_PROVIDERS_FAILED",
		},
		{
			name:       "deadline",
			err:        fmt.Errorf("%w: %w", service.ErrAllProvidersFailed, context.DeadlineExceeded),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "TIMEOUT",
		},
		{
			name:       "lock wait deadline",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "TIMEOUT",
		},
		{
			name:       "other",
			err:        errors.New("surprise"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "UPSTREAM_UNAVAILABLE",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			traffic.Reset()
			h := NewHandler(&mockForecasts{err: tc.err}, nil, zap.NewNop(), nil)

			w := serveForecast(h, "/forecast/38.9,-77.03")

			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			body := decodeError(t, w)
			if body.Error.Code != tc.wantCode {
				t.Errorf("error.code = %q, want %q", body.Error.Code, tc.wantCode)
			}
			if strings.Contains(body.Error.Message, "boom") {
				t.Errorf("provider detail leaked into message: %q", body.Error.Message)
			}
			if degraded, _ := traffic.ErrorRate(time.Minute); degraded != 1 {
				t.Errorf("degraded = %d, want 1", degraded)
			}
		})
	}
}

func TestHandler_GetForecast_ClientGoneNotCountedAsError(t *testing.T) {
	traffic.Reset()
	svc := &mockForecasts{block: make(chan struct{})}
	defer close(svc.block)
	h := NewHandler(svc, nil, zap.NewNop(), nil)

	router := mux.NewRouter()
	router.HandleFunc(ForecastRoute, h.GetForecast)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/forecast/38.9,-77.03", nil).WithContext(ctx)
	cancel()
	router.ServeHTTP(httptest.NewRecorder(), req)

	if degraded, total := traffic.ErrorRate(time.Minute); degraded != 0 || total != 0 {
		t.Errorf("ErrorRate() = %d/%d, want 0/0 for a canceled client", degraded, total)
	}
}

func getHealth(t *testing.T, h *Handler) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.GetHealth(w, req)
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w, body
}

func TestHandler_GetHealth(t *testing.T) {
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	h := NewHandler(&mockForecasts{}, &HealthConfig{
		BreakerStates: func() map[string]string {
			return map[string]string{"NWS": "closed", "DarkSky": "open"}
		},
		CachePing: func() error { return nil },
	}, zap.NewNop(), nil)

	w, body := getHealth(t, h)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	if body["service"] != "nook-weather-service" {
		t.Errorf("service = %v", body["service"])
	}
	checks, _ := body["checks"].(map[string]interface{})
	if checks["provider:NWS"] != "healthy" || checks["provider:DarkSky"] != "unhealthy" {
		t.Errorf("checks = %v", checks)
	}
	if checks["payloadCache"] != "healthy" {
		t.Errorf("payloadCache = %v, want healthy", checks["payloadCache"])
	}
}

func TestHandler_GetHealth_CachePingFails(t *testing.T) {
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	h := NewHandler(&mockForecasts{}, &HealthConfig{
		CachePing: func() error { return errors.New("connection refused") },
	}, zap.NewNop(), nil)

	_, body := getHealth(t, h)

	checks, _ := body["checks"].(map[string]interface{})
	if checks["payloadCache"] != "unhealthy" {
		t.Errorf("payloadCache = %v, want unhealthy", checks["payloadCache"])
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	traffic.Reset()
	lifecycle.SetShuttingDown(true)
	defer lifecycle.SetShuttingDown(false)
	h := NewHandler(&mockForecasts{}, nil, zap.NewNop(), nil)

	w, body := getHealth(t, h)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if body["status"] != "shutting-down" {
		t.Errorf("status = %v, want shutting-down", body["status"])
	}
}

func TestHandler_GetHealth_Overloaded(t *testing.T) {
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	h := NewHandler(&mockForecasts{}, &HealthConfig{
		OverloadWindow:       time.Second,
		OverloadThresholdPct: 50,
		RateLimitRPS:         4,
	}, zap.NewNop(), nil)

	// threshold = 4 * 1s * 50% = 2
	for i := 0; i < 3; i++ {
		traffic.RecordSuccess()
	}

	w, body := getHealth(t, h)

	if w.Code != http.StatusServiceUnavailable || body["status"] != "overloaded" {
		t.Errorf("health = %d %v, want 503 overloaded", w.Code, body["status"])
	}
}

func TestHandler_GetHealth_AllBreakersOpen(t *testing.T) {
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	h := NewHandler(&mockForecasts{}, &HealthConfig{
		BreakerStates: func() map[string]string {
			return map[string]string{"NWS": "open", "DarkSky": "open"}
		},
	}, zap.NewNop(), nil)

	w, body := getHealth(t, h)

	if w.Code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Errorf("health = %d %v, want 503 degraded", w.Code, body["status"])
	}
}

func TestHandler_GetHealth_DuplicateProviderOneBreakerOpen(t *testing.T) {
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	h := NewHandler(&mockForecasts{}, &HealthConfig{
		BreakerStates: func() map[string]string {
			return map[string]string{"OpenWeather#1": "closed", "OpenWeather#2": "open"}
		},
	}, zap.NewNop(), nil)

	w, body := getHealth(t, h)

	if w.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health = %d %v, want 200 healthy", w.Code, body["status"])
	}
	checks, _ := body["checks"].(map[string]interface{})
	if checks["provider:OpenWeather#1"] != "healthy" || checks["provider:OpenWeather#2"] != "unhealthy" {
		t.Errorf("checks = %v", checks)
	}
}

func TestHandler_GetHealth_DegradedErrorRate(t *testing.T) {
	tests := []struct {
		name       string
		success    int
		errors     int
		stale      int
		wantStatus string
	}{
		{"below threshold", 3, 1, 0, "healthy"},
		{"errors breach", 1, 2, 0, "degraded"},
		{"stale counts as degraded", 1, 0, 1, "degraded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			traffic.Reset()
			lifecycle.SetShuttingDown(false)
			h := NewHandler(&mockForecasts{}, &HealthConfig{
				DegradedWindow:   time.Minute,
				DegradedErrorPct: 50,
			}, zap.NewNop(), nil)
			for i := 0; i < tc.success; i++ {
				traffic.RecordSuccess()
			}
			for i := 0; i < tc.errors; i++ {
				traffic.RecordError()
			}
			for i := 0; i < tc.stale; i++ {
				traffic.RecordStale()
			}

			_, body := getHealth(t, h)
			if body["status"] != tc.wantStatus {
				t.Errorf("status = %v, want %s", body["status"], tc.wantStatus)
			}
		})
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	core, logs := observer.New(zap.DebugLevel)
	h := NewHandler(&mockForecasts{}, &HealthConfig{
		DegradedWindow:   time.Minute,
		DegradedErrorPct: 50,
	}, zap.New(core), nil)

	traffic.RecordSuccess()
	traffic.RecordSuccess()
	if w, _ := getHealth(t, h); w.Code != http.StatusOK {
		t.Fatalf("first GetHealth status = %d, want 200", w.Code)
	}
	if logs.Len() != 0 {
		t.Fatalf("first call should not log transition; got %d logs", logs.Len())
	}

	traffic.RecordError()
	traffic.RecordError()
	if w, _ := getHealth(t, h); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("second GetHealth status = %d, want 503", w.Code)
	}

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 transition log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "error_rate_breach" {
		t.Errorf("transition fields = %v", fields)
	}

	getHealth(t, h)
	if logs.Len() != 1 {
		t.Errorf("unchanged status should not log; total logs = %d, want 1", logs.Len())
	}
}

func postTest(h *Handler, action, body string) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	router.HandleFunc("/test/{action}", h.PostTestAction)
	req := httptest.NewRequest(http.MethodPost, "/test/"+action, strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_PostTestActions(t *testing.T) {
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	defer lifecycle.SetShuttingDown(false)
	h := NewHandler(&mockForecasts{}, &HealthConfig{
		DegradedWindow:   time.Minute,
		DegradedErrorPct: 50,
	}, zap.NewNop(), nil)

	if w := postTest(h, "load", `{"count":4}`); w.Code != http.StatusOK {
		t.Fatalf("load status = %d", w.Code)
	}
	w := postTest(h, "error", `{"count":4}`)
	var resp map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp["state"] != "degraded" {
		t.Errorf("after errors state = %v, want degraded", resp["state"])
	}
	if resp["error_rate_pct"] != float64(50) {
		t.Errorf("error_rate_pct = %v, want 50", resp["error_rate_pct"])
	}

	postTest(h, "stale", "")
	if degraded, _ := traffic.ErrorRate(time.Minute); degraded != 5 {
		t.Errorf("degraded = %d, want 5", degraded)
	}

	postTest(h, "shutdown", "")
	if !lifecycle.IsShuttingDown() {
		t.Error("shutdown action did not set flag")
	}

	postTest(h, "reset", "")
	if lifecycle.IsShuttingDown() {
		t.Error("reset did not clear shutdown flag")
	}
	if n := traffic.RequestCount(time.Minute); n != 0 {
		t.Errorf("after reset RequestCount = %d, want 0", n)
	}

	if w := postTest(h, "explode", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown action status = %d, want 404", w.Code)
	}
}

func TestHandler_GetTestStatus(t *testing.T) {
	traffic.Reset()
	h := NewHandler(&mockForecasts{}, &HealthConfig{
		OverloadWindow:       10 * time.Second,
		OverloadThresholdPct: 80,
		RateLimitRPS:         5,
		DegradedWindow:       time.Minute,
	}, zap.NewNop(), nil)
	traffic.RecordSuccess()
	traffic.RecordDenied()

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	h.GetTestStatus(w, req)

	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["total_requests_in_window"] != float64(2) || resp["denied_requests_in_window"] != float64(1) {
		t.Errorf("resp = %v", resp)
	}
	cfg, _ := resp["config"].(map[string]interface{})
	if cfg["overload_threshold"] != float64(40) {
		t.Errorf("overload_threshold = %v, want 40", cfg["overload_threshold"])
	}
}

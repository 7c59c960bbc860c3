package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/nook-weather-service/internal/lifecycle"
	"github.com/kjstillabower/nook-weather-service/internal/models"
	"github.com/kjstillabower/nook-weather-service/internal/observability"
	"github.com/kjstillabower/nook-weather-service/internal/service"
	"github.com/kjstillabower/nook-weather-service/internal/traffic"
	"github.com/kjstillabower/nook-weather-service/internal/validation"
)

// StaleHeader is set to "true" when the body is a stale forecast.
const StaleHeader = "X-Forecast-Stale"

// ForecastService is what the handlers need from the aggregator.
type ForecastService interface {
	Forecast(ctx context.Context, lat, lon string) (models.Forecast, error)
}

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	RateLimitBurst       int // 0 when rate limiter disabled
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// BreakerStates reports circuit state per provider name.
	BreakerStates func() map[string]string
	// CachePing, when set, is called to check payload cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	forecasts        ForecastService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	forecasts ForecastService,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		forecasts:    forecasts,
		healthConfig: healthConfig,
		logger:       logger,
		rateLimiter:  rateLimiter,
	}
}

// GetForecast handles GET /forecast/{lat},{lon}.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	coord, err := validation.ValidateCoordinates(vars["lat"], vars["lon"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COORDINATES", err.Error())
		return
	}

	f, err := h.forecasts.Forecast(r.Context(), coord.Lat, coord.Lon)
	if err != nil {
		// client disconnects are not provider failures
		if !(errors.Is(err, context.Canceled) && r.Context().Err() != nil) {
			traffic.RecordError()
		}
		writeServiceError(w, r, err)
		return
	}
	if f.Stale {
		traffic.RecordStale()
		w.Header().Set(StaleHeader, "true")
	} else {
		traffic.RecordSuccess()
	}
	writeJSON(w, http.StatusOK, f)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	var breakers map[string]string
	if h.healthConfig != nil && h.healthConfig.BreakerStates != nil {
		breakers = h.healthConfig.BreakerStates()
	}
	result := h.computeHealthStatus(breakers)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	for name, state := range breakers {
		if state == "open" {
			checks["provider:"+name] = "unhealthy"
		} else {
			checks["provider:"+name] = "healthy"
		}
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["payloadCache"] = "healthy"
		} else {
			checks["payloadCache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "nook-weather-service",
		"version":   "dev",
		"checks":    checks,
		"breakers":  breakers,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded > degraded (all breakers open, then error rate) > healthy.
func (h *Handler) computeHealthStatus(breakers map[string]string) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.healthConfig.RateLimitRPS > 0 && h.healthConfig.OverloadWindow > 0 {
		threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if len(breakers) > 0 && allOpen(breakers) {
		return healthResult{"degraded", http.StatusServiceUnavailable, "all_breakers_open"}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		degraded, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(degraded) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

func allOpen(breakers map[string]string) bool {
	for _, state := range breakers {
		if state != "open" {
			return false
		}
	}
	return true
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps aggregator failures: 504 when the request deadline hit,
// 503 otherwise. The underlying error is logged at DEBUG; provider detail stays out of the body.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Timed out fetching forecast")
	case errors.Is(err, service.ErrAllProvidersFailed):
		writeError(w, r, http.StatusServiceUnavailable, "ALL_PROVIDERS_FAILED", "All weather providers failed and no cached forecast is available")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch forecast")
	}
	observability.LoggerFromContext(r.Context(), nil).Debug("forecast error", zap.Error(err))
}

// GetTestStatus handles GET /test. Returns the current simulated traffic state.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	degraded, _ := traffic.ErrorRate(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["overload_threshold"] = h.overloadThreshold()
		cfg["overload_window_seconds"] = h.healthConfig.OverloadWindow.Seconds()
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_requests_in_window":  traffic.RequestCount(window),
		"denied_requests_in_window": traffic.DenialCount(window),
		"degraded_in_window":        degraded,
		"window_length":             window.String(),
		"config":                    cfg,
	})
}

func (h *Handler) overloadThreshold() int {
	if h.healthConfig == nil || h.healthConfig.RateLimitRPS <= 0 {
		return 0
	}
	return int(float64(h.healthConfig.RateLimitRPS) *
		h.healthConfig.OverloadWindow.Seconds() *
		float64(h.healthConfig.OverloadThresholdPct) / 100)
}

// PostTestAction handles POST /test/{action} for load, error, stale, reset and shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "load":
		h.postTestLoad(w, r)
	case "error", "stale":
		h.postTestDegrade(w, r, action)
	case "reset":
		traffic.Reset()
		lifecycle.SetShuttingDown(false)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"action":  "reset",
			"message": "All simulated state cleared",
		})
	case "shutdown":
		lifecycle.SetShuttingDown(true)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"action":  "shutdown",
			"message": "Shutting-down flag set",
		})
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

func readCount(r *http.Request, fallback int) int {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		return fallback
	}
	return body.Count
}

// postTestLoad simulates load, respecting the rate limiter when configured.
func (h *Handler) postTestLoad(w http.ResponseWriter, r *http.Request) {
	count := readCount(r, 10)
	var accepted, denied int
	for i := 0; i < count; i++ {
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			traffic.RecordDenied()
			observability.RateLimitDeniedTotal.Inc()
			denied++
			continue
		}
		traffic.RecordSuccess()
		accepted++
	}
	breakers := map[string]string(nil)
	if h.healthConfig != nil && h.healthConfig.BreakerStates != nil {
		breakers = h.healthConfig.BreakerStates()
	}
	msg := "Recorded " + strconv.Itoa(accepted) + " accepted"
	if denied > 0 {
		msg += ", " + strconv.Itoa(denied) + " denied"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"action":   "load",
		"message":  msg,
		"state":    h.computeHealthStatus(breakers).status,
		"accepted": accepted,
		"denied":   denied,
	})
}

// postTestDegrade records failed ("error") or stale ("stale") outcomes.
func (h *Handler) postTestDegrade(w http.ResponseWriter, r *http.Request, action string) {
	count := readCount(r, 1)
	for i := 0; i < count; i++ {
		if action == "stale" {
			traffic.RecordStale()
		} else {
			traffic.RecordError()
		}
	}
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	degraded, total := traffic.ErrorRate(window)
	pct := 0
	if total > 0 {
		pct = degraded * 100 / total
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"action":         action,
		"message":        "Recorded " + strconv.Itoa(count) + " " + action + " outcomes",
		"state":          h.computeHealthStatus(nil).status,
		"error_rate_pct": pct,
	})
}

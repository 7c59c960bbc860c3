package http

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/nook-weather-service/internal/observability"
)

const (
	forecastPrefix      = "/forecast"
	forecastCoordinates = "/{lat:[-+0-9.]+},{lon:[-+0-9.]+}"

	// ForecastRoute keeps the raw coordinate strings; validation happens in the handler.
	ForecastRoute = forecastPrefix + forecastCoordinates
)

// RouterOptions configure NewRouter.
type RouterOptions struct {
	Logger         *zap.Logger
	Limiter        *rate.Limiter // nil disables inbound rate limiting
	RequestTimeout time.Duration
	// CORSAllowedOrigins enables CORS for the dashboard when non-empty.
	CORSAllowedOrigins []string
	TestingMode        bool
}

// NewRouter wires routes and middleware around h.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	forecastRouter := router.PathPrefix(forecastPrefix).Subrouter()
	forecastRouter.Use(RateLimitMiddleware(opts.Limiter))
	if opts.RequestTimeout > 0 {
		forecastRouter.Use(TimeoutMiddleware(opts.RequestTimeout))
	}
	forecastRouter.HandleFunc(forecastCoordinates, h.GetForecast).Methods(http.MethodGet)

	if opts.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", h.GetTestStatus).Methods(http.MethodGet)
		router.HandleFunc("/test/{action}", h.PostTestAction).Methods(http.MethodPost)
	}

	if len(opts.CORSAllowedOrigins) == 0 {
		return router
	}
	// outside the mux so preflight OPTIONS requests never reach method matching
	return cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", CorrelationIDHeader},
		ExposedHeaders: []string{CorrelationIDHeader, StaleHeader},
		MaxAge:         300,
	})(router)
}

package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/anthropics/reloadcore/internal/api/handlers"
	"github.com/anthropics/reloadcore/internal/api/middleware"
	"github.com/anthropics/reloadcore/internal/reload"
)

// RouterConfig holds the control-surface router's configuration.
type RouterConfig struct {
	EnableRateLimit   bool
	EnableCompression bool
	EnableCORS        bool
	EnableMetrics     bool

	RateLimitPerMinute int
	RateLimitBurst     int

	CORSConfig middleware.CORSConfig

	Logger *slog.Logger

	Orchestrator *reload.ReloadOrchestrator
	AuditLog     handlers.AuditReader // nil disables GET /control/history
}

// DefaultRouterConfig returns sane control-surface defaults.
func DefaultRouterConfig(logger *slog.Logger) RouterConfig {
	return RouterConfig{
		EnableRateLimit:    true,
		EnableCompression:  true,
		EnableCORS:         true,
		EnableMetrics:      true,
		RateLimitPerMinute: 100,
		RateLimitBurst:     20,
		CORSConfig:         middleware.DefaultCORSConfig(),
		Logger:             logger,
	}
}

// NewRouter builds the control-surface HTTP API: status, trigger,
// history, and a live status stream, fronted by the shared middleware
// chain.
//
// The middleware stack is applied in order:
//  1. RequestID (always)
//  2. Logging (always)
//  3. Metrics (if enabled)
//  4. CORS (if enabled)
//  5. Compression (if enabled)
//  6. Route-specific: RateLimit
//
// @title Configuration Hot-Reload Control Surface
// @version 1.0.0
// @description Status, trigger, history and live-stream API for the configuration hot-reload engine
// @license.name MIT
// @BasePath /control
func NewRouter(config RouterConfig) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware(config.Logger))

	if config.EnableMetrics {
		router.Use(middleware.MetricsMiddleware)
	}
	if config.EnableCORS {
		router.Use(middleware.CORSMiddleware(config.CORSConfig))
	}
	if config.EnableCompression {
		router.Use(middleware.CompressionMiddleware)
	}

	setupControlRoutes(router, config)
	setupDocumentationRoutes(router)

	router.HandleFunc("/healthz", HealthCheckHandler()).Methods("GET")
	if config.EnableMetrics {
		router.Handle("/metrics", handlers.NewMetricsHandler(config.Logger)).Methods("GET")
	}

	return router
}

func setupControlRoutes(router *mux.Router, config RouterConfig) {
	control := router.PathPrefix("/control").Subrouter()
	if config.EnableRateLimit {
		control.Use(middleware.RateLimitMiddleware(config.RateLimitPerMinute, config.RateLimitBurst))
	}

	statusHandler := handlers.NewStatusHandler(config.Orchestrator, config.Logger)
	control.HandleFunc("/status", statusHandler.HandleGetStatus).Methods("GET")

	reloadHandler := handlers.NewReloadHandler(config.Orchestrator, config.Logger)
	control.Handle("/reload", middleware.ValidationMiddleware(http.HandlerFunc(reloadHandler.HandleTriggerReload))).Methods("POST")

	if config.AuditLog != nil {
		historyHandler := handlers.NewHistoryHandler(config.AuditLog, config.Logger)
		control.HandleFunc("/history", historyHandler.HandleGetHistory).Methods("GET")
	}

	streamHandler := handlers.NewStreamHandler(config.Orchestrator, config.Logger)
	control.HandleFunc("/status/stream", streamHandler.HandleStream).Methods("GET")
}

func setupDocumentationRoutes(router *mux.Router) {
	router.PathPrefix("/control/docs").Handler(httpSwagger.WrapHandler)
}

// HealthCheckHandler reports process liveness; it does not reflect
// ReloadOrchestrator state (use GET /control/status for that).
func HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

package net

import (
	"encoding/json"
	nethttp "net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/mux"

	"tabletop/session/internal/observability"
	"tabletop/session/internal/telemetry"
)

// WebSocketPath is where a websocket host accepts joins.
const WebSocketPath = "/ws"

type HTTPHandlerConfig struct {
	Logger        telemetry.Logger
	Observability observability.Config
	TickRate      int
	// Diagnostics returns the session snapshot served on /diagnostics.
	Diagnostics func() any
	// Telemetry returns the in-process counter table.
	Telemetry func() map[string]uint64
	// Metrics serves the Prometheus exposition when metrics are enabled.
	Metrics nethttp.Handler
	// WebSocket accepts transport joins when the host runs over websockets.
	WebSocket nethttp.HandlerFunc
}

func NewHTTPHandler(cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}).Methods(nethttp.MethodGet)

	router.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status     string            `json:"status"`
			ServerTime int64             `json:"serverTime"`
			TickRate   int               `json:"tickRate"`
			Session    any               `json:"session,omitempty"`
			Telemetry  map[string]uint64 `json:"telemetry,omitempty"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			TickRate:   cfg.TickRate,
		}
		if cfg.Diagnostics != nil {
			payload.Session = cfg.Diagnostics()
		}
		if cfg.Telemetry != nil {
			payload.Telemetry = cfg.Telemetry()
		}

		data, err := json.Marshal(payload)
		if err != nil {
			logger.Printf("failed to encode diagnostics: %v", err)
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}).Methods(nethttp.MethodGet)

	if cfg.Observability.EnableMetrics && cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics).Methods(nethttp.MethodGet)
	}

	if cfg.Observability.EnablePprof {
		router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", pprof.Trace)
		router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}

	if cfg.WebSocket != nil {
		router.HandleFunc(WebSocketPath, cfg.WebSocket)
	}

	return router
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}

package net

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tabletop/session/internal/observability"
)

func TestHealth(t *testing.T) {
	handler := NewHTTPHandler(HTTPHandlerConfig{})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK || resp.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.Code, resp.Body.String())
	}
}

func TestDiagnostics(t *testing.T) {
	handler := NewHTTPHandler(HTTPHandlerConfig{
		TickRate:    60,
		Diagnostics: func() any { return map[string]any{"clientState": "connected"} },
		Telemetry:   func() map[string]uint64 { return map[string]uint64{"ticks_total": 3} },
	})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/diagnostics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if contentType := resp.Header().Get("Content-Type"); contentType != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", contentType)
	}

	var payload struct {
		TickRate  int               `json:"tickRate"`
		Session   map[string]any    `json:"session"`
		Telemetry map[string]uint64 `json:"telemetry"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode diagnostics: %v", err)
	}
	if payload.TickRate != 60 {
		t.Fatalf("expected tick rate 60, got %d", payload.TickRate)
	}
	if payload.Session["clientState"] != "connected" {
		t.Fatalf("unexpected session payload %+v", payload.Session)
	}
	if payload.Telemetry["ticks_total"] != 3 {
		t.Fatalf("unexpected telemetry %+v", payload.Telemetry)
	}
}

func TestOptionalRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tabletop_ticks_total 1"))
	})

	t.Run("disabled", func(t *testing.T) {
		handler := NewHTTPHandler(HTTPHandlerConfig{Metrics: metrics})
		for _, path := range []string{"/metrics", "/debug/pprof/", "/ws"} {
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
			if resp.Code != http.StatusNotFound {
				t.Fatalf("expected 404 for %s, got %d", path, resp.Code)
			}
		}
	})

	t.Run("enabled", func(t *testing.T) {
		handler := NewHTTPHandler(HTTPHandlerConfig{
			Observability: observability.Config{EnableMetrics: true, EnablePprof: true},
			Metrics:       metrics,
			WebSocket: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			},
		})
		for path, code := range map[string]int{"/metrics": http.StatusOK, "/debug/pprof/": http.StatusOK, "/ws": http.StatusTeapot} {
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
			if resp.Code != code {
				t.Fatalf("expected %d for %s, got %d", code, path, resp.Code)
			}
		}
	})
}

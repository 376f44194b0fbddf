package app

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tabletop/session/internal/config"
	"tabletop/session/internal/peer"
	"tabletop/session/internal/session"
	"tabletop/session/internal/telemetry"
	"tabletop/session/logging"
)

func TestRunShutsDownOnCancel(t *testing.T) {
	settings := config.Default()
	settings.Logging.Sinks = []string{logging.SinkMemory}
	settings.Observability.HTTPAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan *peer.Peer, 1)
	done := make(chan error, 1)
	var logs bytes.Buffer
	go func() {
		done <- Run(ctx, Config{
			Logger:   telemetry.WrapLogger(log.New(&logs, "", 0)),
			Settings: settings,
			Stdout:   &logs,
			Ready:    func(p *peer.Peer) { ready <- p },
		})
	}()

	var p *peer.Peer
	select {
	case p = <-ready:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("peer was never built")
	}
	if p.ClientState() != session.ClientDisconnected || p.HostState() != session.HostStopped {
		t.Fatalf("expected an idle peer, got %s/%s", p.ClientState(), p.HostState())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestRunRejectsBadKey(t *testing.T) {
	settings := config.Default()
	settings.Logging.Sinks = []string{logging.SinkMemory}
	settings.Session.Key = "not-hex"
	if err := Run(context.Background(), Config{Settings: settings}); err == nil {
		t.Fatalf("expected an invalid key to fail startup")
	}
}

func TestWebSocketRouteRequiresHost(t *testing.T) {
	route := &webSocketRoute{}
	resp := httptest.NewRecorder()
	route.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before hosting, got %d", resp.Code)
	}
}

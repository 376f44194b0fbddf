package logging_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"tabletop/session/logging"
	"tabletop/session/logging/sinks"
)

func fixedClock() logging.Clock {
	at := time.Unix(1700000000, 0)
	return logging.ClockFunc(func() time.Time { return at })
}

func TestRouterForwardsOnClose(t *testing.T) {
	memory := sinks.NewMemory()
	cfg := logging.DefaultConfig()
	cfg.Fields = map[string]any{"peer": "host"}
	router := logging.NewRouter(fixedClock(), cfg, nil, []logging.NamedSink{{Name: logging.SinkMemory, Sink: memory}})

	router.Publish(context.Background(), logging.Event{Type: "session.test", Tick: 3, Severity: logging.SeverityInfo})
	router.Publish(context.Background(), logging.Event{Type: "session.debug", Tick: 4, Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Tick: 5, Severity: logging.SeverityError})

	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("expected one event past the severity floor, got %d", len(events))
	}
	got := events[0]
	if got.Type != "session.test" || got.Tick != 3 {
		t.Fatalf("unexpected event %+v", got)
	}
	if !got.Time.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("expected router clock to stamp the event, got %s", got.Time)
	}
	if got.Extra["peer"] != "host" {
		t.Fatalf("expected configured fields merged, got %+v", got.Extra)
	}
	stats := router.Stats()
	if stats.EventsTotal != 1 || stats.DroppedTotal != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(stats.Sinks) != 1 || stats.Sinks[0].Name != logging.SinkMemory || stats.Sinks[0].Written != 1 {
		t.Fatalf("unexpected sink stats %+v", stats.Sinks)
	}
	if router.Sink(logging.SinkMemory) != memory {
		t.Fatalf("expected sink lookup by name")
	}

	router.Publish(context.Background(), logging.Event{Type: "session.late"})
	if len(memory.Events()) != 1 {
		t.Fatalf("expected publishes after close to be ignored")
	}
}

type flakySink struct {
	writes int
}

func (s *flakySink) Write(logging.Event) error {
	s.writes++
	return errors.New("disk full")
}

func (s *flakySink) Close(context.Context) error { return nil }

func TestRouterCountsSinkFailures(t *testing.T) {
	var fallback bytes.Buffer
	flaky := &flakySink{}
	router := logging.NewRouter(fixedClock(), logging.DefaultConfig(), log.New(&fallback, "", 0), []logging.NamedSink{{Name: "flaky", Sink: flaky}})
	router.Publish(context.Background(), logging.Event{Type: "session.test", Severity: logging.SeverityInfo})
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	stats := router.Stats()
	if len(stats.Sinks) != 1 || stats.Sinks[0].Failed != 1 || stats.Sinks[0].Written != 0 {
		t.Fatalf("unexpected sink stats %+v", stats.Sinks)
	}
	if !bytes.Contains(fallback.Bytes(), []byte("sink flaky failed: disk full")) {
		t.Fatalf("expected failure on the fallback logger, got %q", fallback.String())
	}
}

func TestWithFieldsKeepsCallerKeys(t *testing.T) {
	memory := sinks.NewMemory()
	publisher := logging.WithFields(memory, map[string]any{"peer": "client", "table": "a"})
	publisher.Publish(context.Background(), logging.Event{Type: "x", Extra: map[string]any{"peer": "host"}})

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Extra["peer"] != "host" || events[0].Extra["table"] != "a" {
		t.Fatalf("unexpected extra %+v", events[0].Extra)
	}
}

func TestBuildSinks(t *testing.T) {
	var out bytes.Buffer
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{logging.SinkConsole, logging.SinkMemory}
	cfg.Console.Prefix = "[table] "

	named, err := sinks.Build(cfg, &out)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(named) != 2 {
		t.Fatalf("expected two sinks, got %d", len(named))
	}
	router := logging.NewRouter(fixedClock(), cfg, log.New(&out, "", 0), named)
	router.Publish(context.Background(), logging.Event{
		Type:     "assets.requested",
		Tick:     9,
		Actor:    logging.ClientRef("7"),
		Severity: logging.SeverityInfo,
		Payload:  map[string]string{"id": "abc"},
	})
	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	line := out.String()
	for _, want := range []string{"[table] ", "[assets.requested]", "tick=9", "actor=client:7", `payload={"id":"abc"}`} {
		if !bytes.Contains([]byte(line), []byte(want)) {
			t.Fatalf("console line %q missing %q", line, want)
		}
	}

	cfg.EnabledSinks = []string{"carrier-pigeon"}
	if _, err := sinks.Build(cfg, &out); err == nil {
		t.Fatalf("expected unknown sink to fail")
	}
}

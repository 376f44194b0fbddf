package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"sync"

	"tabletop/session/logging"
)

// Console prints one human readable line per event:
//
//	[chat.message] tick=42 actor=client:7 severity=info targets=... payload={...} peer=host
type Console struct {
	logger *log.Logger
	mu     sync.Mutex
	line   strings.Builder
}

func NewConsole(w io.Writer, cfg logging.ConsoleConfig) *Console {
	if w == nil {
		w = io.Discard
	}
	return &Console{logger: log.New(w, cfg.Prefix, log.LstdFlags)}
}

func (s *Console) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.line.Reset()
	fmt.Fprintf(&s.line, "[%s] tick=%d actor=%s severity=%s", event.Type, event.Tick, entityLabel(event.Actor), event.Severity)
	if event.Category != "" {
		fmt.Fprintf(&s.line, " category=%s", event.Category)
	}
	if len(event.Targets) > 0 {
		labels := make([]string, len(event.Targets))
		for i, target := range event.Targets {
			labels[i] = entityLabel(target)
		}
		s.line.WriteString(" targets=" + strings.Join(labels, ","))
	}
	if event.Payload != nil {
		s.line.WriteString(" payload=" + compactJSON(event.Payload))
	}
	keys := make([]string, 0, len(event.Extra))
	for key := range event.Extra {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		fmt.Fprintf(&s.line, " %s=%v", key, event.Extra[key])
	}
	s.logger.Print(s.line.String())
	return nil
}

func (s *Console) Close(context.Context) error {
	return nil
}

func entityLabel(ref logging.EntityRef) string {
	switch {
	case ref.ID == "":
		return string(ref.Kind)
	case ref.Kind == "":
		return ref.ID
	}
	return string(ref.Kind) + ":" + ref.ID
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

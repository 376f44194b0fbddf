package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tabletop/session/logging"
)

// Zap forwards events to a zap logger, mapping severities onto zap levels.
type Zap struct {
	logger *zap.Logger
}

func NewZap(logger *zap.Logger) *Zap {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Zap{logger: logger}
}

func (s *Zap) Write(event logging.Event) error {
	fields := make([]zap.Field, 0, 6+len(event.Extra))
	fields = append(fields,
		zap.Uint64("tick", event.Tick),
		zap.Time("time", event.Time),
		zap.String("actor", entityLabel(event.Actor)),
	)
	if event.Category != "" {
		fields = append(fields, zap.String("category", event.Category))
	}
	if len(event.Targets) > 0 {
		fields = append(fields, zap.Any("targets", event.Targets))
	}
	if event.Payload != nil {
		fields = append(fields, zap.Any("payload", event.Payload))
	}
	for k, v := range event.Extra {
		fields = append(fields, zap.Any(k, v))
	}
	if ce := s.logger.Check(zapLevel(event.Severity), string(event.Type)); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

// Close syncs the underlying logger. Sync errors on stdout/stderr are
// reported by zap on some platforms and are not actionable.
func (s *Zap) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}

func zapLevel(sev logging.Severity) zapcore.Level {
	switch sev {
	case logging.SeverityDebug:
		return zapcore.DebugLevel
	case logging.SeverityWarn:
		return zapcore.WarnLevel
	case logging.SeverityError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

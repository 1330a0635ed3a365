package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/progress"
)

// LogSink mirrors run-log entries to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each entry at a level matching its status.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionID),
			zap.String("source_id", evt.Entry.SourceID),
			zap.String("stage", string(evt.Entry.Stage)),
			zap.String("status", string(evt.Entry.Status)),
		}
		if evt.Entry.Error != "" {
			fields = append(fields, zap.String("error", evt.Entry.Error))
		}
		if ce := s.logger.Check(levelFor(evt.Entry.Status), evt.Entry.Message); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(status crawler.LogStatus) zapcore.Level {
	switch status {
	case crawler.LogError:
		return zapcore.ErrorLevel
	case crawler.LogWarning, crawler.LogRejected:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

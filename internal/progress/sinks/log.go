package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xhyumiracle/thorchain-crosschain-data/internal/progress"
)

// LogSink writes progress events to the crawl log. Page completions are logged
// at debug level; lifecycle, retry and error events at info or warn.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Source != "" {
			fields = append(fields,
				zap.String("source", evt.Source),
				zap.Int64("cursor_ts", evt.CursorTS),
				zap.Int32("cursor_offset", evt.CursorOffset),
			)
		}
		switch evt.Stage {
		case progress.StagePageDone:
			fields = append(fields,
				zap.String("endpoint", evt.Endpoint),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int("records", evt.Records),
				zap.Int("appended", evt.Appended),
				zap.Duration("dur", evt.Dur),
			)
		case progress.StageRetry:
			fields = append(fields, zap.Int("attempt", evt.Attempt), zap.Duration("cooldown", evt.Dur))
		case progress.StageRunDone, progress.StageRunError:
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(levelFor(evt.Stage), "progress event", fields...)
	}
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StagePageDone, progress.StageRetry:
		return zapcore.DebugLevel
	case progress.StageSourceError, progress.StageRunError:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

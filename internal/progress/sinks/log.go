package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/autoapply/internal/apply"
	"github.com/JakeFAU/autoapply/internal/progress"
)

// LogSink writes one structured line per event. Routine events go to Debug;
// failures and worker exits are raised so they show up in production logs.
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
		if evt.WorkerID != "" {
			fields = append(fields, zap.String("worker_id", evt.WorkerID))
		}
		if evt.Cycle > 0 {
			fields = append(fields, zap.Int("cycle", evt.Cycle))
		}
		if r := evt.Result; r != nil {
			fields = append(fields,
				zap.String("work_item_id", r.WorkItemID),
				zap.String("outcome", string(r.Outcome)),
				zap.Int("attempts", r.Attempts),
			)
		}
		if evt.Dependent != "" {
			fields = append(fields, zap.String("dependent", evt.Dependent), zap.String("state", evt.State))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(level(evt), "progress event", fields...)
	}
	return nil
}

func level(evt progress.Event) zapcore.Level {
	switch {
	case evt.Stage == progress.StageWorkerExit && evt.Note != "":
		return zapcore.WarnLevel
	case evt.Result != nil && evt.Result.Outcome == apply.OutcomePermanentFailure:
		return zapcore.WarnLevel
	case evt.Stage == progress.StageDependent:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

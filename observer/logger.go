package observer

import (
	"github.com/searchbench/ftsb/backend"
	"go.uber.org/zap"
)

// Logger writes events to a zap logger. Transitions and failures are logged at info
// and warn; successful batches and queries only at debug.
type Logger struct {
	log *zap.Logger
}

func NewLogger(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log}
}

func (l *Logger) Transition(phase, from, to string) {
	l.log.Info("State change", zap.String("phase", phase), zap.String("from", from), zap.String("to", to))
}

func (l *Logger) BatchDone(e BatchEvent) {
	fields := []zap.Field{
		zap.Int("batch", e.Seq),
		zap.Int("docs", e.Docs),
		zap.Int("succeeded", e.Outcome.Succeeded),
		zap.Int("failed", e.Outcome.Failed),
		zap.Duration("latency", e.Latency),
	}
	switch {
	case e.Err != nil:
		l.log.Warn("Batch lost", append(fields, zap.Stringer("kind", backend.KindOf(e.Err)), zap.Error(e.Err))...)
	case e.Outcome.Failed > 0:
		if len(e.Outcome.Errors) > 0 {
			fields = append(fields, zap.String("first_error", e.Outcome.Errors[0].Message))
		}
		l.log.Warn("Batch partially rejected", fields...)
	default:
		l.log.Debug("Batch done", fields...)
	}
}

func (l *Logger) QueryDone(e QueryEvent) {
	fields := []zap.Field{
		zap.Int("index", e.Index),
		zap.String("query", e.Query),
		zap.Duration("latency", e.Latency),
	}
	if e.Err != nil {
		l.log.Warn("Query failed", append(fields, zap.Stringer("kind", backend.KindOf(e.Err)), zap.Error(e.Err))...)
		return
	}
	l.log.Debug("Query done", append(fields, zap.Int64("hits", e.Hits))...)
}

func (l *Logger) Skipped(line int, err error) {
	l.log.Warn("Skipping malformed line", zap.Int("line", line), zap.Error(err))
}

// Package log provides structured logging with pipeline job context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for stage handlers and the queue
//     runtime (high performance, structured fields)
//   - SugaredLogger: Printf-style logging for CLI/bootstrap surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// JobContext carries the identity fields stamped onto every log entry
// emitted while processing a job.
type JobContext struct {
	Queue      string
	JobID      string
	ProjectID  string
	AuditRunID string
	Attempt    int
}

// Logger provides structured logging with job context.
type Logger struct {
	zap *zap.Logger
}

// NewLogger creates a new logger with job context.
// Output defaults to os.Stderr.
func NewLogger(jc JobContext) *Logger {
	return newLoggerWithWriter(jc, os.Stderr)
}

// NewProcessLogger creates a logger without job context, for bootstrap
// and sweeper surfaces where no job is in flight.
func NewProcessLogger() *Logger {
	return newLoggerWithWriter(JobContext{}, os.Stderr)
}

// WithOutput returns a new logger with a different output writer.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	core := newCore(w)
	return &Logger{zap: l.zap.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }))}
}

// WithJob returns a logger carrying the given job context fields.
func (l *Logger) WithJob(jc JobContext) *Logger {
	return &Logger{zap: l.zap.With(contextFields(jc)...)}
}

func newCore(w io.Writer) zapcore.Core {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	return zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
}

func contextFields(jc JobContext) []zap.Field {
	fields := make([]zap.Field, 0, 5)
	if jc.Queue != "" {
		fields = append(fields, zap.String("queue", jc.Queue))
	}
	if jc.JobID != "" {
		fields = append(fields, zap.String("job_id", jc.JobID))
	}
	if jc.ProjectID != "" {
		fields = append(fields, zap.String("project_id", jc.ProjectID))
	}
	if jc.AuditRunID != "" {
		fields = append(fields, zap.String("audit_run_id", jc.AuditRunID))
	}
	if jc.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", jc.Attempt))
	}
	return fields
}

func newLoggerWithWriter(jc JobContext, w io.Writer) *Logger {
	zapLogger := zap.New(newCore(w)).With(contextFields(jc)...)
	return &Logger{zap: zapLogger}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// SugaredLogger provides printf-style logging for CLI and bootstrap
// surfaces. Wraps zap.SugaredLogger with job context.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}

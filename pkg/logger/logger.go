// Package logger provides structured logging for the marketplace services.
//
// Logs are emitted as JSON with the field names Cloud Logging ingests
// natively ("severity", "message", "time"), so entries written to stdout in
// Cloud Run or GKE are filterable without an agent configuration.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	Level      string
	Format     string // "json" (default) or "text"
	Output     string // "stdout" (default), "stderr" or "file"
	FilePrefix string // file output path prefix, e.g. "/var/log/marketplace"
}

// Logger wraps a logrus entry with the field conventions shared by the
// marketplace services.
type Logger struct {
	entry *logrus.Entry
}

type ctxKey int

const requestIDKey ctxKey = iota

// FieldRequestID is the log field carrying the per-request correlation id.
const FieldRequestID = "request_id"

// New constructs a Logger from the given config. Unknown levels fall back to
// info and unknown outputs to stdout, so a bad logging config never prevents
// startup.
func New(cfg LoggingConfig) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		l.SetFormatter(jsonFormatter())
	}

	switch strings.ToLower(cfg.Output) {
	case "stderr":
		l.SetOutput(os.Stderr)
	case "file":
		if w, err := openLogFile(cfg.FilePrefix); err == nil {
			l.SetOutput(w)
		} else {
			l.SetOutput(os.Stdout)
			l.WithError(err).Warn("falling back to stdout logging")
		}
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{entry: logrus.NewEntry(l)}
}

// NewDefault returns a JSON stdout logger at info level tagged with the
// component name.
func NewDefault(component string) *Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(jsonFormatter())
	l.SetOutput(os.Stdout)
	return &Logger{entry: l.WithField("component", component)}
}

func jsonFormatter() *logrus.JSONFormatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
			logrus.FieldKeyTime:  "time",
		},
	}
}

func openLogFile(prefix string) (io.Writer, error) {
	if prefix == "" {
		return nil, fmt.Errorf("logger: file output requires a file prefix")
	}
	name := fmt.Sprintf("%s-%s.log", prefix, time.Now().UTC().Format("20060102"))
	return os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// SetOutput redirects all log output, including entries derived from this
// logger via WithField and friends.
func (l *Logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

// WithField returns a logger with the field attached to every entry.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a logger with all given fields attached.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError returns a logger with the error attached under the "error" field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// WithContext returns a logger carrying the request id stored in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.WithField(FieldRequestID, id)
	}
	return l
}

// LogRequest records a completed HTTP request at info level.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	l.WithContext(ctx).WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	}).Info("request completed")
}

// Debug logs at debug level.
func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }

// Debugf logs a formatted message at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

// Info logs at info level.
func (l *Logger) Info(args ...interface{}) { l.entry.Info(args...) }

// Infof logs a formatted message at info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

// Warn logs at warning level.
func (l *Logger) Warn(args ...interface{}) { l.entry.Warn(args...) }

// Warnf logs a formatted message at warning level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

// Error logs at error level.
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }

// Errorf logs a formatted message at error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// Fatal logs at fatal level and exits.
func (l *Logger) Fatal(args ...interface{}) { l.entry.Fatal(args...) }

// Fatalf logs a formatted message at fatal level and exits.
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

// ContextWithRequestID stores a request id in the context for later retrieval
// by WithContext.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

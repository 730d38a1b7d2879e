package logging

import (
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry so call sites can chain context fields
// without importing logrus directly.
type Logger struct {
	*logrus.Entry
}

// New builds the root logger. Level and format come from the
// environment so containers can flip them without a rebuild.
func New(level, format string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	switch strings.ToLower(level) {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{logrus.NewEntry(l)}
}

// NewNop returns a logger that discards everything. Handy in tests.
func NewNop() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return &Logger{logrus.NewEntry(l)}
}

func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{l.Entry.WithField(key, value)}
}

func (l *Logger) WithFields(fields map[string]any) *Logger {
	return &Logger{l.Entry.WithFields(fields)}
}

func (l *Logger) WithError(err error) *Logger {
	return &Logger{l.Entry.WithError(err)}
}

// WithModule tags every line with the module being worked on.
func (l *Logger) WithModule(moduleID string) *Logger {
	return &Logger{l.Entry.WithField("module_id", moduleID)}
}

// WithRun tags lines with the processing run lease token.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{l.Entry.WithField("run_id", runID)}
}

// WithRequest attaches a request id (generated when the client sent none)
// plus method and path for HTTP access context.
func (l *Logger) WithRequest(r *http.Request) *Logger {
	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	return &Logger{l.Entry.WithFields(logrus.Fields{
		"req_id": reqID,
		"method": r.Method,
		"path":   r.URL.Path,
	})}
}

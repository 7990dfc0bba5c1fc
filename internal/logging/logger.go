package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is an alias so callers need not import logrus directly.
type Fields = logrus.Fields

// Logger is a thin wrapper over logrus shared by every component.
type Logger struct {
	entry *logrus.Entry
}

// New builds a logger writing to stdout.  Unknown levels fall back to info.
func New(level string, jsonFormat bool) *Logger {
	return NewWithWriter(os.Stdout, level, jsonFormat)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level string, jsonFormat bool) *Logger {
	l := logrus.New()
	l.Out = w

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if jsonFormat {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			PadLevelText:  true,
		})
	}
	return &Logger{entry: logrus.NewEntry(l)}
}

// Discard returns a logger that drops everything; used in tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "panic", false)
}

// With returns a child logger carrying the given fields.
func (l *Logger) With(fields Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) Debug(msg string, fields ...Fields) { l.log(logrus.DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ...Fields)  { l.log(logrus.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.log(logrus.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...Fields) { l.log(logrus.ErrorLevel, msg, fields) }

// Fatal logs and exits the process with status 1.
func (l *Logger) Fatal(msg string, fields ...Fields) {
	l.log(logrus.FatalLevel, msg, fields)
	os.Exit(1)
}

func (l *Logger) log(level logrus.Level, msg string, fields []Fields) {
	entry := l.entry
	for _, f := range fields {
		entry = entry.WithFields(f)
	}
	entry.Log(level, msg)
}

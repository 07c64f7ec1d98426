// Package log wires the repository's logging around a single logrus
// instance, the way Gitaly's own internal/log package wires gRPC-scoped
// fields around logrus.
package log

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Fields is a shorthand for structured log fields, mirroring logrus.Fields.
type Fields = logrus.Fields

type ctxKey struct{}

// Logger is the subset of logrus.Entry this program depends on. Kept as an
// interface so call sites never reach for the concrete logrus type.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

type entry struct {
	*logrus.Entry
}

func (e *entry) WithField(key string, value interface{}) Logger {
	return &entry{e.Entry.WithField(key, value)}
}

func (e *entry) WithFields(fields Fields) Logger {
	return &entry{e.Entry.WithFields(logrus.Fields(fields))}
}

func (e *entry) WithError(err error) Logger {
	return &entry{e.Entry.WithError(err)}
}

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(resolveLevel())
	return l
}

// resolveLevel honors LOG_LEVEL_GHS first, falling back to LOG_LEVEL_ROOT,
// then INFO. LOG_LEVEL_JGIT is accepted for parity with the Java original's
// separate JGit logger configuration but this program has no JGit
// equivalent to route it to.
func resolveLevel() logrus.Level {
	for _, name := range []string{"LOG_LEVEL_GHS", "LOG_LEVEL_ROOT"} {
		if raw := os.Getenv(name); raw != "" {
			if lvl, err := logrus.ParseLevel(strings.ToLower(raw)); err == nil {
				return lvl
			}
		}
	}
	return logrus.InfoLevel
}

// EnableVerbose forces debug-level logging, used for the CLI's -v flag.
func EnableVerbose() {
	base.SetLevel(logrus.DebugLevel)
}

// New returns the package logger with a "component" field, the way Gitaly
// scopes loggers per package.
func New(component string) Logger {
	return &entry{base.WithField("component", component)}
}

// Context attaches logger to ctx, retrievable with FromContext.
func Context(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger attached to ctx, or a default logger.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return New("default")
}

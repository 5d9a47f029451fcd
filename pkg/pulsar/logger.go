package pulsar

import (
	"context"
	"fmt"

	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
)

// pulsar client logs are written through the binder logger with the binder name attached
type clientLogger struct {
	logger log.Logger
}

func newLoggerAdapter(logger log.Logger) pulsarlog.Logger {
	return clientLogger{logger.WithField("binder", "pulsar")}
}

func (l clientLogger) SubLogger(fields pulsarlog.Fields) pulsarlog.Logger {
	return clientLogger{l.logger.With(log.Fields(fields))}
}

func (l clientLogger) WithFields(fields pulsarlog.Fields) pulsarlog.Entry {
	return clientLogger{l.logger.With(log.Fields(fields))}
}

func (l clientLogger) WithField(name string, value any) pulsarlog.Entry {
	return clientLogger{l.logger.WithField(name, value)}
}

func (l clientLogger) WithError(err error) pulsarlog.Entry {
	return clientLogger{l.logger.WithError(err)}
}

func (l clientLogger) Debug(args ...any) { l.print(log.LevelDebug, args) }
func (l clientLogger) Info(args ...any)  { l.print(log.LevelInfo, args) }
func (l clientLogger) Warn(args ...any)  { l.print(log.LevelWarn, args) }
func (l clientLogger) Error(args ...any) { l.print(log.LevelError, args) }

func (l clientLogger) Debugf(format string, args ...any) { l.printf(log.LevelDebug, format, args) }
func (l clientLogger) Infof(format string, args ...any)  { l.printf(log.LevelInfo, format, args) }
func (l clientLogger) Warnf(format string, args ...any)  { l.printf(log.LevelWarn, format, args) }
func (l clientLogger) Errorf(format string, args ...any) { l.printf(log.LevelError, format, args) }

func (l clientLogger) print(level log.Level, args []any) {
	l.logger.Log(context.Background(), level, fmt.Sprint(args...))
}

func (l clientLogger) printf(level log.Level, format string, args []any) {
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

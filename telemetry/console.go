package telemetry

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// ConsoleLogger renders log lines with zerolog's human-readable console
// writer, used by cmd/planctl so an operator watching a plan run sees
// readable output instead of JSON.
type ConsoleLogger struct {
	logger zerolog.Logger
}

// NewConsoleLogger builds a ConsoleLogger writing to stderr.
func NewConsoleLogger() *ConsoleLogger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	return &ConsoleLogger{logger: zerolog.New(w).With().Timestamp().Logger()}
}

func (c *ConsoleLogger) event(level zerolog.Level, msg string, kv []any) {
	e := c.logger.WithLevel(level)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		var val any
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		e = e.Interface(key, val)
	}
	e.Msg(msg)
}

func (c *ConsoleLogger) Debug(_ context.Context, msg string, kv ...any) {
	c.event(zerolog.DebugLevel, msg, kv)
}
func (c *ConsoleLogger) Info(_ context.Context, msg string, kv ...any) {
	c.event(zerolog.InfoLevel, msg, kv)
}
func (c *ConsoleLogger) Warn(_ context.Context, msg string, kv ...any) {
	c.event(zerolog.WarnLevel, msg, kv)
}
func (c *ConsoleLogger) Error(_ context.Context, msg string, kv ...any) {
	c.event(zerolog.ErrorLevel, msg, kv)
}

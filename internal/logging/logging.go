// Package logging wires up zerolog the way the original Python
// supervisor configured logging: human-readable console output at INFO
// and above, plus a rotating file sink carrying DEBUG and above when a
// log directory is configured.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup builds the global zerolog logger. logDir may be empty, in
// which case only console output is configured.
func Setup(logDir string) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}

	writers := []io.Writer{&zerolog.FilteredLevelWriter{
		Writer: zerolog.LevelWriterAdapter{Writer: console},
		Level:  zerolog.InfoLevel,
	}}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			fallback := zerolog.New(console).With().Timestamp().Logger()
			fallback.Warn().Err(err).Str("log_dir", logDir).Msg("unable to create log directory, console logging only")
		} else {
			writers = append(writers, &lumberjack.Logger{
				Filename:   logDir + "/qbit-loadbalancer.log",
				MaxSize:    50, // MB
				MaxBackups: 7,
				MaxAge:     7, // days
				Compress:   true,
			})
		}
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger
	return logger
}

package utils

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"strings"
)

type LogHandlerType string

const (
	HandlerTypeText LogHandlerType = "text"
	HandlerTypeJSON LogHandlerType = "json"
)

type LogLevel string

const (
	LogLevelError LogLevel = "error"
	LogLevelWarn  LogLevel = "warn"
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
)

var (
	handlerTypeFlag = flag.String("log_handler_type", string(HandlerTypeJSON), "Log handler type: json/text")
	logLevelFlag    = flag.String("log_level", string(LogLevelInfo), "Log level: debug/info/warn/error")
	logSourceFlag   = flag.Bool("log_add_source", false, "Adds the source file:line of the log call to each record.")
)

// slogLevel maps a LogLevel onto slog; unsupported values fall back to info.
func slogLevel(logLevel LogLevel) slog.Level {
	switch logLevel {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		RaiseInvariant("log", "unsupported_log_level", "Got an unsupported log level.", "logLevel", logLevel)
		return slog.LevelInfo
	}
}

// newLogHandler builds the handler writing to `out`; unsupported handler types fall back to json.
func newLogHandler(out io.Writer, handlerType LogHandlerType, logLevel LogLevel, addSource bool) slog.Handler {
	handlerOptions := &slog.HandlerOptions{Level: slogLevel(logLevel), AddSource: addSource}
	switch handlerType {
	case HandlerTypeJSON:
		return slog.NewJSONHandler(out, handlerOptions)
	case HandlerTypeText:
		return slog.NewTextHandler(out, handlerOptions)
	default:
		RaiseInvariant("log", "unsupported_handler_type", "Got an unsupported handler type.",
			"handlerType", handlerType)
		return slog.NewJSONHandler(out, handlerOptions)
	}
}

// InitLogging configures the default slog logger from flags. It must be called after flag.Parse().
func InitLogging() {
	handlerType := LogHandlerType(strings.ToLower(*handlerTypeFlag))
	logLevel := LogLevel(strings.ToLower(*logLevelFlag))
	// `SetDefault` happens atomically and doesn't panic when called in multiple goroutines.
	slog.SetDefault(slog.New(newLogHandler(os.Stdout, handlerType, logLevel, *logSourceFlag)))
	slog.Debug("Log handler configured successfully.", "type", handlerType, "logLevel", logLevel)
}

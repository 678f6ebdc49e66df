package common

import (
	"log/slog"
	"os"
)

// PackageName is used as the metrics namespace and the default log service tag.
const PackageName = "keybroker"

// Version is set at build time via -ldflags.
var Version = "dev"

// LoggingOpts holds the logger configuration shared by all binaries.
type LoggingOpts struct {
	// Debug lowers the log level to slog.LevelDebug.
	Debug bool

	// JSON switches the handler to JSON output.
	JSON bool

	// Service is added as a 'service' tag to all records if non-empty.
	Service string

	// Version is added as a 'version' tag to all records if non-empty.
	Version string
}

// SetupLogger creates the process-wide structured logger.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}

// Package flags holds the CLI flags and setup helpers shared by the
// keybroker binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/attestable/keybroker/api"
	"github.com/attestable/keybroker/common"
)

// SetupLogger builds the process logger from the common logging flags.
func SetupLogger(cCtx *cli.Context, service string) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: service,
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the HTTP server configuration from the common
// server flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

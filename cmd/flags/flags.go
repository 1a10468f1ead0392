package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/custody-switch/common"
	"github.com/ruteri/custody-switch/config"
	"github.com/ruteri/custody-switch/httpserver"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the HTTP server config from the server section,
// letting explicitly set flags take precedence.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, server config.ServerConfig) *httpserver.HTTPServerConfig {
	if cCtx.IsSet(ListenAddrFlag.Name) {
		server.ListenAddr = cCtx.String(ListenAddrFlag.Name)
	}
	if cCtx.IsSet(MetricsAddrFlag.Name) {
		server.MetricsAddr = cCtx.String(MetricsAddrFlag.Name)
	}
	if cCtx.IsSet(PprofFlag.Name) {
		server.EnablePprof = cCtx.Bool(PprofFlag.Name)
	}
	if cCtx.IsSet(DrainSecondsFlag.Name) {
		server.DrainDuration = time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second
	}

	return &httpserver.HTTPServerConfig{
		ListenAddr:               server.ListenAddr,
		MetricsAddr:              server.MetricsAddr,
		Log:                      logger,
		EnablePprof:              server.EnablePprof,
		DrainDuration:            server.DrainDuration,
		GracefulShutdownDuration: server.GracefulTimeout,
		ReadTimeout:              server.ReadTimeout,
		WriteTimeout:             server.WriteTimeout,
	}
}

var ConfigFileFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	EnvVars: []string{"CUSTODY_CONFIG"},
	Usage:   "path to the YAML configuration file",
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

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the operational API",
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

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
}

var CommonFlags = []cli.Flag{
	ConfigFileFlag,
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	ListenAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"code.cloudfoundry.org/lager/v3"
	"contrib.go.opencensus.io/exporter/stackdriver"
	"go.opencensus.io/stats/view"

	"github.com/zonekeeper/zonekeeper"
	"github.com/zonekeeper/zonekeeper/config"
	"github.com/zonekeeper/zonekeeper/manager"
	"github.com/zonekeeper/zonekeeper/metrics"
	"github.com/zonekeeper/zonekeeper/zone"
	"github.com/zonekeeper/zonekeeper/zone/zonefakes"
)

var configPath = flag.String(
	"config",
	"/etc/zonekeeper/daemon.conf",
	"daemon configuration file",
)

var logLevel = flag.String(
	"log-level",
	"info",
	"minimum level to log (debug, info, error, fatal)",
)

var detachOnExit = flag.Bool(
	"detach-on-exit",
	false,
	"leave zones running when the daemon exits",
)

var metricsProject = flag.String(
	"metrics-project",
	"",
	"gcp project to export opencensus metrics to (disabled when empty)",
)

var runtimeSocketDir = flag.String(
	"runtime-socket-dir",
	"/run/zonekeeper",
	"directory for the in-process runtime's zone bus sockets",
)

func main() {
	flag.Parse()

	logger := lager.NewLogger("zonekeeperd")
	sink := lager.NewWriterSink(os.Stdout, parseLogLevel(*logLevel))
	logger.RegisterSink(sink)

	if err := metrics.Register(); err != nil {
		logger.Error("register-metrics", err)
		os.Exit(1)
	}

	if *metricsProject != "" {
		exporter, err := stackdriver.NewExporter(stackdriver.Options{
			ProjectID: *metricsProject,
		})
		if err != nil {
			logger.Error("metrics-exporter", err)
			os.Exit(1)
		}
		view.RegisterExporter(exporter)
		defer exporter.Flush()
	}

	if err := os.MkdirAll(*runtimeSocketDir, 0755); err != nil {
		logger.Error("runtime-socket-dir", err)
		os.Exit(1)
	}

	var runtimeFactory zone.RuntimeFactory = func(id string, cfg config.ZoneConfig) (zonekeeper.Runtime, error) {
		return zonefakes.New(logger, id, *runtimeSocketDir), nil
	}

	mgr, err := manager.New(logger, *configPath, runtimeFactory)
	if err != nil {
		logger.Error("construct", err)
		os.Exit(1)
	}

	if *detachOnExit {
		mgr.SetZonesDetachOnExit()
	}

	if err := mgr.Start(); err != nil {
		logger.Error("start", err)
		os.Exit(1)
	}

	logger.Info("running", lager.Data{"config": *configPath})

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals

	logger.Info("terminating", lager.Data{"signal": sig.String()})
	mgr.Stop()
}

func parseLogLevel(level string) lager.LogLevel {
	switch level {
	case "debug":
		return lager.DEBUG
	case "info":
		return lager.INFO
	case "error":
		return lager.ERROR
	case "fatal":
		return lager.FATAL
	}
	return lager.INFO
}

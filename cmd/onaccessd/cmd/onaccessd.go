//go:build linux

/*
Copyright © 2020 GUILLAUME FOURNIER

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Gui774ume/onaccess/pkg/config"
	"github.com/Gui774ume/onaccess/pkg/model"
	"github.com/Gui774ume/onaccess/pkg/mount"
	"github.com/Gui774ume/onaccess/pkg/onaccess"
	"github.com/Gui774ume/onaccess/pkg/scan"
	"github.com/Gui774ume/onaccess/pkg/telemetry"
	"github.com/Gui774ume/onaccess/pkg/utils"
	"github.com/Gui774ume/onaccess/version"
)

func runOnAccessCmd(cmd *cobra.Command, args []string) error {
	// 0) Load the configuration and apply the command line overrides
	cfg, err := config.Load(options.ConfigPath)
	if err != nil {
		return err
	}
	applyOptions(cfg)

	// 1) Set up logging
	logFile, err := initLogging(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to set up logging")
	}
	if logFile != nil {
		defer logFile.Close()
	}
	detections := utils.NewDetectionLogger(utils.DetectionLogOptions{
		Path:       cfg.Logging.Detections.Path,
		MaxSizeMB:  cfg.Logging.Detections.MaxSizeMB,
		MaxBackups: cfg.Logging.Detections.MaxBackups,
		MaxAgeDays: cfg.Logging.Detections.MaxAgeDays,
	})
	defer detections.Sync()
	logrus.WithField("version", version.Get().String()).Info("Starting onaccessd.")

	// 2) Load the initial policy
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	// 3) Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)
	metricsServer := startMetricsServer(cfg.Telemetry.MetricsAddress, registry)
	defer stopMetricsServer(metricsServer)

	// 4) Instantiates the on-access service
	sink := telemetry.NewHelper()
	svc, err := onaccess.NewService(onaccess.Options{
		Policy: policy,
		NewClient: func() scan.Client {
			return scan.NewSocketClient(cfg.Scanner.SocketPath, cfg.Scanner.Timeout)
		},
		Device:              scan.DeviceUtil{},
		Workers:             cfg.Scanner.Workers,
		QueueCapacity:       cfg.Queue.Capacity,
		MaxRetries:          maxRetries(cfg.Scanner.MaxRetries),
		RetryDelay:          cfg.Scanner.RetryDelay,
		Paths:               mount.SystemPaths{MountInfo: cfg.Mounts.MountInfo, SysFs: cfg.Mounts.SysFs},
		MaxFileSystems:      cfg.Telemetry.MaxFileSystems,
		ExcludedFileSystems: cfg.Mounts.ExcludedFileSystems,
		ProcessCacheSize:    cfg.Queue.ProcessCacheSize,
		CounterLimit:        cfg.Telemetry.CounterLimit,
		DropWarnInterval:    cfg.Queue.DropWarnInterval,
		Sink:                sink,
		Metrics:             metrics,
		Detections:          detections,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create the on-access service")
	}

	// 5) Start scanning
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start on-access scanning")
	}
	defer svc.Stop()

	// 6) Follow policy updates
	watcher, err := config.NewPolicyWatcher(cfg.PolicyFile, func(p model.OnAccessConfiguration) {
		svc.UpdatePolicy(p)
	})
	if err != nil {
		logrus.WithError(err).Warn("Policy changes won't be applied until restart.")
	} else {
		defer watcher.Close()
	}

	// 7) Periodic telemetry report
	reporter, err := NewReporter(svc, sink, cfg.Telemetry.Output, options.OutputFilePath, cfg.Telemetry.ReportInterval)
	if err != nil {
		return errors.Wrap(err, "failed to create the telemetry reporter")
	}
	defer reporter.Close()

	// 8) Wait until interrupt signal, the deferred calls stop everything in
	// reverse order
	wait()
	return nil
}

// applyOptions - Overrides the configuration with the provided flags
func applyOptions(cfg *config.Config) {
	if options.PolicyPath != "" {
		cfg.PolicyFile = options.PolicyPath
	}
	if options.Format != "" {
		cfg.Telemetry.Output = options.Format
	}
	if options.Verbose {
		cfg.Logging.Level = "debug"
	}
}

// maxRetries maps the configured value, where 0 means no retry, to the
// scan handler option
func maxRetries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// initLogging returns the log file it opened, if any
func initLogging(cfg *config.Config) (io.Closer, error) {
	var output io.Writer
	var file *os.File
	switch cfg.Logging.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, err
		}
		output, file = f, f
	}
	err := utils.SetupLogging(utils.LogOptions{
		Level:            cfg.Logging.Level,
		Format:           cfg.Logging.Format,
		Output:           output,
		DisableTimestamp: options.Systemd,
	})
	if err != nil {
		if file != nil {
			file.Close()
		}
		return nil, err
	}
	if file == nil {
		return nil, nil
	}
	return file, nil
}

func startMetricsServer(address string, registry *prometheus.Registry) *http.Server {
	if address == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("Metrics server failed.")
		}
	}()
	logrus.WithField("address", address).Info("Serving metrics.")
	return server
}

func stopMetricsServer(server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to stop the metrics server.")
	}
}

// wait - Waits until an interrupt or terminate signal is sent
func wait() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

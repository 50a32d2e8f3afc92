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
package onaccess

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/Gui774ume/onaccess/pkg/fanotify"
	"github.com/Gui774ume/onaccess/pkg/model"
	"github.com/Gui774ume/onaccess/pkg/mount"
	"github.com/Gui774ume/onaccess/pkg/queue"
	"github.com/Gui774ume/onaccess/pkg/scan"
	"github.com/Gui774ume/onaccess/pkg/telemetry"
	"github.com/Gui774ume/onaccess/pkg/utils"
)

// DefaultWorkers is the default number of scan handlers
const DefaultWorkers = 4

// Options configures a Service
type Options struct {
	// Policy applied at start
	Policy model.OnAccessConfiguration
	// Notifier defaults to a new fanotify group
	Notifier fanotify.Handler
	// NewClient returns the scanning engine client of one worker
	NewClient func() scan.Client
	Device    scan.DeviceChecker

	Workers       int
	QueueCapacity int
	MaxRetries    int
	RetryDelay    time.Duration

	Paths               mount.SystemPaths
	MaxFileSystems      int
	ExcludedFileSystems []string
	ProcessCacheSize    int
	CounterLimit        uint64
	DropWarnInterval    time.Duration

	Sink       telemetry.Sink
	Metrics    *telemetry.Metrics
	Detections *zap.Logger
	// Fatal overrides the handling of cache failures, see scan.HandlerOptions
	Fatal func(err error)
}

// Service wires the on-access components together
type Service struct {
	notifier fanotify.Handler
	monitor  *mount.Monitor
	queue    *queue.Queue
	handlers []*scan.Handler
	clients  []scan.Client
	reader   *EventReader
	counters *telemetry.Counters
	sink     telemetry.Sink
	logger   *logrus.Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds every component. Nothing runs until Start.
func NewService(opts Options) (*Service, error) {
	if opts.NewClient == nil {
		return nil, errors.New("a scanning engine client is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.NewHelper()
	}

	s := &Service{
		sink:   opts.Sink,
		logger: utils.ComponentLogger("onaccess"),
	}
	s.notifier = opts.Notifier
	if s.notifier == nil {
		notifier, err := fanotify.New(fanotify.Options{Logger: utils.ComponentLogger("fanotify")})
		if err != nil {
			return nil, err
		}
		s.notifier = notifier
	}

	s.counters = telemetry.NewCounters(telemetry.CountersOptions{
		Limit:   opts.CounterLimit,
		Logger:  utils.ComponentLogger("telemetry"),
		Metrics: opts.Metrics,
	})
	s.monitor = mount.NewMonitor(mount.Options{
		Handler:             s.notifier,
		Paths:               opts.Paths,
		Sink:                opts.Sink,
		Metrics:             opts.Metrics,
		MaxFileSystems:      opts.MaxFileSystems,
		ExcludedFileSystems: opts.ExcludedFileSystems,
		Logger:              utils.ComponentLogger("mounts"),
	}, opts.Policy)
	s.queue = queue.New(opts.QueueCapacity)
	opts.Metrics.ObserveQueueDepth(s.queue.Size)

	resolver, err := model.NewProcessResolver(opts.ProcessCacheSize)
	if err != nil {
		s.notifier.Close()
		return nil, err
	}
	s.reader = NewEventReader(ReaderOptions{
		Events:           s.notifier,
		Policy:           s.monitor,
		Queue:            s.queue,
		Counters:         s.counters,
		Resolver:         resolver,
		DropWarnInterval: opts.DropWarnInterval,
		Logger:           utils.ComponentLogger("reader"),
	})

	for i := 0; i < opts.Workers; i++ {
		client := opts.NewClient()
		s.clients = append(s.clients, client)
		s.handlers = append(s.handlers, scan.NewHandler(scan.HandlerOptions{
			Source:     s.queue,
			Client:     client,
			Cache:      s.notifier,
			Device:     opts.Device,
			Counters:   s.counters,
			MaxRetries: opts.MaxRetries,
			RetryDelay: opts.RetryDelay,
			Detections: opts.Detections,
			Logger:     utils.ComponentLogger("scanner").WithField("worker", i),
			Fatal:      opts.Fatal,
		}))
	}
	return s, nil
}

// Start marks the mounts and starts the reader and the scan handlers
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, h := range s.handlers {
		s.wg.Add(1)
		go func(h *scan.Handler) {
			defer s.wg.Done()
			h.Run(ctx)
		}(h)
	}
	if err := s.monitor.Start(); err != nil {
		s.Stop()
		return errors.Wrap(err, "couldn't start the mount monitor")
	}
	if err := s.reader.Start(); err != nil {
		s.Stop()
		return errors.Wrap(err, "couldn't start the event reader")
	}
	s.logger.WithField("workers", len(s.handlers)).Info("On-access scanning started.")
	return nil
}

// UpdatePolicy applies a new policy, every mount is re-marked
func (s *Service) UpdatePolicy(cfg model.OnAccessConfiguration) {
	s.monitor.UpdateConfig(cfg)
	s.logger.WithFields(logrus.Fields{
		"enabled":    cfg.Enabled,
		"on_open":    cfg.OnOpen,
		"on_close":   cfg.OnClose,
		"exclusions": len(cfg.Exclusions),
	}).Info("On-access policy updated.")
}

// Policy returns the policy in force
func (s *Service) Policy() model.OnAccessConfiguration {
	return s.monitor.Config()
}

// Telemetry reads and clears the counters and publishes them to the sink
func (s *Service) Telemetry() telemetry.Telemetry {
	t := s.counters.GetTelemetry()
	s.sink.Set(telemetry.KeyEventsDropped, t.PercentageEventsDropped)
	s.sink.Set(telemetry.KeyScanErrors, t.PercentageScanErrors)
	return t
}

// Stop shuts every component down: reader, mount monitor, queue, scan
// handlers and finally the notification group
func (s *Service) Stop() {
	s.reader.Stop()
	s.monitor.Stop()
	s.queue.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	for _, client := range s.clients {
		if err := client.Close(); err != nil {
			s.logger.WithError(err).Debug("Failed to close scanning engine client.")
		}
	}
	if err := s.notifier.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close fanotify.")
	}
	s.logger.Info("On-access scanning stopped.")
}

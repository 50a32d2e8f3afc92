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
package scan

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/Gui774ume/onaccess/pkg/fanotify"
	"github.com/Gui774ume/onaccess/pkg/model"
	"github.com/Gui774ume/onaccess/pkg/utils"
)

const (
	// DefaultMaxRetries is the number of retries after a failed scan call
	DefaultMaxRetries = 5
	// DefaultRetryDelay is the pause between two scan calls of a request
	DefaultRetryDelay = time.Second
)

// Source hands out scan requests, Pop returns false once stopped
type Source interface {
	Pop() (*model.ScanRequest, bool)
}

// Cache sets and clears the "scanned clean" mark of a file
type Cache interface {
	CacheFd(flags uint, mask uint64, fd int, path string) error
	UncacheFd(flags uint, mask uint64, fd int, path string) error
}

// Counters record scan outcomes
type Counters interface {
	IncrementFilesScanned(isError bool)
}

// HandlerOptions configures a Handler
type HandlerOptions struct {
	Source   Source
	Client   Client
	Cache    Cache
	Device   DeviceChecker
	Counters Counters
	// MaxRetries defaults to DefaultMaxRetries, a negative value disables retries
	MaxRetries int
	// RetryDelay defaults to DefaultRetryDelay
	RetryDelay time.Duration
	// Detections receives one entry per infected file
	Detections *zap.Logger
	Logger     *logrus.Entry
	// Fatal is called when a clean file can't be cached, it defaults to a
	// logrus Fatal which exits the process
	Fatal func(err error)
}

// Handler is a scan worker. Several handlers can share the same Source, each
// one must own its Client.
type Handler struct {
	source     Source
	client     Client
	cache      Cache
	device     DeviceChecker
	counters   Counters
	maxRetries int
	retryDelay time.Duration
	detections *zap.Logger
	logger     *logrus.Entry
	fatal      func(err error)
}

// NewHandler returns a scan worker
func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{
		source:     opts.Source,
		client:     opts.Client,
		cache:      opts.Cache,
		device:     opts.Device,
		counters:   opts.Counters,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		detections: opts.Detections,
		logger:     opts.Logger,
		fatal:      opts.Fatal,
	}
	switch {
	case h.maxRetries == 0:
		h.maxRetries = DefaultMaxRetries
	case h.maxRetries < 0:
		h.maxRetries = 0
	}
	if h.retryDelay <= 0 {
		h.retryDelay = DefaultRetryDelay
	}
	if h.device == nil {
		h.device = DeviceUtil{}
	}
	if h.detections == nil {
		h.detections = zap.NewNop()
	}
	if h.logger == nil {
		h.logger = utils.ComponentLogger("scanner")
	}
	if h.fatal == nil {
		logger := h.logger
		h.fatal = func(err error) {
			logger.WithError(err).Fatal("Failed to cache a clean file, the scan cache can't be trusted anymore.")
		}
	}
	return h
}

// Run handles requests until the source is stopped. Cancelling ctx aborts the
// request in flight.
func (h *Handler) Run(ctx context.Context) {
	for {
		req, ok := h.source.Pop()
		if !ok {
			h.logger.Debug("Scan handler stopping.")
			return
		}
		if ctx.Err() != nil {
			req.Close()
			h.logger.Debug("Scan handler stopping.")
			return
		}
		h.handle(ctx, req)
	}
}

// handle owns req and closes it whatever the outcome
func (h *Handler) handle(ctx context.Context, req *model.ScanRequest) {
	defer req.Close()

	for retries := 0; ; retries++ {
		if ctx.Err() != nil {
			h.abandon(req)
			return
		}
		req.Attempt = retries + 1
		resp, err := h.client.Scan(ctx, req)
		if ctx.Err() != nil {
			h.abandon(req)
			return
		}
		if err == nil {
			h.processResponse(req, resp)
			return
		}
		if retries >= h.maxRetries {
			h.logger.WithError(err).Errorf("Failed to scan %s after %d retries", req.Path, h.maxRetries)
			h.uncache(req)
			h.counters.IncrementFilesScanned(true)
			return
		}
		h.logger.WithError(err).WithFields(logrus.Fields{
			"path":    req.Path,
			"attempt": req.Attempt,
		}).Warn("Scan failed, retrying.")
		if !h.wait(ctx) {
			h.abandon(req)
			return
		}
	}
}

// wait sleeps for the retry delay, it returns false if ctx is cancelled first
func (h *Handler) wait(ctx context.Context) bool {
	timer := time.NewTimer(h.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (h *Handler) abandon(req *model.ScanRequest) {
	h.logger.WithField("path", req.Path).Info("Shutting down, scan abandoned.")
}

func (h *Handler) processResponse(req *model.ScanRequest, resp *model.ScanResponse) {
	switch resp.Verdict {
	case model.VerdictClean:
		h.logger.WithFields(logrus.Fields{
			"path": req.Path,
			"type": req.ScanType,
		}).Debug("File is clean.")
		if req.IsOpenEvent() && h.device.IsCachable(req.Fd()) {
			if err := h.cache.CacheFd(fanotify.CacheFlags, fanotify.CacheMask, req.Fd(), ""); err != nil {
				h.fatal(err)
			}
		}
		h.counters.IncrementFilesScanned(false)
	case model.VerdictInfected:
		h.uncache(req)
		h.logDetection(req, resp)
		h.counters.IncrementFilesScanned(false)
	default:
		h.logger.WithFields(logrus.Fields{
			"path":  req.Path,
			"error": resp.ErrorMsg,
		}).Error("Scanning engine failed to scan file.")
		h.counters.IncrementFilesScanned(true)
	}
}

func (h *Handler) uncache(req *model.ScanRequest) {
	if err := h.cache.UncacheFd(fanotify.UncacheFlags, fanotify.CacheMask, req.Fd(), ""); err != nil {
		h.logger.WithError(err).WithField("path", req.Path).Warn("Failed to uncache file.")
	}
}

func (h *Handler) logDetection(req *model.ScanRequest, resp *model.ScanResponse) {
	h.logger.WithFields(logrus.Fields{
		"path":        req.Path,
		"threat_name": resp.ThreatName,
		"threat_type": resp.ThreatType,
		"trigger":     req.ScanType,
		"pid":         req.Pid,
	}).Warn("Threat detected.")
	h.detections.Info("threat detected",
		zap.String("path", req.Path),
		zap.String("threat_name", resp.ThreatName),
		zap.String("threat_type", resp.ThreatType),
		zap.Stringer("trigger", req.ScanType),
		zap.Int32("pid", req.Pid),
		zap.Uint32("uid", req.UID),
		zap.String("executable", req.ExecutablePath),
	)
}

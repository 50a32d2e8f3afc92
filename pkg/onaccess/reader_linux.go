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
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/Gui774ume/onaccess/pkg/fanotify"
	"github.com/Gui774ume/onaccess/pkg/model"
	"github.com/Gui774ume/onaccess/pkg/utils"
)

// readBufferSize holds a few hundred events per read
const readBufferSize = 16 * 1024

// EventSource is the part of the notification handler the reader needs.
// Opens of cached files are filtered by the kernel and never read.
type EventSource interface {
	Fd() int
}

// PolicySource returns the policy in force
type PolicySource interface {
	Config() model.OnAccessConfiguration
}

// RequestSink accepts scan requests without blocking
type RequestSink interface {
	Emplace(req *model.ScanRequest) bool
}

// EventCounters record what happened to each event
type EventCounters interface {
	IncrementEventReceived(dropped bool)
}

// ProcessResolver looks up the process that triggered an event
type ProcessResolver interface {
	Resolve(pid int32) (model.ProcessInfo, error)
}

// ReaderOptions configures an EventReader
type ReaderOptions struct {
	Events   EventSource
	Policy   PolicySource
	Queue    RequestSink
	Counters EventCounters
	Resolver ProcessResolver
	// DropWarnInterval is the minimum delay between two "queue full"
	// warnings, defaults to 10 seconds
	DropWarnInterval time.Duration
	Logger           *logrus.Entry
}

// EventReader turns fanotify events into scan requests
type EventReader struct {
	events   EventSource
	policy   PolicySource
	queue    RequestSink
	counters EventCounters
	resolver ProcessResolver
	dropWarn *rate.Limiter
	logger   *logrus.Entry
	selfPid  int32
	readlink func(fd int) (string, error)

	stopOnce sync.Once
	stopW    int
	done     chan struct{}
}

// NewEventReader returns a reader, call Start to begin reading
func NewEventReader(opts ReaderOptions) *EventReader {
	interval := opts.DropWarnInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	r := &EventReader{
		events:   opts.Events,
		policy:   opts.Policy,
		queue:    opts.Queue,
		counters: opts.Counters,
		resolver: opts.Resolver,
		dropWarn: rate.NewLimiter(rate.Every(interval), 1),
		logger:   opts.Logger,
		selfPid:  int32(os.Getpid()),
		readlink: readFdLink,
		stopW:    -1,
	}
	if r.logger == nil {
		r.logger = utils.ComponentLogger("reader")
	}
	return r
}

func readFdLink(fd int) (string, error) {
	return os.Readlink("/proc/self/fd/" + strconv.Itoa(fd))
}

// Start reads events in a goroutine until Stop is called
func (r *EventReader) Start() error {
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return errors.Wrap(err, "couldn't create stop pipe")
	}
	r.stopW = pipe[1]
	r.done = make(chan struct{})
	go r.listen(pipe[0])
	return nil
}

// Stop ends the read loop and waits for it
func (r *EventReader) Stop() {
	if r.done == nil {
		return
	}
	r.stopOnce.Do(func() {
		if _, err := unix.Write(r.stopW, []byte{0}); err != nil {
			r.logger.WithError(err).Warn("Failed to signal the event reader.")
		}
		<-r.done
		unix.Close(r.stopW)
	})
}

// listen - poll the notification fd and the stop pipe
func (r *EventReader) listen(stopR int) {
	defer close(r.done)
	defer unix.Close(stopR)

	buf := make([]byte, readBufferSize)
	fds := []unix.PollFd{
		{Fd: int32(r.events.Fd()), Events: unix.POLLIN},
		{Fd: int32(stopR), Events: unix.POLLIN},
	}
	for {
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			r.logger.WithError(err).Error("Polling fanotify failed, no more file events are scanned.")
			return
		}
		if fds[1].Revents != 0 {
			r.logger.Debug("Event reader stopping.")
			return
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			r.logger.Error("Fanotify descriptor failed, no more file events are scanned.")
			return
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			r.drain(buf)
		}
	}
}

// drain reads until the non blocking descriptor runs dry
func (r *EventReader) drain(buf []byte) {
	for {
		n, err := unix.Read(r.events.Fd(), buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return
		case err != nil:
			r.logger.WithError(err).Warn("Failed to read fanotify events.")
			return
		case n <= 0:
			return
		}
		events, err := fanotify.DecodeEvents(buf[:n])
		for _, evt := range events {
			r.handleEvent(evt)
		}
		if err != nil {
			r.logger.WithError(err).Warn("Malformed fanotify events.")
		}
	}
}

// handleEvent takes ownership of the event descriptor
func (r *EventReader) handleEvent(evt fanotify.EventMetadata) {
	if evt.Mask&unix.FAN_Q_OVERFLOW != 0 {
		r.counters.IncrementEventReceived(true)
		if r.dropWarn.Allow() {
			r.logger.Warn("Fanotify queue overflowed, file events were lost.")
		}
		return
	}
	if evt.Fd < 0 {
		return
	}
	fd := model.NewAutoFd(int(evt.Fd))
	if evt.Version != fanotify.MetadataVersion {
		fd.Close()
		r.logger.WithField("version", evt.Version).Warn("Unsupported fanotify metadata version.")
		return
	}
	if evt.Pid == r.selfPid {
		fd.Close()
		return
	}

	var scanType model.ScanType
	switch {
	case evt.Mask&unix.FAN_CLOSE_WRITE != 0:
		scanType = model.ScanOnClose
	case evt.Mask&unix.FAN_OPEN != 0:
		scanType = model.ScanOnOpen
	default:
		fd.Close()
		return
	}

	cfg := r.policy.Config()
	if !cfg.Enabled || (scanType == model.ScanOnOpen && !cfg.OnOpen) || (scanType == model.ScanOnClose && !cfg.OnClose) {
		fd.Close()
		r.counters.IncrementEventReceived(false)
		return
	}

	path, err := r.readlink(fd.Fd())
	if err != nil {
		fd.Close()
		r.counters.IncrementEventReceived(true)
		r.logger.WithError(err).WithField("pid", evt.Pid).Debug("Failed to resolve event path.")
		return
	}
	if exclusion, ok := cfg.Excluded(path); ok {
		fd.Close()
		r.counters.IncrementEventReceived(false)
		r.logger.WithFields(logrus.Fields{
			"path":      path,
			"exclusion": exclusion.String(),
		}).Debug("Excluded file event.")
		return
	}

	req := model.NewScanRequest(path, scanType, fd)
	req.Pid = evt.Pid
	if key, err := model.FileKeyFromFd(fd.Fd()); err == nil {
		req.Key = key
	}
	if r.resolver != nil {
		if info, err := r.resolver.Resolve(evt.Pid); err == nil {
			req.UID = info.UID
			req.ExecutablePath = info.Executable
		} else {
			r.logger.WithError(err).WithField("pid", evt.Pid).Debug("Failed to resolve process.")
		}
	}

	if !r.queue.Emplace(req) {
		req.Close()
		r.counters.IncrementEventReceived(true)
		if r.dropWarn.Allow() {
			r.logger.WithField("path", path).Warn("Scan queue is full, dropping file event.")
		}
		return
	}
	r.counters.IncrementEventReceived(false)
}

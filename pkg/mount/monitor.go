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
package mount

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Gui774ume/onaccess/pkg/fanotify"
	"github.com/Gui774ume/onaccess/pkg/model"
	"github.com/Gui774ume/onaccess/pkg/telemetry"
	"github.com/Gui774ume/onaccess/pkg/utils"
)

// DefaultMaxFileSystems bounds the filesystem types reported in telemetry
const DefaultMaxFileSystems = 100

// Exclusion reasons
const (
	ReasonSpecial         = "special file system"
	ReasonNotDirectory    = "not a directory"
	ReasonPolicyExclusion = "policy exclusion"
	ReasonExcludedFsType  = "excluded file system type"
	ReasonNoQualifying    = "no qualifying property"
	ReasonRemoteExclusion = "remote files excluded"
)

// Options configures a Monitor
type Options struct {
	Handler fanotify.Handler
	Paths   SystemPaths
	Sink    telemetry.Sink
	Metrics *telemetry.Metrics
	// MaxFileSystems defaults to DefaultMaxFileSystems
	MaxFileSystems int
	// ExcludedFileSystems defaults to DefaultExcludedFileSystems
	ExcludedFileSystems []string
	Logger              *logrus.Entry
}

// Monitor keeps fanotify mount marks in line with the mount table and the
// on-access policy
type Monitor struct {
	handler        fanotify.Handler
	paths          SystemPaths
	sink           telemetry.Sink
	metrics        *telemetry.Metrics
	maxFileSystems int
	excludedFs     map[string]bool
	logger         *logrus.Entry
	classifier     classifier

	config atomic.Pointer[model.OnAccessConfiguration]

	// markMu serializes every change to the marks
	markMu      sync.Mutex
	marked      map[string]uint64
	fileSystems map[string]struct{}

	poll     func(fds []unix.PollFd, timeout int) (int, error)
	stopOnce sync.Once
	stopW    int
	done     chan struct{}
}

// NewMonitor returns a monitor applying cfg. Nothing is marked until Start.
func NewMonitor(opts Options, cfg model.OnAccessConfiguration) *Monitor {
	m := &Monitor{
		handler:        opts.Handler,
		paths:          opts.Paths,
		sink:           opts.Sink,
		metrics:        opts.Metrics,
		maxFileSystems: opts.MaxFileSystems,
		excludedFs:     make(map[string]bool),
		logger:         opts.Logger,
		marked:         make(map[string]uint64),
		fileSystems:    make(map[string]struct{}),
		poll:           unix.Poll,
		stopW:          -1,
	}
	if m.paths == (SystemPaths{}) {
		m.paths = DefaultSystemPaths()
	}
	if m.maxFileSystems <= 0 {
		m.maxFileSystems = DefaultMaxFileSystems
	}
	excluded := opts.ExcludedFileSystems
	if excluded == nil {
		excluded = DefaultExcludedFileSystems
	}
	for _, fsType := range excluded {
		m.excludedFs[fsType] = true
	}
	if m.sink == nil {
		m.sink = telemetry.NewHelper()
	}
	if m.logger == nil {
		m.logger = utils.ComponentLogger("mounts")
	}
	m.classifier = classifier{sysFs: m.paths.SysFs, isDirectory: isDirectory}
	m.config.Store(&cfg)
	return m
}

// Config returns the policy currently applied
func (m *Monitor) Config() model.OnAccessConfiguration {
	return *m.config.Load()
}

// GetAllMountpoints lists and classifies the mounts of the mount table. An
// unreadable table yields an empty list, the next topology change retries.
func (m *Monitor) GetAllMountpoints() []model.MountPoint {
	infos, err := utils.ReadMountInfo(m.paths.MountInfo)
	if err != nil {
		m.logger.WithError(err).Error("Failed to read the mount table.")
		return nil
	}
	out := make([]model.MountPoint, 0, len(infos))
	for _, mi := range infos {
		out = append(out, m.classifier.classify(mi))
	}
	return out
}

// GetIncludedMountpoints filters all through the current policy, logging why
// each excluded mount was left out
func (m *Monitor) GetIncludedMountpoints(all []model.MountPoint) []model.MountPoint {
	cfg := m.Config()
	var included []model.MountPoint
	for _, mp := range all {
		reason, ok := m.include(cfg, mp)
		if !ok {
			m.logger.WithFields(logrus.Fields{
				"mount":  mp.Path,
				"fstype": mp.FsType,
				"reason": reason,
			}).Info("Mount point excluded.")
			continue
		}
		included = append(included, mp)
	}
	return included
}

func (m *Monitor) include(cfg model.OnAccessConfiguration, mp model.MountPoint) (string, bool) {
	switch {
	case mp.IsSpecial():
		return ReasonSpecial, false
	case !mp.IsDirectory():
		return ReasonNotDirectory, false
	}
	if exclusion, ok := cfg.Excluded(mp.Path); ok {
		return ReasonPolicyExclusion + " " + exclusion.String(), false
	}
	if m.excludedFs[mp.FsType] {
		return ReasonExcludedFsType, false
	}
	switch {
	case mp.IsHardDisc(), mp.IsRemovable(), mp.IsOptical():
		return "", true
	case mp.IsNetwork() && !cfg.ExcludeRemoteFiles:
		return "", true
	case mp.IsNetwork():
		return ReasonRemoteExclusion, false
	default:
		return ReasonNoQualifying, false
	}
}

// UpdateConfig swaps the policy then unmarks everything, flushes the cache and
// marks the mounts the new policy includes
func (m *Monitor) UpdateConfig(cfg model.OnAccessConfiguration) {
	m.markMu.Lock()
	defer m.markMu.Unlock()

	m.config.Store(&cfg)
	m.unmarkAllLocked()
	if err := m.handler.ClearCachedFiles(); err != nil {
		m.logger.WithError(err).Warn("Failed to clear cached files.")
	}
	if !cfg.Enabled {
		m.logger.Info("On-access scanning disabled, no mount is marked.")
		return
	}
	m.markMountsLocked(m.GetIncludedMountpoints(m.GetAllMountpoints()))
}

// refresh re-applies the marks after a mount table change. Marks of mounts
// that went away are dropped.
func (m *Monitor) refresh() {
	m.markMu.Lock()
	defer m.markMu.Unlock()

	if !m.Config().Enabled {
		return
	}
	included := m.GetIncludedMountpoints(m.GetAllMountpoints())
	current := make(map[string]bool, len(included))
	for _, mp := range included {
		current[mp.Path] = true
	}
	for path, mask := range m.marked {
		if current[path] {
			continue
		}
		if err := m.handler.UnmarkMount(fanotify.MountUnmarkFlags, mask, unix.AT_FDCWD, path); err != nil {
			// the mount is usually already gone, along with its mark
			m.logger.WithError(err).WithField("mount", path).Debug("Failed to unmark mount point.")
		}
		delete(m.marked, path)
	}
	m.markMountsLocked(included)
}

func (m *Monitor) markMounts(mps []model.MountPoint) {
	m.markMu.Lock()
	defer m.markMu.Unlock()
	m.markMountsLocked(mps)
}

// markMountsLocked marks every mount, a failure does not stop the others
func (m *Monitor) markMountsLocked(mps []model.MountPoint) {
	mask := eventMask(m.Config())
	if mask == 0 {
		m.logger.Warn("Neither open nor close scanning is enabled, no mount is marked.")
		return
	}
	var fsTypes []string
	for _, mp := range mps {
		if err := m.handler.MarkMount(fanotify.MountMarkFlags, mask, unix.AT_FDCWD, mp.Path); err != nil {
			m.logger.WithError(err).WithField("mount", mp.Path).Error("Failed to mark mount point.")
			continue
		}
		m.marked[mp.Path] = mask
		fsTypes = append(fsTypes, mp.FsType)
		m.logger.WithFields(logrus.Fields{
			"mount":  mp.Path,
			"fstype": mp.FsType,
		}).Debug("Mount point marked.")
	}
	m.addFileSystemsToTelemetry(fsTypes)
	m.sink.Set(telemetry.KeyMarkedMountCount, len(m.marked))
	m.metrics.SetMarkedMounts(len(m.marked))
	m.logger.WithField("count", len(m.marked)).Info("Mount points marked.")
}

// addFileSystemsToTelemetry publishes the distinct filesystem types seen so
// far, at most maxFileSystems of them
func (m *Monitor) addFileSystemsToTelemetry(fsTypes []string) {
	sorted := append([]string(nil), fsTypes...)
	sort.Strings(sorted)
	for _, fsType := range sorted {
		if len(m.fileSystems) >= m.maxFileSystems {
			break
		}
		m.fileSystems[fsType] = struct{}{}
	}
	out := make([]string, 0, len(m.fileSystems))
	for fsType := range m.fileSystems {
		out = append(out, fsType)
	}
	sort.Strings(out)
	m.sink.SetStrings(telemetry.KeyFileSystems, out)
}

// UnmarkAll removes every mark set by the monitor
func (m *Monitor) UnmarkAll() {
	m.markMu.Lock()
	defer m.markMu.Unlock()
	m.unmarkAllLocked()
}

func (m *Monitor) unmarkAllLocked() {
	for path, mask := range m.marked {
		if err := m.handler.UnmarkMount(fanotify.MountUnmarkFlags, mask, unix.AT_FDCWD, path); err != nil {
			m.logger.WithError(err).WithField("mount", path).Warn("Failed to unmark mount point.")
		}
		delete(m.marked, path)
	}
	m.sink.Set(telemetry.KeyMarkedMountCount, 0)
	m.metrics.SetMarkedMounts(0)
}

// MarkedMounts returns the sorted paths currently marked
func (m *Monitor) MarkedMounts() []string {
	m.markMu.Lock()
	defer m.markMu.Unlock()
	out := make([]string, 0, len(m.marked))
	for path := range m.marked {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

func eventMask(cfg model.OnAccessConfiguration) uint64 {
	var mask uint64
	if cfg.OnOpen {
		mask |= unix.FAN_OPEN
	}
	if cfg.OnClose {
		mask |= unix.FAN_CLOSE_WRITE
	}
	return mask
}

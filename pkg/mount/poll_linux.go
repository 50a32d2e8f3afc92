package mount

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Start marks the mounts included by the current policy and starts watching
// the mount table for topology changes
func (m *Monitor) Start() error {
	table, err := os.Open(m.paths.MountInfo)
	if err != nil {
		return errors.Wrapf(err, "couldn't open %s", m.paths.MountInfo)
	}
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		table.Close()
		return errors.Wrap(err, "couldn't create stop pipe")
	}
	m.stopW = pipe[1]
	m.done = make(chan struct{})

	if m.Config().Enabled {
		m.markMounts(m.GetIncludedMountpoints(m.GetAllMountpoints()))
	} else {
		m.logger.Info("On-access scanning disabled, no mount is marked.")
	}

	go m.watch(table, pipe[0])
	return nil
}

// Stop ends the watch loop, which unmarks every mount before returning
func (m *Monitor) Stop() {
	if m.done == nil {
		return
	}
	m.stopOnce.Do(func() {
		if _, err := unix.Write(m.stopW, []byte{0}); err != nil {
			m.logger.WithError(err).Warn("Failed to signal the mount monitor.")
		}
		<-m.done
		unix.Close(m.stopW)
	})
}

// watch polls the mount table for POLLPRI, which the kernel raises on every
// mount or umount in the namespace
func (m *Monitor) watch(table *os.File, stopR int) {
	defer close(m.done)
	defer unix.Close(stopR)
	defer table.Close()

	fds := []unix.PollFd{
		{Fd: int32(table.Fd()), Events: unix.POLLPRI},
		{Fd: int32(stopR), Events: unix.POLLIN},
	}
	for {
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := m.poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			m.logger.WithError(err).Error("Polling the mount table failed, on-access scanning is DEGRADED: mount points are no longer monitored.")
			m.UnmarkAll()
			return
		}
		if fds[1].Revents != 0 {
			m.logger.Debug("Mount monitor stopping.")
			m.UnmarkAll()
			return
		}
		if fds[0].Revents&(unix.POLLPRI|unix.POLLERR) != 0 {
			m.logger.Debug("Mount table changed.")
			m.refresh()
		}
	}
}

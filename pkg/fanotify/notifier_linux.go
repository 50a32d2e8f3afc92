//go:build linux

package fanotify

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	initFlags      = unix.FAN_CLOEXEC | unix.FAN_CLASS_NOTIF | unix.FAN_NONBLOCK
	eventOpenFlags = unix.O_RDONLY | unix.O_CLOEXEC | unix.O_LARGEFILE

	// MountMarkFlags marks a whole mount
	MountMarkFlags = unix.FAN_MARK_ADD | unix.FAN_MARK_MOUNT
	// MountUnmarkFlags removes a mount mark
	MountUnmarkFlags = unix.FAN_MARK_REMOVE | unix.FAN_MARK_MOUNT
	// CacheFlags adds an ignore mark, cleared by the kernel on modification
	CacheFlags = unix.FAN_MARK_ADD | unix.FAN_MARK_IGNORED_MASK
	// UncacheFlags removes an ignore mark
	UncacheFlags = unix.FAN_MARK_REMOVE | unix.FAN_MARK_IGNORED_MASK
	// CacheMask - cached files skip open events only, close-write still fires
	CacheMask = unix.FAN_OPEN
)

// Options configures a Notifier
type Options struct {
	Logger *logrus.Entry
}

// Notifier is the fanotify backed Handler. The kernel ignore marks are the
// only record of cached files: the kernel drops them on modification.
type Notifier struct {
	mu     sync.Mutex
	fd     int
	logger *logrus.Entry

	mark func(fd int, flags uint, mask uint64, dirFd int, path string) error
}

// New initializes a fanotify notification group. Requires CAP_SYS_ADMIN.
func New(opts Options) (*Notifier, error) {
	fd, err := unix.FanotifyInit(initFlags, eventOpenFlags)
	if err != nil {
		return nil, errors.Wrap(err, "fanotify_init failed")
	}
	n := newNotifier(fd, opts)
	n.logger.WithField("fd", fd).Debug("Fanotify initialized.")
	return n, nil
}

func newNotifier(fd int, opts Options) *Notifier {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.WithField("component", "fanotify")
	}
	return &Notifier{
		fd:     fd,
		logger: logger,
		mark:   unix.FanotifyMark,
	}
}

// Fd - descriptor to poll for events
func (n *Notifier) Fd() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fd
}

// MarkMount - see Handler
func (n *Notifier) MarkMount(flags uint, mask uint64, dirFd int, path string) error {
	if err := n.mark(n.Fd(), flags, mask, dirFd, path); err != nil {
		return errors.Wrapf(err, "failed to mark %s", path)
	}
	return nil
}

// UnmarkMount - see Handler
func (n *Notifier) UnmarkMount(flags uint, mask uint64, dirFd int, path string) error {
	if err := n.mark(n.Fd(), flags, mask, dirFd, path); err != nil {
		return errors.Wrapf(err, "failed to unmark %s", path)
	}
	return nil
}

// CacheFd - see Handler
func (n *Notifier) CacheFd(flags uint, mask uint64, fd int, path string) error {
	if err := n.mark(n.Fd(), flags, mask, fd, path); err != nil {
		return errors.Wrapf(err, "failed to cache fd %d", fd)
	}
	return nil
}

// UncacheFd - see Handler. Removing a mark that does not exist is not an error.
func (n *Notifier) UncacheFd(flags uint, mask uint64, fd int, path string) error {
	err := n.mark(n.Fd(), flags, mask, fd, path)
	if err != nil && !errors.Is(err, unix.ENOENT) {
		return errors.Wrapf(err, "failed to uncache fd %d", fd)
	}
	return nil
}

// ClearCachedFiles flushes every inode mark of the group, mount marks are kept
func (n *Notifier) ClearCachedFiles() error {
	if err := n.mark(n.Fd(), unix.FAN_MARK_FLUSH, 0, unix.AT_FDCWD, ""); err != nil {
		return errors.Wrap(err, "failed to flush cached files")
	}
	return nil
}

// Close releases the fanotify group, which drops every mark
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fd < 0 {
		return nil
	}
	err := unix.Close(n.fd)
	n.fd = -1
	return err
}

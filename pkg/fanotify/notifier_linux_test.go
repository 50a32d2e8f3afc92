//go:build linux

package fanotify

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type markCall struct {
	flags uint
	mask  uint64
	dirFd int
	path  string
}

type fakeMarks struct {
	calls []markCall
	err   error
}

func (f *fakeMarks) mark(_ int, flags uint, mask uint64, dirFd int, path string) error {
	f.calls = append(f.calls, markCall{flags: flags, mask: mask, dirFd: dirFd, path: path})
	return f.err
}

func newTestNotifier(t *testing.T, marks *fakeMarks) *Notifier {
	logger, _ := test.NewNullLogger()
	n := newNotifier(-1, Options{Logger: logger.WithField("component", "fanotify")})
	n.mark = marks.mark
	return n
}

func TestCacheFdSetsIgnoreMark(t *testing.T) {
	marks := &fakeMarks{}
	n := newTestNotifier(t, marks)

	require.NoError(t, n.CacheFd(CacheFlags, CacheMask, 10, ""))
	require.NoError(t, n.UncacheFd(UncacheFlags, CacheMask, 10, ""))
	require.Equal(t, []markCall{
		{flags: CacheFlags, mask: CacheMask, dirFd: 10},
		{flags: UncacheFlags, mask: CacheMask, dirFd: 10},
	}, marks.calls)
	// the kernel must drop the mark when the file is modified
	require.Zero(t, CacheFlags&unix.FAN_MARK_IGNORED_SURV_MODIFY)
}

func TestCacheFdFailureIsReturned(t *testing.T) {
	marks := &fakeMarks{err: unix.EINVAL}
	n := newTestNotifier(t, marks)

	err := n.CacheFd(CacheFlags, CacheMask, 10, "")
	require.ErrorIs(t, err, unix.EINVAL)
}

func TestUncacheIgnoresMissingMark(t *testing.T) {
	marks := &fakeMarks{err: unix.ENOENT}
	n := newTestNotifier(t, marks)
	require.NoError(t, n.UncacheFd(UncacheFlags, CacheMask, 10, ""))

	marks.err = unix.EBADF
	require.Error(t, n.UncacheFd(UncacheFlags, CacheMask, 10, ""))
}

func TestClearCachedFilesFlushesMarks(t *testing.T) {
	marks := &fakeMarks{}
	n := newTestNotifier(t, marks)

	require.NoError(t, n.ClearCachedFiles())
	require.Equal(t, []markCall{{flags: unix.FAN_MARK_FLUSH, dirFd: unix.AT_FDCWD}}, marks.calls)

	marks.err = unix.EBADF
	require.ErrorIs(t, n.ClearCachedFiles(), unix.EBADF)
}

func TestMarkMountWrapsErrors(t *testing.T) {
	marks := &fakeMarks{}
	n := newTestNotifier(t, marks)
	require.NoError(t, n.MarkMount(MountMarkFlags, unix.FAN_OPEN, unix.AT_FDCWD, "/home"))
	require.NoError(t, n.UnmarkMount(MountUnmarkFlags, unix.FAN_OPEN, unix.AT_FDCWD, "/home"))
	require.Equal(t, "/home", marks.calls[0].path)
	require.Equal(t, uint(MountUnmarkFlags), marks.calls[1].flags)

	marks.err = unix.EPERM
	err := n.MarkMount(MountMarkFlags, unix.FAN_OPEN, unix.AT_FDCWD, "/home")
	require.ErrorIs(t, err, unix.EPERM)
	require.Contains(t, err.Error(), "/home")
}

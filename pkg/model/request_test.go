package model

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openTemp(t *testing.T) int {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0600))
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	require.NoError(t, err)
	return fd
}

func TestAutoFdClosesOnce(t *testing.T) {
	fd := NewAutoFd(openTemp(t))
	require.True(t, fd.Valid())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, fd.Close())
		}()
	}
	wg.Wait()
	require.False(t, fd.Valid())
	require.Equal(t, -1, fd.Fd())
}

func TestAutoFdRelease(t *testing.T) {
	raw := openTemp(t)
	fd := NewAutoFd(raw)
	require.Equal(t, raw, fd.Release())
	require.NoError(t, fd.Close())
	// still open since ownership was released
	require.NoError(t, unix.Close(raw))
}

func TestScanRequestOwnsFd(t *testing.T) {
	raw := openTemp(t)
	key, err := FileKeyFromFd(raw)
	require.NoError(t, err)
	require.NotZero(t, key.Ino)

	req := NewScanRequest("/tmp/file", ScanOnOpen, NewAutoFd(raw))
	require.True(t, req.IsOpenEvent())
	require.Equal(t, raw, req.Fd())
	require.NoError(t, req.Close())
	require.Equal(t, -1, req.Fd())
	require.Equal(t, "close", ScanOnClose.String())
}

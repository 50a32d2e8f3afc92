//go:build linux

package queue

import (
	"os"

	"golang.org/x/sys/unix"
)

func dupFd(f *os.File) (int, error) {
	return unix.Dup(int(f.Fd()))
}

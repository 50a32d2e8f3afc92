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
package model

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// ScanType - event that triggered a scan
type ScanType int

const (
	// ScanOnOpen - file opened
	ScanOnOpen ScanType = iota
	// ScanOnClose - file closed after a write
	ScanOnClose
)

func (t ScanType) String() string {
	switch t {
	case ScanOnOpen:
		return "open"
	case ScanOnClose:
		return "close"
	default:
		return fmt.Sprintf("ScanType(%d)", int(t))
	}
}

// AutoFd owns a raw file descriptor and closes it exactly once
type AutoFd struct {
	fd atomic.Int64
}

// NewAutoFd takes ownership of fd
func NewAutoFd(fd int) *AutoFd {
	a := &AutoFd{}
	a.fd.Store(int64(fd))
	return a
}

// Fd returns the descriptor, -1 once closed or released
func (a *AutoFd) Fd() int {
	if a == nil {
		return -1
	}
	return int(a.fd.Load())
}

// Valid - the descriptor is still owned
func (a *AutoFd) Valid() bool {
	return a.Fd() >= 0
}

// Release gives up ownership without closing
func (a *AutoFd) Release() int {
	if a == nil {
		return -1
	}
	return int(a.fd.Swap(-1))
}

// Close closes the descriptor. Subsequent calls are no-ops.
func (a *AutoFd) Close() error {
	fd := a.Release()
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

// FileKey identifies a file independently of its path
type FileKey struct {
	Dev uint64
	Ino uint64
}

func (k FileKey) String() string {
	return fmt.Sprintf("%d/%d", k.Dev, k.Ino)
}

// FileKeyFromFd stats fd and returns its (device, inode) pair
func FileKeyFromFd(fd int) (FileKey, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return FileKey{}, err
	}
	return FileKey{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil
}

// ScanRequest - one file event waiting for a verdict
type ScanRequest struct {
	Path           string
	ScanType       ScanType
	Pid            int32
	UID            uint32
	ExecutablePath string
	Key            FileKey
	ReceivedAt     time.Time
	// Attempt is incremented on each scan attempt
	Attempt int

	fd *AutoFd
}

// NewScanRequest builds a request owning fd
func NewScanRequest(path string, scanType ScanType, fd *AutoFd) *ScanRequest {
	return &ScanRequest{
		Path:       path,
		ScanType:   scanType,
		ReceivedAt: time.Now(),
		fd:         fd,
	}
}

// Fd returns the descriptor of the file as it was opened when the event fired
func (r *ScanRequest) Fd() int {
	return r.fd.Fd()
}

// IsOpenEvent - request triggered by an open
func (r *ScanRequest) IsOpenEvent() bool {
	return r.ScanType == ScanOnOpen
}

// Close releases the file descriptor
func (r *ScanRequest) Close() error {
	return r.fd.Close()
}

func (r *ScanRequest) String() string {
	return fmt.Sprintf("ScanRequest(path=%s,type=%s,pid=%d,fd=%d)", r.Path, r.ScanType, r.Pid, r.Fd())
}

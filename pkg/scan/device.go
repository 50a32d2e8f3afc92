package scan

import (
	"golang.org/x/sys/unix"
)

// statfs f_type of remote and FUSE filesystems. Changes made behind the
// kernel's back do not clear ignore marks on those.
const (
	nfsSuperMagic    = 0x6969
	smbSuperMagic    = 0x517B
	cifsSuperMagic   = 0xFF534D42
	smb2SuperMagic   = 0xFE534D42
	fuseSuperMagic   = 0x65735546
	afsSuperMagic    = 0x5346414F
	v9fsSuperMagic   = 0x01021997
	cephSuperMagic   = 0x00C36400
	ncpSuperMagic    = 0x564C
	codaSuperMagic   = 0x73757245
	lustreSuperMagic = 0x0BD00BD0
)

var uncachableFileSystems = map[uint32]bool{
	nfsSuperMagic:    true,
	smbSuperMagic:    true,
	cifsSuperMagic:   true,
	smb2SuperMagic:   true,
	fuseSuperMagic:   true,
	afsSuperMagic:    true,
	v9fsSuperMagic:   true,
	cephSuperMagic:   true,
	ncpSuperMagic:    true,
	codaSuperMagic:   true,
	lustreSuperMagic: true,
}

// DeviceChecker tells whether a scanned file can be cached
type DeviceChecker interface {
	IsCachable(fd int) bool
}

// DeviceUtil checks the filesystem behind a descriptor with fstatfs
type DeviceUtil struct{}

// IsCachable returns false for network and FUSE filesystems. A failing
// fstatfs is treated as not cachable.
func (DeviceUtil) IsCachable(fd int) bool {
	var st unix.Statfs_t
	if err := unix.Fstatfs(fd, &st); err != nil {
		return false
	}
	return isCachableFsType(uint32(st.Type))
}

// isCachableFsType takes the magic truncated to 32 bits, f_type is a signed
// 32 bit field on some architectures
func isCachableFsType(magic uint32) bool {
	return !uncachableFileSystems[magic]
}

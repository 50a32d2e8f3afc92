package mount

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Gui774ume/onaccess/pkg/model"
	"github.com/Gui774ume/onaccess/pkg/utils"
)

// SystemPaths locates the kernel interfaces the monitor reads
type SystemPaths struct {
	// MountInfo is the mount table, polled for topology changes
	MountInfo string
	// SysFs is the sysfs mount point, used to detect removable devices
	SysFs string
}

// DefaultSystemPaths returns the paths of the running system
func DefaultSystemPaths() SystemPaths {
	return SystemPaths{
		MountInfo: utils.ProcSelfMountinfoPath,
		SysFs:     "/sys",
	}
}

var specialFileSystems = map[string]bool{
	"proc":        true,
	"sysfs":       true,
	"devpts":      true,
	"cgroup":      true,
	"cgroup2":     true,
	"securityfs":  true,
	"debugfs":     true,
	"tracefs":     true,
	"pstore":      true,
	"bpf":         true,
	"mqueue":      true,
	"hugetlbfs":   true,
	"configfs":    true,
	"fusectl":     true,
	"binfmt_misc": true,
	"nsfs":        true,
	"efivarfs":    true,
	"selinuxfs":   true,
	"rpc_pipefs":  true,
	"autofs":      true,
	"devtmpfs":    true,
}

var networkFileSystems = map[string]bool{
	"nfs":        true,
	"nfs4":       true,
	"cifs":       true,
	"smb3":       true,
	"smbfs":      true,
	"ncpfs":      true,
	"afs":        true,
	"coda":       true,
	"ceph":       true,
	"glusterfs":  true,
	"lustre":     true,
	"9p":         true,
	"davfs":      true,
	"fuse.sshfs": true,
}

var opticalFileSystems = map[string]bool{
	"iso9660": true,
	"udf":     true,
}

// DefaultExcludedFileSystems are never marked, whatever the device class
var DefaultExcludedFileSystems = []string{
	"squashfs",
	"ramfs",
	"fuse.lxcfs",
	"fuse.gvfsd-fuse",
	"fuse.portal",
}

// classifier turns mount table entries into MountPoints
type classifier struct {
	sysFs       string
	isDirectory func(path string) bool
}

func (c classifier) classify(mi utils.MountInfo) model.MountPoint {
	mp := model.MountPoint{
		Path:   mi.MountPoint,
		Device: mi.MountSource,
		FsType: mi.FsType,
	}
	mp.Special = specialFileSystems[mi.FsType] ||
		model.PathHasPrefix(mi.MountPoint, "/proc") ||
		model.PathHasPrefix(mi.MountPoint, "/sys")
	mp.Network = networkFileSystems[mi.FsType]
	mp.Optical = opticalFileSystems[mi.FsType] ||
		strings.HasPrefix(mi.MountSource, "/dev/sr") ||
		strings.HasPrefix(mi.MountSource, "/dev/cdrom")
	if !mp.Special && strings.HasPrefix(mi.MountSource, "/dev/") {
		mp.Removable = !mp.Optical && c.isRemovable(mi.MountSource)
		mp.HardDisc = !mp.Removable && !mp.Optical && !mp.Network
	}
	mp.Directory = c.isDirectory(mi.MountPoint)
	return mp
}

// isRemovable reads <sysfs>/class/block/<dev>/removable, falling back to the
// parent disk for partitions
func (c classifier) isRemovable(device string) bool {
	if resolved, err := filepath.EvalSymlinks(device); err == nil {
		device = resolved
	}
	name := filepath.Base(device)
	blockDir := filepath.Join(c.sysFs, "class", "block", name)

	candidates := []string{filepath.Join(blockDir, "removable")}
	if resolved, err := filepath.EvalSymlinks(blockDir); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(resolved), "removable"))
	}
	if parent := parentDisk(name); parent != name {
		candidates = append(candidates, filepath.Join(c.sysFs, "class", "block", parent, "removable"))
	}
	for _, candidate := range candidates {
		content, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		return strings.TrimSpace(string(content)) == "1"
	}
	return false
}

// parentDisk strips the partition suffix: sdb1 -> sdb, mmcblk0p1 -> mmcblk0
func parentDisk(name string) string {
	trimmed := strings.TrimRight(name, "0123456789")
	if trimmed == name || trimmed == "" {
		return name
	}
	if strings.HasSuffix(trimmed, "p") && len(trimmed) > 1 && isDigit(trimmed[len(trimmed)-2]) {
		return trimmed[:len(trimmed)-1]
	}
	return trimmed
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isDirectory(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

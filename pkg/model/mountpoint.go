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

import "fmt"

// MountPoint is a snapshot of one mount table entry along with its device class
type MountPoint struct {
	Path   string
	Device string
	FsType string

	HardDisc  bool
	Network   bool
	Removable bool
	Optical   bool
	Special   bool
	Directory bool
}

// IsHardDisc - local block device
func (m MountPoint) IsHardDisc() bool { return m.HardDisc }

// IsNetwork - remote file system
func (m MountPoint) IsNetwork() bool { return m.Network }

// IsRemovable - removable block device (usb sticks, sd cards)
func (m MountPoint) IsRemovable() bool { return m.Removable }

// IsOptical - cd/dvd media
func (m MountPoint) IsOptical() bool { return m.Optical }

// IsSpecial - pseudo file system (proc, sysfs, cgroup...)
func (m MountPoint) IsSpecial() bool { return m.Special }

// IsDirectory - the mount point is a directory (file bind mounts are not)
func (m MountPoint) IsDirectory() bool { return m.Directory }

func (m MountPoint) String() string {
	return fmt.Sprintf("%s (%s on %s)", m.Path, m.FsType, m.Device)
}

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
package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsesMountInfo(t *testing.T) {
	const content = `22 1 0:21 / /sys rw,nosuid,nodev,noexec,relatime shared:7 - sysfs sysfs rw
25 1 8:1 / / rw,relatime shared:1 - ext4 /dev/sda1 rw,errors=remount-ro
40 25 0:35 / /mnt/my\040share rw,relatime shared:20 - cifs //server/share rw,vers=3.0
41 25 8:17 /deleted /mnt/gone rw - ext4 /dev/sdb1 rw
`
	mounts, err := ReadMountInfoFromReader(strings.NewReader(content))
	require.NoError(t, err)
	require.Len(t, mounts, 3)

	require.Equal(t, MountInfo{
		MountID:      25,
		ParentID:     1,
		DeviceID:     "8:1",
		Root:         "/",
		MountPoint:   "/",
		MountOptions: []string{"rw", "relatime"},
		FsType:       "ext4",
		MountSource:  "/dev/sda1",
		SuperOptions: []string{"rw", "errors=remount-ro"},
	}, mounts[1])
	require.Equal(t, "/mnt/my share", mounts[2].MountPoint)
	require.Equal(t, "//server/share", mounts[2].MountSource)
}

func TestRejectsMalformedMountInfo(t *testing.T) {
	var testCases = []struct {
		comment string
		content string
	}{
		{
			comment: "too few fields",
			content: "25 1 8:1 / / rw - ext4\n",
		},
		{
			comment: "missing separator",
			content: "25 1 8:1 / / rw shared:1 master:2 ext4 /dev/sda1 rw\n",
		},
		{
			comment: "invalid mount id",
			content: "abc 1 8:1 / / rw shared:1 - ext4 /dev/sda1 rw\n",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.comment, func(t *testing.T) {
			_, err := ParseMountInfo([]byte(tc.content))
			require.Error(t, err)
		})
	}
}

func TestUnescapesMountPaths(t *testing.T) {
	require.Equal(t, "/plain", UnescapeMountPath("/plain"))
	require.Equal(t, "/a b\tc", UnescapeMountPath(`/a\040b\011c`))
	require.Equal(t, `/back\slash`, UnescapeMountPath(`/back\134slash`))
	require.Equal(t, `/trailing\04`, UnescapeMountPath(`/trailing\04`))
}

/*
Copyright © 2020 GUILLAUME FOURNIER
Copyright 2017 The Kubernetes Authors.

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
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// ProcSelfMountinfoPath is the mount table of the daemon's mount namespace
	ProcSelfMountinfoPath = "/proc/self/mountinfo"
	// How many times to retry for a consistent read of the mount table.
	maxListTries = 3
	// Minimum number of fields per line in /proc/self/mountinfo as per the proc man page.
	minNumProcSelfMntInfoFieldsPerLine = 10
)

// MountInfo represents a single line in /proc/self/mountinfo.
type MountInfo struct {
	MountID      int
	ParentID     int
	DeviceID     string
	Root         string
	MountPoint   string
	MountOptions []string
	FsType       string
	MountSource  string
	SuperOptions []string
}

// ReadMountInfo lists the mount points described by the mountinfo file at path.
// Ref: http://man7.org/linux/man-pages/man5/proc.5.html
func ReadMountInfo(path string) ([]MountInfo, error) {
	content, err := ConsistentRead(path, maxListTries)
	if err != nil {
		return nil, err
	}
	return ParseMountInfo(content)
}

// ReadMountInfoFromReader lists the mount points described by r.
func ReadMountInfoFromReader(r io.Reader) ([]MountInfo, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read mountinfo")
	}
	return ParseMountInfo(content)
}

// ConsistentRead repeatedly reads a file until it gets the same content twice.
// Files in /proc larger than a page may change between individual read() calls.
func ConsistentRead(filename string, attempts int) ([]byte, error) {
	oldContent, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", filename)
	}
	for i := 0; i < attempts; i++ {
		newContent, err := os.ReadFile(filename)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", filename)
		}
		if bytes.Equal(oldContent, newContent) {
			return newContent, nil
		}
		oldContent = newContent
	}
	return nil, errors.Errorf("could not get consistent content of %s after %d attempts", filename, attempts)
}

// ParseMountInfo parses the content of a mountinfo file
func ParseMountInfo(content []byte) ([]MountInfo, error) {
	out := make([]MountInfo, 0)
	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			continue
		}
		mi, skip, err := parseMountInfoLine(line)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		out = append(out, mi)
	}
	return out, nil
}

func parseMountInfoLine(line string) (mi MountInfo, skip bool, err error) {
	fields := strings.Fields(line)
	numFields := len(fields)
	if numFields < minNumProcSelfMntInfoFieldsPerLine {
		return mi, false, errors.Errorf("wrong number of fields (expected at least %d, got %d): %s",
			minNumProcSelfMntInfoFieldsPerLine, numFields, line)
	}
	// the optional fields end with a single hyphen, which leaves fsType,
	// mountSource and superOptions as the last three fields
	if fields[numFields-4] != "-" {
		return mi, false, errors.Errorf("malformed mountinfo (could not find separator): %s", line)
	}
	if strings.Contains(fields[3], "deleted") {
		return mi, true, nil
	}

	if mi.MountID, err = strconv.Atoi(fields[0]); err != nil {
		return mi, false, errors.Wrapf(err, "invalid mount id in %q", line)
	}
	if mi.ParentID, err = strconv.Atoi(fields[1]); err != nil {
		return mi, false, errors.Wrapf(err, "invalid parent id in %q", line)
	}
	mi.DeviceID = fields[2]
	mi.Root = UnescapeMountPath(fields[3])
	mi.MountPoint = UnescapeMountPath(fields[4])
	mi.MountOptions = strings.Split(fields[5], ",")
	mi.FsType = fields[numFields-3]
	mi.MountSource = UnescapeMountPath(fields[numFields-2])
	mi.SuperOptions = strings.Split(fields[numFields-1], ",")
	return mi, false, nil
}

// UnescapeMountPath decodes the octal escapes (\040, \011, \012, \134) the
// kernel uses for whitespace and backslashes in mount tables.
func UnescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			v, _ := strconv.ParseUint(s[i+1:i+4], 8, 16)
			b.WriteByte(byte(v))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}

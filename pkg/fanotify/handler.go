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
package fanotify

// Handler wraps the fanotify group used for on-access scanning. Errors are
// returned to callers, which decide whether they are fatal.
type Handler interface {
	// MarkMount registers a mount (or directory) for the events in mask
	MarkMount(flags uint, mask uint64, dirFd int, path string) error
	// UnmarkMount removes a mark previously set with MarkMount
	UnmarkMount(flags uint, mask uint64, dirFd int, path string) error
	// CacheFd marks the file behind fd as scanned clean until its next
	// modification, opens of a cached file are not reported
	CacheFd(flags uint, mask uint64, fd int, path string) error
	// UncacheFd drops the cache entry of the file behind fd
	UncacheFd(flags uint, mask uint64, fd int, path string) error
	// ClearCachedFiles drops every cache entry
	ClearCachedFiles() error
	// Fd is the descriptor to poll and read events from
	Fd() int
	Close() error
}

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
	"sync"
	"time"

	"github.com/DataDog/gopsutil/process"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultProcessCacheSize = 1024
	defaultProcessCacheTTL  = 5 * time.Second
)

// ProcessInfo - credentials and binary of the process that triggered an event
type ProcessInfo struct {
	Pid        int32
	UID        uint32
	Name       string
	Executable string
}

func (p ProcessInfo) String() string {
	return fmt.Sprintf("(%d,%d,%s)", p.Pid, p.UID, p.Executable)
}

// ProcessResolver resolves pids to ProcessInfo and caches the result for a
// short time, pids get recycled.
type ProcessResolver struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
	// lookup defaults to procfs through gopsutil
	lookup func(pid int32) (ProcessInfo, error)
}

type processCacheEntry struct {
	info       ProcessInfo
	resolvedAt time.Time
}

// NewProcessResolver - size <= 0 selects the default cache size
func NewProcessResolver(size int) (*ProcessResolver, error) {
	if size <= 0 {
		size = defaultProcessCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create process cache")
	}
	return &ProcessResolver{
		cache:  cache,
		ttl:    defaultProcessCacheTTL,
		now:    time.Now,
		lookup: lookupProcess,
	}, nil
}

// Resolve returns the cached entry for pid, or reads it from /proc
func (r *ProcessResolver) Resolve(pid int32) (ProcessInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache.Get(pid); ok {
		entry := v.(processCacheEntry)
		if r.now().Sub(entry.resolvedAt) < r.ttl {
			return entry.info, nil
		}
		r.cache.Remove(pid)
	}
	info, err := r.lookup(pid)
	if err != nil {
		logrus.WithError(err).WithField("pid", pid).Debug("Unable to resolve process info.")
		return ProcessInfo{Pid: pid}, err
	}
	r.cache.Add(pid, processCacheEntry{info: info, resolvedAt: r.now()})
	return info, nil
}

func lookupProcess(pid int32) (ProcessInfo, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ProcessInfo{}, errors.Wrapf(err, "no such process %d", pid)
	}
	info := ProcessInfo{Pid: pid}
	uids, err := p.Uids()
	if err != nil {
		return ProcessInfo{}, errors.Wrapf(err, "failed to read credentials of %d", pid)
	}
	if len(uids) > 0 {
		// real uid
		info.UID = uint32(uids[0])
	}
	// kernel threads and exited processes have no executable
	info.Executable, _ = p.Exe()
	info.Name, _ = p.Name()
	return info, nil
}

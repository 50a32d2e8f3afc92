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
package queue

import (
	"sync"

	"github.com/Gui774ume/onaccess/pkg/model"
)

// DefaultCapacity is used when New is given a non positive capacity
const DefaultCapacity = 1000

// Queue is a bounded FIFO of scan requests shared by the event reader and the
// scan handlers. Emplace never blocks: a request that does not fit is rejected
// and stays owned by the caller.
type Queue struct {
	items chan *model.ScanRequest
	done  chan struct{}

	mu      sync.RWMutex
	stopped bool
}

// New returns an empty queue holding at most capacity requests
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		items: make(chan *model.ScanRequest, capacity),
		done:  make(chan struct{}),
	}
}

// Emplace appends req. It returns false when the queue is full or stopped.
func (q *Queue) Emplace(req *model.ScanRequest) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return false
	}
	select {
	case q.items <- req:
		return true
	default:
		return false
	}
}

// Pop blocks until a request is available or the queue is stopped. The
// caller owns the returned request.
func (q *Queue) Pop() (*model.ScanRequest, bool) {
	select {
	case <-q.done:
		return nil, false
	default:
	}
	select {
	case req := <-q.items:
		select {
		case <-q.done:
			// lost the race with Stop, the request is never handed out
			req.Close()
			return nil, false
		default:
			return req, true
		}
	case <-q.done:
		return nil, false
	}
}

// Stop wakes up every blocked Pop and closes the descriptors of the requests
// still queued. Stop can be called more than once.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.done)
	q.mu.Unlock()

	for {
		select {
		case req := <-q.items:
			req.Close()
		default:
			return
		}
	}
}

// Stopped reports whether Stop was called
func (q *Queue) Stopped() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stopped
}

// Size returns the number of queued requests
func (q *Queue) Size() int {
	return len(q.items)
}

// Capacity returns the maximum number of queued requests
func (q *Queue) Capacity() int {
	return cap(q.items)
}

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
package telemetry

import (
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultCounterLimit is the value past which counters stop increasing
const DefaultCounterLimit = math.MaxUint64 - 1

// Telemetry - percentages contributed to the on-access telemetry report
type Telemetry struct {
	PercentageEventsDropped float64 `json:"percentage-events-dropped"`
	PercentageScanErrors    float64 `json:"percentage-scan-errors"`
}

// CountersOptions configures Counters
type CountersOptions struct {
	// Limit defaults to DefaultCounterLimit
	Limit   uint64
	Logger  logrus.FieldLogger
	Metrics *Metrics
}

// Counters are the lock-free on-access counters. GetTelemetry reads and
// clears them.
type Counters struct {
	eventsReceived atomic.Uint64
	eventsDropped  atomic.Uint64
	scansRequested atomic.Uint64
	scanErrors     atomic.Uint64

	eventsAtLimit atomic.Bool
	scansAtLimit  atomic.Bool

	limit   uint64
	logger  logrus.FieldLogger
	metrics *Metrics
}

// NewCounters returns zeroed counters
func NewCounters(opts CountersOptions) *Counters {
	c := &Counters{
		limit:   opts.Limit,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if c.limit == 0 {
		c.limit = DefaultCounterLimit
	}
	if c.logger == nil {
		c.logger = logrus.WithField("component", "telemetry")
	}
	return c
}

// IncrementEventReceived counts an event coming from fanotify, and whether it
// was dropped before reaching a scan handler
func (c *Counters) IncrementEventReceived(dropped bool) {
	c.metrics.eventReceived(dropped)
	if !incrementBelow(&c.eventsReceived, c.limit) {
		if c.eventsAtLimit.CompareAndSwap(false, true) {
			c.logger.Warn("Event counters reached their limit, on-access event telemetry is frozen until the next report")
		}
		return
	}
	if dropped {
		c.eventsDropped.Add(1)
	}
}

// IncrementFilesScanned counts a finished scan request, and whether it ended
// in error
func (c *Counters) IncrementFilesScanned(isError bool) {
	c.metrics.fileScanned(isError)
	if !incrementBelow(&c.scansRequested, c.limit) {
		if c.scansAtLimit.CompareAndSwap(false, true) {
			c.logger.Warn("Scan counters reached their limit, on-access scan telemetry is frozen until the next report")
		}
		return
	}
	if isError {
		c.scanErrors.Add(1)
	}
}

// GetTelemetry computes the percentages and resets every counter and latch
func (c *Counters) GetTelemetry() Telemetry {
	received := c.eventsReceived.Swap(0)
	dropped := c.eventsDropped.Swap(0)
	requested := c.scansRequested.Swap(0)
	errored := c.scanErrors.Swap(0)
	c.eventsAtLimit.Store(false)
	c.scansAtLimit.Store(false)

	return Telemetry{
		PercentageEventsDropped: percentage(dropped, received),
		PercentageScanErrors:    percentage(errored, requested),
	}
}

// incrementBelow adds one to v unless it already reached limit
func incrementBelow(v *atomic.Uint64, limit uint64) bool {
	for {
		current := v.Load()
		if current >= limit {
			return false
		}
		if v.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func percentage(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	// a concurrent increment can land between the two swaps
	if part > total {
		return 100
	}
	return float64(part) / float64(total) * 100
}

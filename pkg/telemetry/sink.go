package telemetry

import (
	"encoding/json"
	"sort"
	"sync"
)

// Telemetry keys set by the on-access components
const (
	KeyFileSystems      = "on-access-filesystems"
	KeyEventsDropped    = "percentage-events-dropped"
	KeyScanErrors       = "percentage-scan-errors"
	KeyMarkedMountCount = "on-access-marked-mounts"
)

// Sink receives telemetry fields. Components get one injected at construction.
type Sink interface {
	Set(key string, value interface{})
	SetStrings(key string, values []string)
}

// Helper is an in-memory Sink that can be serialized as a JSON object
type Helper struct {
	mu     sync.Mutex
	fields map[string]interface{}
}

// NewHelper returns an empty Helper
func NewHelper() *Helper {
	return &Helper{fields: make(map[string]interface{})}
}

// Set stores value under key
func (h *Helper) Set(key string, value interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fields[key] = value
}

// SetStrings stores a sorted copy of values under key
func (h *Helper) SetStrings(key string, values []string) {
	cp := append([]string(nil), values...)
	sort.Strings(cp)
	h.Set(key, cp)
}

// Get returns the value stored under key
func (h *Helper) Get(key string) (interface{}, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.fields[key]
	return v, ok
}

// AddTelemetry merges the counter percentages into the helper
func (h *Helper) AddTelemetry(t Telemetry) {
	h.Set(KeyEventsDropped, t.PercentageEventsDropped)
	h.Set(KeyScanErrors, t.PercentageScanErrors)
}

// MarshalJSON implements json.Marshaler
func (h *Helper) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return json.Marshal(h.fields)
}

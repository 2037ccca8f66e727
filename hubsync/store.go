package hubsync

import (
	"sort"
	"sync"
	"time"
)

// patch names the fields a write sets. Nil fields are left untouched.
type patch struct {
	Name        *string
	Consumption *float64
	Status      *Status
	LastUpdated *time.Time
}

func (p patch) apply(t Telemetry) Telemetry {
	if p.Name != nil {
		t.DeviceName = *p.Name
	}
	if p.Consumption != nil {
		t.Consumption = clampConsumption(*p.Consumption)
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.LastUpdated != nil {
		t.LastUpdated = *p.LastUpdated
	}
	return t
}

type batchEntry struct {
	device Device
	patch  patch
	// resetOffline clears a placeholder offline status once the device answers again.
	resetOffline bool
	failed       bool
}

// Store holds the last known telemetry per device id. It is written by the
// poller, the push feeds and the manual update accessor only.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Telemetry
	closed  bool
}

func NewStore() *Store {
	return &Store{entries: make(map[string]Telemetry)}
}

func (s *Store) Get(id string) (Telemetry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.entries[id]
	return t, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns all entries sorted by device id.
func (s *Store) Snapshot() []Telemetry {
	s.mu.RLock()
	out := make([]Telemetry, 0, len(s.entries))
	for _, t := range s.entries {
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// merge applies p to the entry for device, creating it if absent.
func (s *Store) merge(device Device, p patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.entries[device.ID] = p.apply(s.current(device))
	return true
}

// update applies p only if the entry already exists.
func (s *Store) update(id string, p patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	t, ok := s.entries[id]
	if !ok {
		return false
	}
	s.entries[id] = p.apply(t)
	return true
}

// mergeBatch applies a whole poll pass under a single lock.
func (s *Store) mergeBatch(batch []batchEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for _, e := range batch {
		t := s.current(e.device)
		if e.resetOffline && t.Status == StatusOffline {
			t.Status = StatusUnknown
		}
		s.entries[e.device.ID] = e.patch.apply(t)
	}
	return true
}

// close makes every later write a no-op.
func (s *Store) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// current must be called with mu held.
func (s *Store) current(device Device) Telemetry {
	if t, ok := s.entries[device.ID]; ok {
		return t
	}
	return newTelemetry(device)
}

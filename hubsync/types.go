package hubsync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ISE-TU-Berlin/hubsync/reqcache"
)

type Status string

const (
	StatusOn      Status = "on"
	StatusOff     Status = "off"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// Device is a tracked device id together with the kind resolved when it
// was registered.
type Device struct {
	ID   string     `json:"id" yaml:"id"`
	Kind DeviceKind `json:"kind" yaml:"-"`
}

func NewDevice(id string) Device {
	return Device{ID: id, Kind: ClassifyDevice(id)}
}

// Telemetry is the last known energy state of a single device.
type Telemetry struct {
	DeviceID    string     `json:"deviceId"`
	DeviceName  string     `json:"deviceName"`
	Kind        DeviceKind `json:"kind"`
	Consumption float64    `json:"consumption"`
	LastUpdated time.Time  `json:"lastUpdated"`
	Status      Status     `json:"status"`
}

func newTelemetry(device Device) Telemetry {
	return Telemetry{
		DeviceID:   device.ID,
		DeviceName: device.ID,
		Kind:       device.Kind,
		Status:     StatusUnknown,
	}
}

// DeviceRecord is an entry of the backend's /devices list.
type DeviceRecord struct {
	ID     FlexString `json:"id"`
	Name   string     `json:"name"`
	Status string     `json:"status"`
}

// FeedReading is the body returned by /adafruit/data/{feed}.
type FeedReading struct {
	Value     FlexFloat `json:"value"`
	CreatedAt string    `json:"created_at"`
}

type DeviceSet struct {
	mu      sync.RWMutex
	Devices []Device
}

func (ds *DeviceSet) append(device Device) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for _, d := range ds.Devices {
		if d.ID == device.ID {
			// already exists
			return false
		}
	}
	ds.Devices = append(ds.Devices, device)
	return true
}

func (ds *DeviceSet) replace(devices []Device) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.Devices = dedupeDevices(devices)
}

func (ds *DeviceSet) len() int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return len(ds.Devices)
}

// getAll returns a copy so callers can range over it without holding the lock.
func (ds *DeviceSet) getAll() []Device {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	out := make([]Device, len(ds.Devices))
	copy(out, ds.Devices)
	return out
}

func dedupeDevices(devices []Device) []Device {
	seen := make(map[string]struct{}, len(devices))
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.ID == "" {
			continue
		}
		if _, ok := seen[d.ID]; ok {
			continue
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	return out
}

type HubSync struct {
	PollInterval time.Duration
	ListenAddr   string

	// internal fields (set by constructor)
	api      FeedAPI
	devices  DeviceSet
	store    *Store
	poller   *Poller
	listener *Listener
	mqtt     *MQTTSource
	metrics  *Metrics
	registry *prometheus.Registry
	now      func() time.Time
	ticks    func(time.Duration) (<-chan time.Time, func())

	enrichment *reqcache.Cache[[]DeviceRecord]

	passMu  sync.Mutex
	errMu   sync.RWMutex
	pollErr error

	// ctx is the root of every pass and push feed; Stop cancels it.
	ctx      context.Context
	cancel   context.CancelFunc
	lifeMu   sync.Mutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once

	srv *http.Server
}

// DeviceCount returns the number of tracked devices
func (hs *HubSync) DeviceCount() int {
	return hs.devices.len()
}

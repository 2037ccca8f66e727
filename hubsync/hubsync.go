package hubsync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/ISE-TU-Berlin/hubsync/reqcache"
)

// Options carries the collaborators of a HubSync. Nil fields get
// production defaults.
type Options struct {
	API     FeedAPI
	Dialer  Dialer
	PushURL string

	Registry *prometheus.Registry
	Now      func() time.Time
	// After schedules push reconnect attempts.
	After func(time.Duration) <-chan time.Time
	// Ticks drives the poll schedule.
	Ticks func(time.Duration) (<-chan time.Time, func())
}

func NewHubSync(cnf Config, opts Options) *HubSync {
	cnf.FillDefaults()

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ticks := opts.Ticks
	if ticks == nil {
		ticks = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}

	metrics := NewMetrics(reg)
	store := NewStore()
	reg.MustRegister(storeCollector{store: store})

	requestTimeout := cnf.RequestTimeout
	enrichment := reqcache.New[[]DeviceRecord](
		reqcache.WithClock(now),
		reqcache.WithRetry(*cnf.EnrichmentRetries, func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = requestTimeout
			return b
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	hs := &HubSync{
		ctx:          ctx,
		cancel:       cancel,
		PollInterval: cnf.PollInterval,
		ListenAddr:   cnf.ListenAddr,
		api:          opts.API,
		store:        store,
		metrics:      metrics,
		registry:     reg,
		now:          now,
		ticks:        ticks,
		enrichment:   enrichment,
	}

	hs.poller = NewPoller(opts.API, store, metrics, enrichment, cnf.RequestTimeout, cnf.EnrichmentTTL)
	hs.poller.now = now

	r := &router{
		store:   store,
		devices: hs.devices.getAll,
		metrics: metrics,
		now:     now,
	}

	if opts.Dialer != nil && opts.PushURL != "" {
		hs.listener = NewListener(opts.PushURL, opts.Dialer, r, metrics, *cnf.MaxReconnectAttempts)
		if opts.After != nil {
			hs.listener.after = opts.After
		}
	}

	if cnf.MQTT.Broker != "" {
		hs.mqtt = NewMQTTSource(cnf.MQTT, r)
	}

	hs.SetDevices(cnf.Devices)
	return hs
}

// StartSync opens the push feeds, runs the first poll pass and schedules
// the following ones. It returns after the first pass has been merged.
// After Stop it does nothing.
func (hs *HubSync) StartSync() {
	if hs.ctx.Err() != nil {
		return
	}

	if hs.listener != nil {
		hs.spawn(func(ctx context.Context) {
			if err := hs.listener.Run(ctx); err != nil {
				log.Errorf("Push feed stopped, continuing with polling only: %v", err)
			}
		})
	}

	hs.connectMQTT()

	if devices := hs.devices.getAll(); len(devices) > 0 {
		if err := hs.runPass(hs.ctx, devices); err != nil {
			log.Warnf("Initial poll pass incomplete: %v", err)
		}
	}

	hs.spawn(func(ctx context.Context) {
		ticks, stop := hs.ticks(hs.PollInterval)
		defer stop()
		hs.pollLoop(ctx, ticks)
	})
}

// spawn runs fn on the root context unless Stop has begun.
func (hs *HubSync) spawn(fn func(ctx context.Context)) bool {
	hs.lifeMu.Lock()
	defer hs.lifeMu.Unlock()
	if hs.stopped {
		return false
	}
	hs.wg.Add(1)
	go func() {
		defer hs.wg.Done()
		fn(hs.ctx)
	}()
	return true
}

func (hs *HubSync) connectMQTT() {
	if hs.mqtt == nil {
		return
	}
	hs.lifeMu.Lock()
	defer hs.lifeMu.Unlock()
	if hs.stopped {
		return
	}
	if err := hs.mqtt.Connect(); err != nil {
		log.Errorf("MQTT feed unavailable: %v", err)
	}
}

// Stop cancels polling and the push feeds. No writes reach the store
// after Stop, even from requests that were already in flight.
func (hs *HubSync) Stop() {
	hs.stopOnce.Do(func() {
		hs.lifeMu.Lock()
		hs.stopped = true
		hs.lifeMu.Unlock()

		hs.store.close()
		hs.cancel()
		hs.wg.Wait()
		if hs.mqtt != nil {
			hs.mqtt.Disconnect()
		}
		if hs.srv != nil {
			hs.srv.Shutdown(context.Background())
		}
	})
}

// Get returns the telemetry of a device.
func (hs *HubSync) Get(id string) (Telemetry, bool) {
	return hs.store.Get(id)
}

func (hs *HubSync) Snapshot() []Telemetry {
	return hs.store.Snapshot()
}

// Update overrides the consumption of a known device. Unknown ids are
// ignored and false is returned.
func (hs *HubSync) Update(id string, consumption float64) bool {
	now := hs.now()
	return hs.store.update(id, patch{Consumption: &consumption, LastUpdated: &now})
}

// Refresh runs a poll pass outside the schedule and returns once it has
// been merged. The returned error is the pass's aggregate error, if any.
// A caller giving up does not abort the pass; only Stop does.
func (hs *HubSync) Refresh(ctx context.Context) error {
	passCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	release := context.AfterFunc(hs.ctx, cancel)
	defer release()

	hs.enrichment.Invalidate(devicesCacheKey)
	return hs.runPass(passCtx, hs.devices.getAll())
}

func (hs *HubSync) Devices() []Device {
	return hs.devices.getAll()
}

// AddDevice starts tracking id from the next poll pass on.
func (hs *HubSync) AddDevice(id string) bool {
	if id == "" {
		log.Warn("Ignoring device with empty id")
		return false
	}
	return hs.devices.append(NewDevice(id))
}

func (hs *HubSync) SetDevices(ids []string) {
	devices := make([]Device, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, NewDevice(id))
	}
	hs.devices.replace(devices)
}

func (hs *HubSync) PollError() error {
	hs.errMu.RLock()
	defer hs.errMu.RUnlock()
	return hs.pollErr
}

func (hs *HubSync) Connected() bool {
	return hs.listener != nil && hs.listener.Connected()
}

func (hs *HubSync) PushError() error {
	if hs.listener == nil {
		return nil
	}
	return hs.listener.LastError()
}

func (hs *HubSync) PushState() ConnState {
	if hs.listener == nil {
		return StateDisconnected
	}
	return hs.listener.State()
}

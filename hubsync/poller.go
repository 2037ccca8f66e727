package hubsync

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ISE-TU-Berlin/hubsync/reqcache"
)

const devicesCacheKey = "devices"

// Poller runs poll passes: one feed request per device plus one device
// list request, joined and written to the store as a single batch.
type Poller struct {
	api     FeedAPI
	store   *Store
	metrics *Metrics
	cache   *reqcache.Cache[[]DeviceRecord]

	timeout       time.Duration
	enrichmentTTL time.Duration
	now           func() time.Time
}

type deviceResult struct {
	reading FeedReading
	err     error
}

func NewPoller(api FeedAPI, store *Store, metrics *Metrics, cache *reqcache.Cache[[]DeviceRecord], timeout, enrichmentTTL time.Duration) *Poller {
	if cache == nil {
		cache = reqcache.New[[]DeviceRecord]()
	}
	return &Poller{
		api:           api,
		store:         store,
		metrics:       metrics,
		cache:         cache,
		timeout:       timeout,
		enrichmentTTL: enrichmentTTL,
		now:           time.Now,
	}
}

// Pass refreshes every device in devices. It returns a *PassError if any
// device or the device list could not be fetched, nil otherwise. An empty
// device set does nothing. If ctx is done before the results are merged,
// nothing is written and ctx.Err() is returned.
func (p *Poller) Pass(ctx context.Context, devices []Device) error {
	devices = dedupeDevices(devices)
	if len(devices) == 0 {
		return nil
	}

	logger := log.WithField("pass", uuid.NewString())
	logger.Debugf("Polling %d devices", len(devices))

	results := make([]deviceResult, len(devices))
	var records []DeviceRecord
	var enrichmentErr error

	var g errgroup.Group
	for i, device := range devices {
		g.Go(func() error {
			reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			reading, err := p.api.Feed(reqCtx, device.Kind.Feed())
			results[i] = deviceResult{reading: reading, err: err}
			return nil
		})
	}
	g.Go(func() error {
		records, enrichmentErr = p.cache.Get(ctx, devicesCacheKey, p.enrichmentTTL, func(ctx context.Context) ([]DeviceRecord, error) {
			reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			return p.api.Devices(reqCtx)
		})
		return nil
	})
	g.Wait()

	// A pass whose caller went away reports nothing about the devices.
	if err := ctx.Err(); err != nil {
		logger.Debugf("Discarding abandoned poll pass: %v", err)
		return err
	}

	now := p.now()
	passErr := &PassError{}
	batch := make([]batchEntry, 0, len(devices))
	for i, device := range devices {
		res := results[i]
		if res.err != nil {
			failure := newDeviceFailure(device, res.err)
			passErr.Failures = append(passErr.Failures, failure)
			p.metrics.PollFailures.WithLabelValues(failure.Kind.String()).Inc()
			logger.WithFields(log.Fields{"device": device.ID, "feed": failure.Feed}).Warnf("Poll failed: %v", failure)
			batch = append(batch, batchEntry{device: device, patch: offlinePatch(now), failed: true})
			continue
		}

		consumption := float64(res.reading.Value)
		updated := parseTimestamp(res.reading.CreatedAt, now)
		batch = append(batch, batchEntry{
			device:       device,
			patch:        patch{Consumption: &consumption, LastUpdated: &updated},
			resetOffline: true,
		})
	}

	if enrichmentErr != nil {
		passErr.Enrichment = enrichmentErr
		p.metrics.PollFailures.WithLabelValues("enrichment").Inc()
		logger.Warnf("Device list unavailable, keeping previous names: %v", enrichmentErr)
	} else {
		batch = enrich(batch, records)
	}

	if !p.store.mergeBatch(batch) {
		logger.Debug("Store closed, discarding poll pass")
	}
	p.metrics.PollPasses.Inc()

	if passErr.empty() {
		return nil
	}
	return passErr
}

// enrich overwrites name and status from the authoritative device list
// for every id present in both. Devices that failed this pass keep their
// offline placeholder status.
func enrich(batch []batchEntry, records []DeviceRecord) []batchEntry {
	byID := make(map[string]DeviceRecord, len(records))
	for _, r := range records {
		byID[string(r.ID)] = r
	}
	for i, e := range batch {
		r, ok := byID[e.device.ID]
		if !ok {
			continue
		}
		if r.Name != "" {
			name := r.Name
			batch[i].patch.Name = &name
		}
		if e.failed {
			continue
		}
		status := normalizeStatus(r.Status)
		batch[i].patch.Status = &status
	}
	return batch
}

func offlinePatch(now time.Time) patch {
	zero := 0.0
	status := StatusOffline
	return patch{Consumption: &zero, Status: &status, LastUpdated: &now}
}

func parseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallback
	}
	return t
}

// pollLoop runs a pass every interval until ctx is done. The device set
// is read fresh on every tick.
func (hs *HubSync) pollLoop(ctx context.Context, ticker <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker:
			devices := hs.devices.getAll()
			if len(devices) == 0 {
				continue
			}
			hs.runPass(ctx, devices)
		}
	}
}

func (hs *HubSync) runPass(ctx context.Context, devices []Device) error {
	hs.passMu.Lock()
	defer hs.passMu.Unlock()

	err := hs.poller.Pass(ctx, devices)
	if ctx.Err() != nil {
		return err
	}
	hs.errMu.Lock()
	hs.pollErr = err
	hs.errMu.Unlock()
	return err
}

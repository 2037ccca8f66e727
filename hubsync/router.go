package hubsync

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

type pushMessage struct {
	Feed  string     `json:"feed"`
	Value FlexString `json:"value"`
}

// router applies push messages from any push source to the store.
type router struct {
	store   *Store
	devices func() []Device
	metrics *Metrics
	now     func() time.Time
}

// handleFrame decodes a text frame and routes it. Malformed frames are
// logged and dropped.
func (r *router) handleFrame(data []byte) bool {
	var msg pushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debugf("Ignoring malformed push frame: %v", err)
		r.metrics.PushMessages.WithLabelValues("ignored").Inc()
		return false
	}
	return r.route(msg)
}

func (r *router) route(msg pushMessage) bool {
	if isStatusFeed(msg.Feed) {
		return r.routeStatus(msg)
	}
	return r.routeTelemetry(msg)
}

func (r *router) routeTelemetry(msg pushMessage) bool {
	kind, ok := ClassifyFeed(msg.Feed)
	if !ok {
		log.WithField("feed", msg.Feed).Debug("Ignoring push message for unmapped feed")
		r.metrics.PushMessages.WithLabelValues("ignored").Inc()
		return false
	}

	consumption := parseConsumption(string(msg.Value))
	now := r.now()
	written := false
	for _, device := range r.devices() {
		if device.Kind != kind {
			continue
		}
		if r.store.merge(device, patch{Consumption: &consumption, LastUpdated: &now}) {
			written = true
		}
	}

	if written {
		r.metrics.PushMessages.WithLabelValues("telemetry").Inc()
	} else {
		r.metrics.PushMessages.WithLabelValues("ignored").Inc()
	}
	return written
}

func (r *router) routeStatus(msg pushMessage) bool {
	label, word, found := strings.Cut(string(msg.Value), ":")
	if !found {
		log.WithField("feed", msg.Feed).Debugf("Ignoring status message without separator: %q", msg.Value)
		r.metrics.PushMessages.WithLabelValues("ignored").Inc()
		return false
	}
	status, ok := parseStatusWord(word)
	if !ok {
		log.WithField("feed", msg.Feed).Debugf("Ignoring unknown status %q", word)
		r.metrics.PushMessages.WithLabelValues("ignored").Inc()
		return false
	}
	device, ok := matchDevice(label, r.devices())
	if !ok {
		log.WithField("feed", msg.Feed).Debugf("No device matches label %q", label)
		r.metrics.PushMessages.WithLabelValues("ignored").Inc()
		return false
	}

	now := r.now()
	if !r.store.merge(device, patch{Status: &status, LastUpdated: &now}) {
		return false
	}
	r.metrics.PushMessages.WithLabelValues("status").Inc()
	return true
}

// matchDevice finds the device a free-form label refers to. An id equal to
// the label (ignoring case) wins; otherwise the lexicographically first id
// containing the label is used.
func matchDevice(label string, devices []Device) (Device, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return Device{}, false
	}

	var candidates []Device
	for _, d := range devices {
		id := strings.ToLower(d.ID)
		if id == label {
			return d, true
		}
		if strings.Contains(id, label) {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return Device{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates[0], true
}

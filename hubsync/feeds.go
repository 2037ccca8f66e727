package hubsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type DeviceKind int

const (
	KindOther DeviceKind = iota
	KindLight
	KindFan
)

const (
	FeedLight  = "powerlight"
	FeedFan    = "powerfan"
	FeedEnergy = "energy"

	// statusFeedMarker identifies push messages of the form "label:status".
	statusFeedMarker = "chat"
)

func (k DeviceKind) String() string {
	switch k {
	case KindLight:
		return "light"
	case KindFan:
		return "fan"
	default:
		return "other"
	}
}

// Feed returns the name of the remote feed carrying readings for this kind.
func (k DeviceKind) Feed() string {
	switch k {
	case KindLight:
		return FeedLight
	case KindFan:
		return FeedFan
	default:
		return FeedEnergy
	}
}

func (k DeviceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *DeviceKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "light":
		*k = KindLight
	case "fan":
		*k = KindFan
	case "other", "":
		*k = KindOther
	default:
		return fmt.Errorf("unknown device kind %q", text)
	}
	return nil
}

// ClassifyDevice resolves the kind of a device from its id. "light" is
// checked before "fan", so "fan-light-hybrid" is a light.
func ClassifyDevice(id string) DeviceKind {
	lower := strings.ToLower(id)
	switch {
	case strings.Contains(lower, "light"):
		return KindLight
	case strings.Contains(lower, "fan"):
		return KindFan
	default:
		return KindOther
	}
}

// ClassifyFeed maps a push feed name to the kind of device it carries.
// Feeds that match none of the known kinds are not routed.
func ClassifyFeed(feed string) (DeviceKind, bool) {
	lower := strings.ToLower(feed)
	switch {
	case strings.Contains(lower, "light"):
		return KindLight, true
	case strings.Contains(lower, "fan"):
		return KindFan, true
	case strings.Contains(lower, FeedEnergy):
		return KindOther, true
	default:
		return KindOther, false
	}
}

func isStatusFeed(feed string) bool {
	return strings.Contains(strings.ToLower(feed), statusFeedMarker)
}

// parseStatusWord maps the status part of a "label:status" message.
func parseStatusWord(word string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(word)) {
	case "on", "1", "true":
		return StatusOn, true
	case "off", "0", "false":
		return StatusOff, true
	case "offline":
		return StatusOffline, true
	default:
		return "", false
	}
}

// normalizeStatus maps a status from the backend's device list; anything
// unrecognised becomes unknown.
func normalizeStatus(s string) Status {
	if st, ok := parseStatusWord(s); ok {
		return st
	}
	return StatusUnknown
}

// FlexFloat decodes a JSON number or a numeric string. Values that do not
// parse decode to 0.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexFloat(parseConsumption(s))
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		*f = 0
		return nil
	}
	*f = FlexFloat(clampConsumption(n))
	return nil
}

// FlexString decodes a JSON string, or keeps the raw text of any other value.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FlexString(str)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	*s = FlexString(data)
	return nil
}

func parseConsumption(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return clampConsumption(v)
}

func clampConsumption(v float64) float64 {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

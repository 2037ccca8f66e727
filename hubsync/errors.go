package hubsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	Path string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.Path, e.Code)
}

type FailureKind int

const (
	FailureNoResponse FailureKind = iota
	FailureTimeout
	FailureServer
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureServer:
		return "server_error"
	default:
		return "no_response"
	}
}

func classifyFailure(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return FailureServer
	}
	return FailureNoResponse
}

// DeviceFailure records why a single device could not be refreshed.
type DeviceFailure struct {
	DeviceID string
	Feed     string
	Kind     FailureKind
	Err      error
}

func newDeviceFailure(device Device, err error) *DeviceFailure {
	return &DeviceFailure{
		DeviceID: device.ID,
		Feed:     device.Kind.Feed(),
		Kind:     classifyFailure(err),
		Err:      err,
	}
}

func (f *DeviceFailure) Error() string {
	switch f.Kind {
	case FailureTimeout:
		return fmt.Sprintf("%s: request timed out", f.DeviceID)
	case FailureServer:
		var statusErr *StatusError
		if errors.As(f.Err, &statusErr) {
			return fmt.Sprintf("%s: server error (HTTP %d)", f.DeviceID, statusErr.Code)
		}
		return fmt.Sprintf("%s: server error", f.DeviceID)
	default:
		return fmt.Sprintf("%s: no response from server (%v)", f.DeviceID, f.Err)
	}
}

func (f *DeviceFailure) Unwrap() error {
	return f.Err
}

// PassError aggregates everything that went wrong in one poll pass.
type PassError struct {
	Failures   []*DeviceFailure
	Enrichment error
}

func (e *PassError) Error() string {
	var parts []string
	if len(e.Failures) > 0 {
		msgs := make([]string, 0, len(e.Failures))
		for _, f := range e.Failures {
			msgs = append(msgs, f.Error())
		}
		parts = append(parts, fmt.Sprintf("failed to refresh %d device(s): %s", len(e.Failures), strings.Join(msgs, "; ")))
	}
	if e.Enrichment != nil {
		parts = append(parts, fmt.Sprintf("device list unavailable: %v", e.Enrichment))
	}
	return strings.Join(parts, "; ")
}

// FailedDevices returns the ids of the devices that could not be refreshed.
func (e *PassError) FailedDevices() []string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.DeviceID)
	}
	return ids
}

func (e *PassError) empty() bool {
	return len(e.Failures) == 0 && e.Enrichment == nil
}

package hubsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serve(hs *HubSync, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	hs.Router().ServeHTTP(rec, req)
	return rec
}

func newServedHubSync(t *testing.T) (*HubSync, *fakeAPI) {
	t.Helper()
	api := newFakeAPI()
	api.setFeed(FeedLight, 10, testCreatedAt)
	api.setFeed(FeedFan, 20, testCreatedAt)
	hs := newTestHubSync(api, newManualTicker(), "light-1", "fan-1")
	hs.StartSync()
	t.Cleanup(hs.Stop)
	return hs, api
}

func TestHealthCheck(t *testing.T) {
	hs, _ := newServedHubSync(t)
	rec := serve(hs, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestDeviceListAndGet(t *testing.T) {
	hs, _ := newServedHubSync(t)

	rec := serve(hs, http.MethodGet, "/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []Telemetry
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 || list[0].DeviceID != "fan-1" || list[1].DeviceID != "light-1" {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[0].Kind != KindFan {
		t.Fatalf("expected kind to round-trip, got %v", list[0].Kind)
	}

	rec = serve(hs, http.MethodGet, "/devices/light-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var one Telemetry
	if err := json.Unmarshal(rec.Body.Bytes(), &one); err != nil {
		t.Fatalf("decode device: %v", err)
	}
	if one.Consumption != 10 {
		t.Fatalf("expected consumption 10, got %v", one.Consumption)
	}

	rec = serve(hs, http.MethodGet, "/devices/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAddDeviceHandler(t *testing.T) {
	hs, _ := newServedHubSync(t)

	if rec := serve(hs, http.MethodPost, "/devices", `{"id":"ac-1"}`); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec := serve(hs, http.MethodPost, "/devices", `{"id":"ac-1"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}
	if rec := serve(hs, http.MethodPost, "/devices", `{"id":""}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty id, got %d", rec.Code)
	}
	if rec := serve(hs, http.MethodPost, "/devices", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec.Code)
	}
	if hs.DeviceCount() != 3 {
		t.Fatalf("expected 3 tracked devices, got %d", hs.DeviceCount())
	}
}

func TestUpdateConsumptionHandler(t *testing.T) {
	hs, _ := newServedHubSync(t)

	rec := serve(hs, http.MethodPut, "/devices/fan-1/consumption", `{"consumption":42}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got Telemetry
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Consumption != 42 {
		t.Fatalf("expected 42, got %v", got.Consumption)
	}

	if rec := serve(hs, http.MethodPut, "/devices/ghost/consumption", `{"consumption":1}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := serve(hs, http.MethodPut, "/devices/fan-1/consumption", `{"consumption":-1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative value, got %d", rec.Code)
	}
	if rec := serve(hs, http.MethodPut, "/devices/fan-1/consumption", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing value, got %d", rec.Code)
	}
}

func TestRefreshAndStatusHandlers(t *testing.T) {
	hs, api := newServedHubSync(t)

	rec := serve(hs, http.MethodPost, "/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var refresh refreshResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &refresh); err != nil {
		t.Fatalf("decode refresh: %v", err)
	}
	if refresh.Error != nil {
		t.Fatalf("expected no error, got %q", *refresh.Error)
	}

	api.setFeedError(FeedFan, &StatusError{Path: "/adafruit/data/powerfan", Code: 500})
	serve(hs, http.MethodPost, "/refresh", "")

	rec = serve(hs, http.MethodGet, "/status", "")
	var status statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Connected || status.State != StateDisconnected.String() {
		t.Fatalf("expected disconnected push feed, got %+v", status)
	}
	if status.PollError == nil || !strings.Contains(*status.PollError, "fan-1") {
		t.Fatalf("expected poll error naming fan-1, got %v", status.PollError)
	}
	if status.Devices != 2 {
		t.Fatalf("expected 2 devices, got %d", status.Devices)
	}
	if len(status.Tracked) != 2 || status.Tracked[0].ID != "light-1" || status.Tracked[1].Kind != KindFan {
		t.Fatalf("unexpected tracked devices %+v", status.Tracked)
	}
}

func TestAbortedRefreshKeepsTelemetry(t *testing.T) {
	hs, _ := newServedHubSync(t)
	before := hs.Snapshot()

	req := httptest.NewRequest(http.MethodPost, "/refresh", nil)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := httptest.NewRecorder()
	hs.Router().ServeHTTP(rec, req.WithContext(ctx))

	after := hs.Snapshot()
	if len(after) != len(before) {
		t.Fatalf("expected %d entries, got %d", len(before), len(after))
	}
	for i := range before {
		if after[i].Status == StatusOffline || after[i].Consumption != before[i].Consumption {
			t.Fatalf("expected %s unchanged, before %+v after %+v", before[i].DeviceID, before[i], after[i])
		}
	}
	if err := hs.PollError(); err != nil {
		t.Fatalf("expected no poll error from an aborted refresh, got %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	hs, _ := newServedHubSync(t)

	rec := serve(hs, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `hubsync_device_consumption_watts{device="light-1"`) {
		t.Fatalf("expected consumption gauge for light-1 in:\n%s", body)
	}
	if !strings.Contains(body, "hubsync_poll_passes_total") {
		t.Fatalf("expected poll pass counter in:\n%s", body)
	}
}

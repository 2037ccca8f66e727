package hubsync

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeFeed struct {
	reading FeedReading
	err     error
	block   bool
}

// fakeAPI serves feeds by name. Unknown feeds answer 404.
type fakeAPI struct {
	mu          sync.Mutex
	feeds       map[string]fakeFeed
	devices     []DeviceRecord
	devicesErr  error
	feedCalls   map[string]int
	deviceCalls int
	// gate, when set, holds every feed request until it is closed.
	gate chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		feeds:     make(map[string]fakeFeed),
		feedCalls: make(map[string]int),
	}
}

func (f *fakeAPI) setFeed(feed string, value float64, createdAt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[feed] = fakeFeed{reading: FeedReading{Value: FlexFloat(value), CreatedAt: createdAt}}
}

func (f *fakeAPI) setFeedError(feed string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[feed] = fakeFeed{err: err}
}

func (f *fakeAPI) setFeedBlocking(feed string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[feed] = fakeFeed{block: true}
}

func (f *fakeAPI) Feed(ctx context.Context, feed string) (FeedReading, error) {
	if err := ctx.Err(); err != nil {
		return FeedReading{}, err
	}
	f.mu.Lock()
	ff, ok := f.feeds[feed]
	f.feedCalls[feed]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return FeedReading{}, ctx.Err()
		}
	}
	if ff.block {
		<-ctx.Done()
		return FeedReading{}, ctx.Err()
	}
	if !ok {
		return FeedReading{}, &StatusError{Path: "/adafruit/data/" + feed, Code: 404}
	}
	return ff.reading, ff.err
}

func (f *fakeAPI) Devices(ctx context.Context) ([]DeviceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceCalls++
	return f.devices, f.devicesErr
}

func (f *fakeAPI) holdFeeds() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeAPI) totalFeedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.feedCalls {
		n += c
	}
	return n
}

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	case f, ok := <-c.frames:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, f, nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type dialResult struct {
	conn Conn
	err  error
}

// fakeDialer hands out scripted results, then fails with fallback.
type fakeDialer struct {
	mu       sync.Mutex
	results  []dialResult
	fallback error
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.results) > 0 {
		r := d.results[0]
		d.results = d.results[1:]
		return r.conn, r.err
	}
	return nil, d.fallback
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// recordingAfter fires immediately and remembers every requested delay.
type recordingAfter struct {
	mu     sync.Mutex
	delays []time.Duration
	onWait func(n int)
}

func (a *recordingAfter) After(d time.Duration) <-chan time.Time {
	a.mu.Lock()
	a.delays = append(a.delays, d)
	n := len(a.delays)
	onWait := a.onWait
	a.mu.Unlock()

	if onWait != nil {
		onWait(n)
	}
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (a *recordingAfter) recorded() []time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]time.Duration, len(a.delays))
	copy(out, a.delays)
	return out
}

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func devicesOf(ids ...string) []Device {
	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, NewDevice(id))
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

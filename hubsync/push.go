package hubsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	loopbackPushPort   = "5000"
	handshakeTimeout   = 10 * time.Second
)

// ErrReconnectsExhausted is reported once the listener gives up.
var ErrReconnectsExhausted = errors.New("push connection lost: reconnect attempts exhausted")

type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateReconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// ReconnectDelay is the wait before the next dial after n consecutive
// failures: min(1s * 2^n, 30s).
func ReconnectDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= 5 {
		return reconnectMaxDelay
	}
	return min(reconnectBaseDelay<<n, reconnectMaxDelay)
}

type eventKind int

const (
	evOpened eventKind = iota
	evClosed
	evErrored
	evRetry
)

type connEvent struct {
	kind eventKind
	err  error
}

type actionKind int

const (
	actionDial actionKind = iota
	actionRead
	actionWait
	actionGiveUp
)

type action struct {
	kind  actionKind
	delay time.Duration
}

// connMachine is the push connection lifecycle. It only changes through step.
type connMachine struct {
	State       ConnState
	Failures    int
	MaxAttempts int
	Err         error
}

func step(m connMachine, ev connEvent) (connMachine, action) {
	switch ev.kind {
	case evOpened:
		m.State = StateOpen
		m.Failures = 0
		m.Err = nil
		return m, action{kind: actionRead}
	case evClosed, evErrored:
		m.Failures++
		m.Err = ev.err
		if m.Failures > m.MaxAttempts {
			m.State = StateDisconnected
			return m, action{kind: actionGiveUp}
		}
		m.State = StateReconnecting
		return m, action{kind: actionWait, delay: ReconnectDelay(m.Failures)}
	case evRetry:
		m.State = StateConnecting
		return m, action{kind: actionDial}
	}
	return m, action{kind: actionDial}
}

// Conn is the read side of a push connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	dialer *websocket.Dialer
}

func NewWebsocketDialer() Dialer {
	return wsDialer{dialer: &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: handshakeTimeout,
	}}
}

func (d wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// PushURL derives the push feed address from the API origin. The loopback
// host name is served on a fixed port.
func PushURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api url %q has no host", apiURL)
	}

	scheme := "ws"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "wss"
	}
	host := u.Host
	if u.Hostname() == "localhost" {
		host = net.JoinHostPort("localhost", loopbackPushPort)
	}
	return (&url.URL{Scheme: scheme, Host: host, Path: "/ws"}).String(), nil
}

// Listener keeps one push connection open and feeds its frames to the router.
type Listener struct {
	url         string
	dialer      Dialer
	router      *router
	metrics     *Metrics
	maxAttempts int
	after       func(time.Duration) <-chan time.Time

	mu      sync.RWMutex
	machine connMachine
}

func NewListener(url string, dialer Dialer, r *router, metrics *Metrics, maxAttempts int) *Listener {
	return &Listener{
		url:         url,
		dialer:      dialer,
		router:      r,
		metrics:     metrics,
		maxAttempts: maxAttempts,
		after:       time.After,
		machine:     connMachine{State: StateConnecting, MaxAttempts: maxAttempts},
	}
}

func (l *Listener) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.machine.State == StateOpen
}

func (l *Listener) State() ConnState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.machine.State
}

func (l *Listener) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.machine.Err
}

func (l *Listener) set(m connMachine) {
	l.mu.Lock()
	l.machine = m
	l.mu.Unlock()
	if m.State == StateOpen {
		l.metrics.PushConnected.Set(1)
	} else {
		l.metrics.PushConnected.Set(0)
	}
}

// Run drives the connection until ctx is done or the reconnect attempts
// are exhausted, in which case it returns ErrReconnectsExhausted.
func (l *Listener) Run(ctx context.Context) error {
	m := connMachine{State: StateConnecting, MaxAttempts: l.maxAttempts}
	act := action{kind: actionDial}
	l.set(m)

	for {
		switch act.kind {
		case actionDial:
			logger := log.WithFields(log.Fields{"url": l.url, "attempt": m.Failures + 1})
			logger.Debug("Connecting to push feed")
			conn, err := l.dialer.Dial(ctx, l.url)
			if ctx.Err() != nil {
				if conn != nil {
					conn.Close()
				}
				l.shutdown(m)
				return nil
			}
			if err != nil {
				logger.Warnf("Push connection failed: %v", err)
				m, act = step(m, connEvent{kind: evErrored, err: err})
				continue
			}
			m, act = step(m, connEvent{kind: evOpened})
			l.set(m)
			logger.Info("Push connection established")

			err = l.consume(ctx, conn)
			if ctx.Err() != nil {
				l.shutdown(m)
				return nil
			}
			logger.Warnf("Push connection closed: %v", err)
			m, act = step(m, connEvent{kind: evClosed, err: err})

		case actionWait:
			l.set(m)
			l.metrics.PushReconnects.Inc()
			log.WithFields(log.Fields{"attempt": m.Failures, "delay": act.delay}).Info("Reconnecting to push feed")
			select {
			case <-ctx.Done():
				l.shutdown(m)
				return nil
			case <-l.after(act.delay):
			}
			m, act = step(m, connEvent{kind: evRetry})
			l.set(m)

		case actionGiveUp:
			m.Err = fmt.Errorf("%w: %v", ErrReconnectsExhausted, m.Err)
			l.set(m)
			log.Errorf("Giving up on push feed after %d attempts: %v", m.Failures, m.Err)
			return m.Err
		}
	}
}

// consume reads frames until the connection fails or ctx is done.
func (l *Listener) consume(ctx context.Context, conn Conn) error {
	var once sync.Once
	closeConn := func() { once.Do(func() { conn.Close() }) }
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if messageType != websocket.TextMessage {
			continue
		}
		l.router.handleFrame(data)
	}
}

func (l *Listener) shutdown(m connMachine) {
	m.State = StateDisconnected
	l.set(m)
}

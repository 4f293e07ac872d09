// Package stream maintains the single logical connection to the station
// service's event stream. It reports connection status, reconnects with
// exponential backoff, and dispatches decoded events to the reconciler.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loykin/stationd/internal/metrics"
	"github.com/loykin/stationd/internal/wire"
)

// Status is the connection state owned exclusively by the monitor.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ErrNotConnected is returned by send operations while the stream is down.
// Callers recover through resubscription on reconnect, not by retrying.
var ErrNotConnected = errors.New("event stream not connected")

// Settings holds the connection tuning knobs.
type Settings struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

func DefaultSettings(url string) Settings {
	return Settings{
		URL:              url,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     15 * time.Second,
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
	}
}

// Monitor owns one websocket connection. Connect is idempotent; after any
// close (voluntary or error) the monitor reconnects after an exponentially
// increasing delay, doubling per consecutive failure up to MaxBackoff and
// resetting on a successful connect.
//
// The monitor never mutates batch state itself: every inbound event is handed
// to the configured handler (the reconciler) one at a time, in arrival order.
type Monitor struct {
	settings Settings
	logger   *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	status    Status
	lastSeen  time.Time
	started   bool
	cancel    context.CancelFunc
	onStatus  []func(Status)
	onConnect func()

	writeMu sync.Mutex // gorilla allows one concurrent writer

	handler func(wire.Message)
}

func NewMonitor(settings Settings, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.InitialBackoff <= 0 {
		settings.InitialBackoff = time.Second
	}
	if settings.MaxBackoff < settings.InitialBackoff {
		settings.MaxBackoff = settings.InitialBackoff
	}
	return &Monitor{
		settings: settings,
		logger:   logger,
		status:   StatusDisconnected,
	}
}

// SetHandler wires the event sink. Must be called before Connect.
func (m *Monitor) SetHandler(h func(wire.Message)) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// OnStatus registers a status observer. Observers run outside the monitor's
// lock, in the order they were registered.
func (m *Monitor) OnStatus(fn func(Status)) {
	m.mu.Lock()
	m.onStatus = append(m.onStatus, fn)
	m.mu.Unlock()
}

// SetOnConnect registers a hook invoked after every successful (re)connect.
// The session uses it to resubscribe all batches with a non-zero subscriber
// count so state continuity survives transient network loss.
func (m *Monitor) SetOnConnect(fn func()) {
	m.mu.Lock()
	m.onConnect = fn
	m.mu.Unlock()
}

// Connect starts the connection loop. It is a no-op if already running.
func (m *Monitor) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()
	go m.run(runCtx)
}

// Close stops the connection loop and closes the current connection.
func (m *Monitor) Close() {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	m.started = false
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Status returns the current connection status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connected reports whether the stream is currently usable for sends.
func (m *Monitor) Connected() bool {
	return m.Status() == StatusConnected
}

// LastSeen returns the time of the most recent inbound frame, including
// heartbeats. It is for liveness display only; recency never triggers a
// reconnect, only an actual close event does.
func (m *Monitor) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

// SendSubscribe sends a subscribe request for ids.
func (m *Monitor) SendSubscribe(ids []string) error {
	return m.send(wire.SubscribeRequest(ids))
}

// SendUnsubscribe sends an unsubscribe request for ids.
func (m *Monitor) SendUnsubscribe(ids []string) error {
	return m.send(wire.UnsubscribeRequest(ids))
}

func (m *Monitor) send(req wire.Request) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.settings.WriteTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return err
	}
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	backoff := m.settings.InitialBackoff
	for {
		m.setStatus(StatusConnecting)
		dialer := websocket.Dialer{HandshakeTimeout: m.settings.HandshakeTimeout}
		conn, resp, err := dialer.DialContext(ctx, m.settings.URL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				m.setStatus(StatusDisconnected)
				return
			}
			m.logger.Warn("event stream connect failed", "url", m.settings.URL, "error", err, "retry_in", backoff)
			m.setStatus(StatusError)
			metrics.IncReconnect()
			select {
			case <-ctx.Done():
				m.setStatus(StatusDisconnected)
				return
			case <-time.After(backoff):
			}
			backoff = m.nextBackoff(backoff)
			continue
		}

		// connected: reset the backoff counter
		backoff = m.settings.InitialBackoff
		m.mu.Lock()
		m.conn = conn
		m.lastSeen = time.Now()
		onConnect := m.onConnect
		m.mu.Unlock()
		m.setStatus(StatusConnected)
		m.logger.Info("event stream connected", "url", m.settings.URL)
		conn.SetPongHandler(func(string) error {
			m.touch()
			return nil
		})
		if onConnect != nil {
			onConnect()
		}

		m.serve(ctx, conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()
		m.setStatus(StatusDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = m.nextBackoff(backoff)
		metrics.IncReconnect()
	}
}

// serve reads frames until the connection drops. Events are dispatched
// synchronously so the handler sees them strictly in wire-arrival order.
func (m *Monitor) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go m.pingLoop(conn, done)

	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("event stream read failed", "error", err)
			}
			return
		}
		m.touch()
		if len(raw) == 0 {
			// bare heartbeat frame
			continue
		}
		msg, err := wire.Parse(raw)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", "error", err)
			metrics.IncEventDiscarded("malformed")
			continue
		}
		m.mu.Lock()
		handler := m.handler
		m.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (m *Monitor) pingLoop(conn *websocket.Conn, done chan struct{}) {
	if m.settings.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(m.settings.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				// unblock the reader; the read loop owns reconnection
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *Monitor) touch() {
	m.mu.Lock()
	m.lastSeen = time.Now()
	m.mu.Unlock()
}

func (m *Monitor) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > m.settings.MaxBackoff {
		next = m.settings.MaxBackoff
	}
	return next
}

func (m *Monitor) setStatus(s Status) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	observers := append([]func(Status){}, m.onStatus...)
	m.mu.Unlock()

	for _, st := range []Status{StatusConnecting, StatusConnected, StatusDisconnected, StatusError} {
		metrics.SetConnectionState(string(st), st == s)
	}
	for _, fn := range observers {
		fn(s)
	}
}

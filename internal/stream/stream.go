// Package stream owns the single persistent duplex connection for live
// market ticks: subscription management, parse-and-fan-out of inbound
// events, and reconnection with bounded exponential backoff that only runs
// while the market is open.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/gorilla/websocket"

	"marketpipe/internal/interfaces"
	"marketpipe/internal/logger"
	"marketpipe/internal/markethours"
	"marketpipe/internal/types"
)

const statusTopic = "stream:status"

// ErrMissingCredential is returned when no access token is configured.
// Retrying without credentials cannot succeed, so no connection is attempted.
var ErrMissingCredential = errors.New("stream access token missing")

// Options configures the stream manager.
type Options struct {
	URL         string
	Token       string
	Calendar    markethours.Calendar
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Manager is the live tick stream manager. One physical connection is shared
// by all logical subscribers through the event bus.
type Manager struct {
	opts Options
	now  func() time.Time
	bus  EventBus.Bus

	mu         sync.Mutex
	conn       *websocket.Conn
	state      types.ConnState
	subscribed map[string]struct{}
	retryCount int
	retryTimer *time.Timer
	deliberate bool
	generation int

	writeMu sync.Mutex
}

var _ interfaces.Stream = (*Manager)(nil)

// New creates a stream manager. No connection is opened until Connect.
func New(opts Options) *Manager {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Manager{
		opts:       opts,
		now:        time.Now,
		bus:        EventBus.New(),
		state:      types.StateDisconnected,
		subscribed: make(map[string]struct{}),
	}
}

// Connect opens the connection and subscribes the given instrument keys. If
// already connected it only updates the subscription; a second physical
// connection is never opened.
func (m *Manager) Connect(ctx context.Context, instrumentKeys []string) error {
	if m.opts.Token == "" {
		m.setState(ctx, types.StateError)
		return ErrMissingCredential
	}

	m.mu.Lock()
	for _, key := range instrumentKeys {
		m.subscribed[key] = struct{}{}
	}
	switch m.state {
	case types.StateConnected:
		m.mu.Unlock()
		m.sendCommand(ctx, "subscribe", instrumentKeys)
		return nil
	case types.StateConnecting:
		m.mu.Unlock()
		return nil
	}
	m.deliberate = false
	m.retryCount = 0
	m.mu.Unlock()

	m.setState(ctx, types.StateConnecting)
	return m.dial(ctx)
}

// dial opens one websocket session, authenticating via the token in the
// connection URI, and resubscribes the full current subscription set. A
// deliberate disconnect can land at any point around a scheduled redial, so
// m.deliberate is checked both before dialing and before installing the
// connection; a handshake that completes after Disconnect is discarded.
func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	deliberate := m.deliberate
	m.mu.Unlock()
	if deliberate {
		m.setState(ctx, types.StateDisconnected)
		return nil
	}

	u, err := url.Parse(m.opts.URL)
	if err != nil {
		m.setState(ctx, types.StateError)
		return err
	}
	q := u.Query()
	q.Set("token", m.opts.Token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		logger.ErrorWithErr(ctx, "Stream dial failed", err, "url", m.opts.URL)
		m.setState(ctx, types.StateDisconnected)
		m.scheduleReconnect(ctx)
		return err
	}

	m.mu.Lock()
	if m.deliberate {
		// Disconnect ran while the handshake was in flight.
		m.mu.Unlock()
		_ = conn.Close()
		m.setState(ctx, types.StateDisconnected)
		return nil
	}
	m.conn = conn
	m.generation++
	gen := m.generation
	m.retryCount = 0
	keys := m.subscribedKeys()
	m.mu.Unlock()

	m.setState(ctx, types.StateConnected)
	if len(keys) > 0 {
		m.sendCommand(ctx, "subscribe", keys)
	}

	go m.readLoop(conn, gen)
	return nil
}

// readLoop parses inbound events until the connection drops. Parse failures
// are logged and dropped; they never terminate the connection.
func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	ctx := context.Background()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(ctx, gen, err)
			return
		}

		var ev types.TickEvent
		if err := json.Unmarshal(raw, &ev); err != nil || ev.InstrumentKey == "" {
			logger.Warn(ctx, "Dropping unparseable stream event", "error", err)
			continue
		}
		// Synchronous publish keeps ticks in arrival order per instrument.
		m.bus.Publish(tickTopic(ev.InstrumentKey), ev)
	}
}

// handleClose routes a closed connection into reconnect-or-give-up logic.
func (m *Manager) handleClose(ctx context.Context, gen int, cause error) {
	m.mu.Lock()
	if gen != m.generation {
		// A newer connection already replaced this one.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	deliberate := m.deliberate
	m.mu.Unlock()

	if deliberate {
		return
	}

	logger.Warn(ctx, "Stream connection closed", "cause", cause)
	m.setState(ctx, types.StateDisconnected)
	m.scheduleReconnect(ctx)
}

// scheduleReconnect arms one backoff timer. Reconnects are suppressed
// entirely while the market is closed: closing during off-hours is expected.
func (m *Manager) scheduleReconnect(ctx context.Context) {
	if !m.opts.Calendar.IsSessionOpen(m.now()) {
		logger.Info(ctx, "Market closed, not reconnecting stream")
		return
	}

	m.mu.Lock()
	if m.deliberate {
		m.mu.Unlock()
		return
	}
	if m.retryCount >= m.opts.MaxAttempts {
		m.mu.Unlock()
		logger.Error(ctx, "Stream reconnect attempts exhausted", "attempts", m.opts.MaxAttempts)
		m.setState(ctx, types.StateError)
		return
	}

	delay := m.backoffDelay(m.retryCount)
	m.retryCount++
	attempt := m.retryCount

	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := m.deliberate
		m.mu.Unlock()
		if stale {
			return
		}
		redialCtx := context.Background()
		m.setState(redialCtx, types.StateConnecting)
		_ = m.dial(redialCtx)
	})
	m.mu.Unlock()

	logger.Info(ctx, "Stream reconnect scheduled", "attempt", attempt, "delay", delay.String())
}

// backoffDelay returns the reconnect delay for the given retry ordinal: the
// base delay doubled each attempt, capped at MaxDelay.
func (m *Manager) backoffDelay(retry int) time.Duration {
	delay := m.opts.BaseDelay << retry
	if delay > m.opts.MaxDelay || delay <= 0 {
		delay = m.opts.MaxDelay
	}
	return delay
}

// Subscribe adds keys to the subscription set, sending the subscribe command
// immediately when connected. Offline updates apply on the next connect.
func (m *Manager) Subscribe(ctx context.Context, instrumentKeys []string) {
	m.mu.Lock()
	for _, key := range instrumentKeys {
		m.subscribed[key] = struct{}{}
	}
	connected := m.state == types.StateConnected
	m.mu.Unlock()

	if connected {
		m.sendCommand(ctx, "subscribe", instrumentKeys)
	}
}

// Unsubscribe removes keys from the subscription set.
func (m *Manager) Unsubscribe(ctx context.Context, instrumentKeys []string) {
	m.mu.Lock()
	for _, key := range instrumentKeys {
		delete(m.subscribed, key)
	}
	connected := m.state == types.StateConnected
	m.mu.Unlock()

	if connected {
		m.sendCommand(ctx, "unsubscribe", instrumentKeys)
	}
}

// Disconnect is the deliberate close: clears retry state and the
// subscription set and never triggers reconnect logic.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.deliberate = true
	m.retryCount = 0
	m.subscribed = make(map[string]struct{})
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), m.now().Add(time.Second))
		_ = conn.Close()
	}
	m.setState(context.Background(), types.StateDisconnected)
}

// State returns the current connection state.
func (m *Manager) State() types.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnTick registers a tick listener for one instrument and returns its
// unsubscribe handle. Multiple listeners share the one physical connection.
func (m *Manager) OnTick(instrumentKey string, fn func(types.TickEvent)) (func(), error) {
	topic := tickTopic(instrumentKey)
	handler := func(ev types.TickEvent) { fn(ev) }
	if err := m.bus.Subscribe(topic, handler); err != nil {
		return nil, err
	}
	return func() { _ = m.bus.Unsubscribe(topic, handler) }, nil
}

// OnStatus registers a connection-state listener and returns its unsubscribe
// handle.
func (m *Manager) OnStatus(fn func(types.ConnState)) func() {
	handler := func(s types.ConnState) { fn(s) }
	_ = m.bus.Subscribe(statusTopic, handler)
	return func() { _ = m.bus.Unsubscribe(statusTopic, handler) }
}

func (m *Manager) setState(ctx context.Context, s types.ConnState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	m.mu.Unlock()

	logger.Status(ctx, "", string(prev), string(s))
	m.bus.Publish(statusTopic, s)
}

func (m *Manager) sendCommand(ctx context.Context, action string, keys []string) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || len(keys) == 0 {
		return
	}

	cmd := types.StreamCommand{Action: action, Mode: "full", InstrumentKeys: keys}
	m.writeMu.Lock()
	err := conn.WriteJSON(cmd)
	m.writeMu.Unlock()
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to send stream command", err, "action", action)
	}
}

// subscribedKeys returns the full subscription set. Caller holds m.mu.
func (m *Manager) subscribedKeys() []string {
	keys := make([]string, 0, len(m.subscribed))
	for key := range m.subscribed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func tickTopic(instrumentKey string) string {
	return "stream:tick:" + instrumentKey
}

// SetClock overrides the manager's time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

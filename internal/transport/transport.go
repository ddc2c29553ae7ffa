// ABOUTME: Websocket transport adapter for one gateway channel
// ABOUTME: Owns the read loop and the bounded automatic reconnection policy

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-desk/internal/protocol"
)

// Transport errors.
var (
	// ErrTransportUnavailable means the hosting runtime has no websocket
	// capability. Fatal: retrying cannot fix a missing platform feature.
	ErrTransportUnavailable = errors.New("websocket transport unavailable")

	// ErrNotConnected means Send was called while the channel is down.
	ErrNotConnected = errors.New("transport not connected")

	// ErrClosed means the adapter was closed by its owner.
	ErrClosed = errors.New("transport closed")
)

// Reconnection policy defaults. The channel retries a bounded number of
// times with a delay growing from ReconnectDelay to MaxReconnectDelay;
// after MaxAttempts the adapter gives up and the caller must Open again
// with a fresh credential.
const (
	DefaultMaxAttempts       = 5
	DefaultReconnectDelay    = 1 * time.Second
	DefaultMaxReconnectDelay = 5 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
)

// Config describes one gateway channel.
type Config struct {
	// URL is the websocket endpoint, e.g. "wss://gw.example.com/channel".
	URL string

	// Token is the decrypted auth credential. Held in memory only for the
	// lifetime of the open channel, never persisted by this layer.
	Token string

	// ConnectionID is the local logical connection id. It is appended to
	// the dial URL so two logical connections to the same endpoint never
	// share a channel.
	ConnectionID string

	// ClientInfo is sent on every connect and reconnect.
	ClientInfo protocol.ClientInfo

	MaxAttempts       int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	HandshakeTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// Conn is the subset of a websocket connection the adapter uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens websocket connections. The production implementation wraps
// gorilla/websocket; tests substitute their own.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error)
}

// WebsocketDialer is the production Dialer backed by gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// DialContext implements Dialer.
func (d *WebsocketDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ConnectErrorPayload is the payload of the synthetic connect_error event.
type ConnectErrorPayload struct {
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

// DisconnectPayload is the payload of the synthetic disconnect event.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// ConnectPayload is the payload of the synthetic connect event.
type ConnectPayload struct {
	Reconnected bool `json:"reconnected"`
}

type handlerEntry struct {
	id      string
	event   string
	handler func(json.RawMessage)
}

// Adapter wraps one physical duplex channel to a gateway. It exposes an
// event subscription surface covering both wire frames and the synthetic
// lifecycle events (connect, disconnect, connect_error).
type Adapter struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	mu         sync.Mutex
	conn       Conn
	connected  bool
	closed     bool
	generation int

	hmu      sync.RWMutex
	handlers map[string]map[string]func(json.RawMessage)
}

// New creates an Adapter for one gateway channel. A nil dialer means the
// hosting runtime lacks the websocket capability; Open will fail fatally.
func New(cfg Config, dialer Dialer, logger *slog.Logger) *Adapter {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger.With("component", "transport", "connection_id", cfg.ConnectionID),
		handlers: make(map[string]map[string]func(json.RawMessage)),
	}
}

// Open establishes the channel, sends client-info, and starts the read
// loop. It fails synchronously only when the transport capability is
// missing; a failed initial dial raises connect_error and enters the
// same bounded retry path as a dropped channel. Open may be called again
// after Close or after the reconnection cap was exhausted; the caller
// supplies a fresh credential via NewToken first.
func (a *Adapter) Open(ctx context.Context) error {
	if a.dialer == nil {
		return ErrTransportUnavailable
	}

	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.closed = false
	gen := a.generation
	a.mu.Unlock()

	conn, err := a.dial(ctx)
	if err != nil {
		a.logger.Warn("initial dial failed", "error", err)
		a.emit(protocol.EventConnectError, mustMarshal(ConnectErrorPayload{
			Attempt: 0,
			Error:   err.Error(),
		}))
		go a.reconnectLoop(gen)
		return nil
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.generation++
	gen = a.generation
	a.mu.Unlock()

	if err := a.sendClientInfo(); err != nil {
		a.logger.Warn("sending client-info failed", "error", err)
	}

	go a.readLoop(gen)

	a.emit(protocol.EventConnect, mustMarshal(ConnectPayload{Reconnected: false}))
	a.logger.Info("channel open", "url", a.cfg.URL)
	return nil
}

// NewToken replaces the in-memory credential used for future dials. Used
// by the owner when a manual reconnect supplies a re-decrypted credential.
func (a *Adapter) NewToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Token = token
}

func (a *Adapter) dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	q := u.Query()
	q.Set("clientId", a.cfg.ClientInfo.ClientID)
	q.Set("connectionId", a.cfg.ConnectionID)
	u.RawQuery = q.Encode()

	a.mu.Lock()
	token := a.cfg.Token
	a.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	defer cancel()

	return a.dialer.DialContext(dialCtx, u.String(), header)
}

func (a *Adapter) sendClientInfo() error {
	return a.Send(protocol.EventClientInfo, a.cfg.ClientInfo)
}

// Send marshals payload into a Frame and writes it to the channel.
func (a *Adapter) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", event, err)
	}
	frame, err := json.Marshal(protocol.Frame{Event: event, Payload: data})
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if !a.connected || a.conn == nil {
		return ErrNotConnected
	}
	return a.conn.WriteMessage(websocket.TextMessage, frame)
}

// Subscribe registers a handler for an event name and returns its
// unsubscribe function. Handlers for wire events run synchronously on the
// read loop; lifecycle events run on whichever goroutine raised them.
func (a *Adapter) Subscribe(event string, handler func(json.RawMessage)) func() {
	id := uuid.NewString()

	a.hmu.Lock()
	if _, ok := a.handlers[event]; !ok {
		a.handlers[event] = make(map[string]func(json.RawMessage))
	}
	a.handlers[event][id] = handler
	a.hmu.Unlock()

	return func() {
		a.hmu.Lock()
		defer a.hmu.Unlock()
		if subs, ok := a.handlers[event]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(a.handlers, event)
			}
		}
	}
}

// Once registers a handler that unsubscribes itself after its first
// invocation.
func (a *Adapter) Once(event string, handler func(json.RawMessage)) func() {
	var once sync.Once
	var unsub func()
	unsub = a.Subscribe(event, func(payload json.RawMessage) {
		once.Do(func() {
			unsub()
			handler(payload)
		})
	})
	return unsub
}

// emit invokes all handlers registered for event. Handler snapshots are
// taken under the read lock so a handler may unsubscribe itself.
func (a *Adapter) emit(event string, payload json.RawMessage) {
	a.hmu.RLock()
	subs := a.handlers[event]
	targets := make([]func(json.RawMessage), 0, len(subs))
	for _, h := range subs {
		targets = append(targets, h)
	}
	a.hmu.RUnlock()

	for _, h := range targets {
		h(payload)
	}
}

// readLoop reads frames for one physical connection generation and
// dispatches them by event name. On read failure it hands off to the
// reconnect loop unless the adapter was closed.
func (a *Adapter) readLoop(gen int) {
	for {
		a.mu.Lock()
		conn := a.conn
		stale := a.closed || a.generation != gen
		a.mu.Unlock()
		if stale || conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			// A stale loop racing Close or a newer generation must not
			// touch connection state.
			if a.closed || a.generation != gen {
				a.mu.Unlock()
				return
			}
			a.connected = false
			a.conn = nil
			a.mu.Unlock()

			a.emit(protocol.EventDisconnect, mustMarshal(DisconnectPayload{Reason: err.Error()}))
			a.logger.Warn("channel read failed", "error", err)
			go a.reconnectLoop(gen)
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			a.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		a.emit(frame.Event, frame.Payload)
	}
}

// reconnectLoop retries the dial with a delay growing from ReconnectDelay
// to MaxReconnectDelay, at most MaxAttempts times. Each failed attempt
// raises connect_error; success raises connect and resumes the read loop.
func (a *Adapter) reconnectLoop(gen int) {
	delay := a.cfg.ReconnectDelay

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		time.Sleep(delay)
		delay *= 2
		if delay > a.cfg.MaxReconnectDelay {
			delay = a.cfg.MaxReconnectDelay
		}

		a.mu.Lock()
		if a.closed || a.generation != gen {
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()

		conn, err := a.dial(context.Background())
		if err != nil {
			a.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			a.emit(protocol.EventConnectError, mustMarshal(ConnectErrorPayload{
				Attempt: attempt,
				Error:   err.Error(),
			}))
			continue
		}

		a.mu.Lock()
		if a.closed || a.generation != gen {
			a.mu.Unlock()
			_ = conn.Close()
			return
		}
		a.conn = conn
		a.connected = true
		a.generation++
		newGen := a.generation
		a.mu.Unlock()

		if err := a.sendClientInfo(); err != nil {
			a.logger.Warn("sending client-info after reconnect failed", "error", err)
		}

		go a.readLoop(newGen)
		a.emit(protocol.EventConnect, mustMarshal(ConnectPayload{Reconnected: true}))
		a.logger.Info("channel reconnected", "attempt", attempt)
		return
	}

	a.logger.Error("reconnect attempts exhausted", "max_attempts", a.cfg.MaxAttempts)
}

// Connected reports whether the channel is currently up.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Close shuts the channel down and stops all reconnection. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	conn := a.conn
	a.conn = nil
	a.generation++
	a.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

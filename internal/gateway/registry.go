// ABOUTME: Keyed registry of gateway server connections with a lifecycle state machine
// ABOUTME: Central coordinator wiring channel events to state transitions and hooks

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-desk/internal/protocol"
	"github.com/2389/coven-desk/internal/transport"
)

// Registry errors.
var (
	// ErrNotConnected means a call was attempted against a server whose
	// channel is not in the Connected state. Calls never queue.
	ErrNotConnected = errors.New("server not connected")

	// ErrUnknownServer means no connection exists for the given id.
	ErrUnknownServer = errors.New("unknown server")
)

// State is the lifecycle state of one server connection.
type State string

// Connection lifecycle states.
const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// DefaultFailureThreshold is the reconnect attempt count after which a
// connection is marked Failed and the sticky failure flag is set.
const DefaultFailureThreshold = 5

// ChannelAdapter is the transport surface the registry drives. The
// production implementation is *transport.Adapter.
type ChannelAdapter interface {
	Open(ctx context.Context) error
	Send(event string, payload any) error
	Subscribe(event string, handler func(json.RawMessage)) func()
	NewToken(token string)
	Close() error
}

// AdapterFactory builds a channel adapter for one gateway.
type AdapterFactory func(cfg transport.Config) ChannelAdapter

// Hooks are the registry's outward side effects, wired once at startup.
// All hooks may be nil.
type Hooks struct {
	// OnNotification receives unsolicited push notifications.
	OnNotification func(serverID string, n *protocol.Notification)

	// OnAskConfirm receives tool approval requests together with the
	// sender needed to reply on the originating channel.
	OnAskConfirm func(serverID string, replier Sender, req *protocol.AskUserConfirm)

	// OnPresence is invoked with true when the first server comes live
	// and false when the last connected server goes down.
	OnPresence func(live bool)

	// OnPull answers server-initiated reads (client status, current page,
	// client config, connection info, capabilities). A nil hook or an
	// error is reported back over the wire, never dropped.
	OnPull func(serverID, kind string) (any, error)
}

// ServerConnection is the registry's record for one configured gateway.
// All fields are mutated only via Registry.mutate on the live map.
type ServerConnection struct {
	ID                string
	DisplayName       string
	State             State
	ReconnectAttempts int
	FailureFlag       bool
	LastConnectedAt   *time.Time
	ActiveClientCount int
	ServerAssignedID  string

	adapter    ChannelAdapter
	correlator *Correlator
	unsubs     []func()
}

// Info is a read-only snapshot of a ServerConnection.
type Info struct {
	ID                string
	DisplayName       string
	State             State
	ReconnectAttempts int
	FailureFlag       bool
	LastConnectedAt   *time.Time
	ActiveClientCount int
	ServerAssignedID  string
}

func (sc *ServerConnection) snapshot() Info {
	return Info{
		ID:                sc.ID,
		DisplayName:       sc.DisplayName,
		State:             sc.State,
		ReconnectAttempts: sc.ReconnectAttempts,
		FailureFlag:       sc.FailureFlag,
		LastConnectedAt:   sc.LastConnectedAt,
		ActiveClientCount: sc.ActiveClientCount,
		ServerAssignedID:  sc.ServerAssignedID,
	}
}

// Options configure a Registry.
type Options struct {
	Factory          AdapterFactory
	ClientInfo       protocol.ClientInfo
	FailureThreshold int
	Timeouts         Timeouts
	Hooks            Hooks
	Logger           *slog.Logger
}

// Registry owns all server connections. It is constructed once at startup
// and passed by reference to consumers; there is no package-level
// instance.
type Registry struct {
	factory    AdapterFactory
	clientInfo protocol.ClientInfo
	threshold  int
	timeouts   Timeouts
	hooks      Hooks
	logger     *slog.Logger

	mu       sync.Mutex
	conns    map[string]*ServerConnection
	lastLive bool
}

// NewRegistry creates a Registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	opts.Timeouts.applyDefaults()
	if opts.Factory == nil {
		opts.Factory = func(cfg transport.Config) ChannelAdapter {
			dialer := &transport.WebsocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
			return transport.New(cfg, dialer, opts.Logger)
		}
	}
	return &Registry{
		factory:    opts.Factory,
		clientInfo: opts.ClientInfo,
		threshold:  opts.FailureThreshold,
		timeouts:   opts.Timeouts,
		hooks:      opts.Hooks,
		logger:     opts.Logger.With("component", "registry"),
		conns:      make(map[string]*ServerConnection),
	}
}

// ClientID returns the local client identity sent to every gateway.
func (r *Registry) ClientID() string {
	return r.clientInfo.ClientID
}

// ConnectParams describe one gateway to connect to. Token is the
// decrypted credential; it lives only in the adapter's memory for the
// lifetime of the channel.
type ConnectParams struct {
	ID          string
	DisplayName string
	URL         string
	Token       string
}

// Connect establishes a channel to the given gateway. If a connection
// already exists for the id, its channel is torn down first so exactly
// one ServerConnection exists per id at any time.
func (r *Registry) Connect(ctx context.Context, params ConnectParams) error {
	if params.ID == "" {
		return fmt.Errorf("server id is required")
	}

	r.mu.Lock()
	if old, exists := r.conns[params.ID]; exists {
		r.teardownLocked(old)
		delete(r.conns, params.ID)
	}

	adapter := r.factory(transport.Config{
		URL:          params.URL,
		Token:        params.Token,
		ConnectionID: params.ID,
		ClientInfo:   r.clientInfo,
	})

	sc := &ServerConnection{
		ID:          params.ID,
		DisplayName: params.DisplayName,
		State:       StateConnecting,
		adapter:     adapter,
		correlator:  NewCorrelator(params.ID, adapter, r.logger),
	}
	r.conns[params.ID] = sc
	r.wireLocked(sc)
	r.mu.Unlock()

	// Open fails synchronously only for fatal conditions such as a
	// missing websocket capability; dial failures surface as
	// connect_error events and run the adapter's bounded retry, so the
	// record stays and moves through Reconnecting toward Failed.
	if err := adapter.Open(ctx); err != nil {
		r.mu.Lock()
		if cur, ok := r.conns[params.ID]; ok && cur == sc {
			r.teardownLocked(sc)
			delete(r.conns, params.ID)
		}
		r.mu.Unlock()
		return fmt.Errorf("connecting to %s: %w", params.ID, err)
	}

	r.logger.Info("server connecting", "server_id", params.ID, "url", params.URL)
	return nil
}

// wireLocked subscribes the connection's channel events. Handlers never
// touch sc directly; they re-read the live registry entry through mutate
// so interleaved events cannot operate on stale state.
func (r *Registry) wireLocked(sc *ServerConnection) {
	id := sc.ID
	adapter := sc.adapter
	correlator := sc.correlator

	sub := func(event string, handler func(json.RawMessage)) {
		sc.unsubs = append(sc.unsubs, adapter.Subscribe(event, handler))
	}

	sub(protocol.EventConnect, func(json.RawMessage) {
		r.mutate(id, func(sc *ServerConnection) {
			now := time.Now()
			sc.State = StateConnected
			sc.ReconnectAttempts = 0
			sc.FailureFlag = false
			sc.LastConnectedAt = &now
		})
	})

	sub(protocol.EventDisconnect, func(json.RawMessage) {
		r.mutate(id, func(sc *ServerConnection) {
			sc.State = StateDisconnected
		})
		// Outstanding calls are rejected now, not at their timeouts.
		correlator.FailAll(protocol.CodeServiceUnavailable, "connection lost")
	})

	sub(protocol.EventConnectError, func(payload json.RawMessage) {
		var p transport.ConnectErrorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			r.logger.Warn("malformed connect_error payload", "server_id", id, "error", err)
			return
		}
		r.mutate(id, func(sc *ServerConnection) {
			sc.ReconnectAttempts = p.Attempt
			if p.Attempt >= r.threshold {
				sc.State = StateFailed
				sc.FailureFlag = true
			} else {
				sc.State = StateReconnecting
			}
		})
	})

	sub(protocol.EventSocketResponse, correlator.HandleResponse)

	// Protocol-level server events all flow through the closed decode step
	// so the variant switch below stays exhaustive.
	for _, event := range []string{
		protocol.EventServerInfo,
		protocol.EventNotification,
		protocol.EventAskUserConfirm,
		protocol.EventGetClientStatus,
		protocol.EventGetCurrentPage,
		protocol.EventGetClientConfig,
		protocol.EventGetConnectionInfo,
		protocol.EventGetCapabilities,
	} {
		name := event
		sub(event, func(payload json.RawMessage) {
			ev, err := protocol.DecodeServerEvent(name, payload)
			if err != nil {
				r.logger.Warn("malformed server event", "server_id", id, "event", name, "error", err)
				return
			}
			r.handleServerEvent(id, adapter, ev)
		})
	}
}

// handleServerEvent applies one decoded server event. The switch covers
// the whole protocol.ServerEvent union.
func (r *Registry) handleServerEvent(id string, adapter ChannelAdapter, ev protocol.ServerEvent) {
	switch ev := ev.(type) {
	case *protocol.ServerInfo:
		r.mutate(id, func(sc *ServerConnection) {
			sc.ServerAssignedID = ev.ServerID
			if ev.Name != "" {
				sc.DisplayName = ev.Name
			}
		})

	case *protocol.Notification:
		ev.ServerID = id
		if r.hooks.OnNotification != nil {
			r.hooks.OnNotification(id, ev)
		}

	case *protocol.AskUserConfirm:
		if r.hooks.OnAskConfirm != nil {
			r.hooks.OnAskConfirm(id, adapter, ev)
		}

	case *protocol.PullRequest:
		r.answerPull(id, adapter, ev)
	}
}

// answerPull responds to a server-initiated read over socket_response.
func (r *Registry) answerPull(serverID string, replier Sender, pull *protocol.PullRequest) {
	kind := pull.Kind
	req := pull.Request

	var resp protocol.Response
	switch {
	case r.hooks.OnPull == nil:
		resp = protocol.NewErrorResponse(req.RequestID, protocol.CodeUnknownAction,
			fmt.Sprintf("%s not supported", kind))
	default:
		result, err := r.hooks.OnPull(serverID, kind)
		if err != nil {
			resp = protocol.NewErrorResponse(req.RequestID, protocol.CodeClientError, err.Error())
		} else {
			data, err := json.Marshal(result)
			if err != nil {
				resp = protocol.NewErrorResponse(req.RequestID, protocol.CodeClientError, err.Error())
			} else {
				resp = protocol.NewResponse(req.RequestID, data)
			}
		}
	}

	if err := replier.Send(protocol.EventSocketResponse, resp); err != nil {
		r.logger.Warn("answering pull failed", "server_id", serverID, "kind", kind, "error", err)
	}
}

// mutate applies fn to the live registry entry for id inside one critical
// section, then fires the presence hook if the "any server live" signal
// flipped. Handlers must use this instead of a captured *ServerConnection.
func (r *Registry) mutate(id string, fn func(*ServerConnection)) {
	r.mu.Lock()
	sc, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	before := sc.State
	fn(sc)
	after := sc.State
	live, changed := r.recomputePresenceLocked()
	r.mu.Unlock()

	if before != after {
		r.logger.Info("connection state changed", "server_id", id, "from", before, "to", after)
	}
	if changed && r.hooks.OnPresence != nil {
		r.hooks.OnPresence(live)
	}
}

// recomputePresenceLocked returns the current "any server live" signal and
// whether it changed since the last computation.
func (r *Registry) recomputePresenceLocked() (live, changed bool) {
	for _, sc := range r.conns {
		if sc.State == StateConnected {
			live = true
			break
		}
	}
	changed = live != r.lastLive
	r.lastLive = live
	return live, changed
}

// teardownLocked closes a connection's channel and rejects its pending
// calls. Caller holds r.mu.
func (r *Registry) teardownLocked(sc *ServerConnection) {
	for _, unsub := range sc.unsubs {
		unsub()
	}
	sc.unsubs = nil
	sc.correlator.FailAll(protocol.CodeServiceUnavailable, "connection closed")
	if err := sc.adapter.Close(); err != nil {
		r.logger.Warn("closing channel", "server_id", sc.ID, "error", err)
	}
	sc.State = StateIdle
}

// Disconnect tears down the connection for id. A no-op for unknown ids.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	sc, ok := r.conns[id]
	if ok {
		r.teardownLocked(sc)
		delete(r.conns, id)
	}
	live, changed := r.recomputePresenceLocked()
	r.mu.Unlock()

	if ok {
		r.logger.Info("server disconnected", "server_id", id)
	}
	if changed && r.hooks.OnPresence != nil {
		r.hooks.OnPresence(live)
	}
}

// Reconnect is the manual recovery path after the Failed state. It swaps
// in a freshly decrypted credential and reopens the channel.
func (r *Registry) Reconnect(ctx context.Context, id, token string) error {
	r.mu.Lock()
	sc, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	adapter := sc.adapter
	sc.State = StateConnecting
	sc.ReconnectAttempts = 0
	sc.FailureFlag = false
	r.mu.Unlock()

	adapter.NewToken(token)
	if err := adapter.Open(ctx); err != nil {
		r.mutate(id, func(sc *ServerConnection) {
			sc.State = StateFailed
			sc.FailureFlag = true
		})
		return fmt.Errorf("reconnecting to %s: %w", id, err)
	}
	return nil
}

// UpdateName changes the local display name without touching the channel.
func (r *Registry) UpdateName(id, name string) error {
	r.mu.Lock()
	_, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	r.mutate(id, func(sc *ServerConnection) {
		sc.DisplayName = name
	})
	return nil
}

// SetActiveClients updates the push-maintained active client counter.
func (r *Registry) SetActiveClients(id string, count int) {
	r.mutate(id, func(sc *ServerConnection) {
		sc.ActiveClientCount = count
	})
}

// Get returns a snapshot of the connection for id.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.conns[id]
	if !ok {
		return Info{}, false
	}
	return sc.snapshot(), true
}

// List returns snapshots of all connections.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]Info, 0, len(r.conns))
	for _, sc := range r.conns {
		infos = append(infos, sc.snapshot())
	}
	return infos
}

// Call issues a correlated request to a server. It fails immediately with
// ErrNotConnected unless the connection is in the Connected state.
func (r *Registry) Call(ctx context.Context, id, event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	r.mu.Lock()
	sc, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	if sc.State != StateConnected {
		state := sc.State
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, id, state)
	}
	correlator := sc.correlator
	r.mu.Unlock()

	return correlator.Call(ctx, event, payload, timeout)
}

// PendingCount reports the number of unsettled calls for id. Zero for
// unknown ids.
func (r *Registry) PendingCount(id string) int {
	r.mu.Lock()
	sc, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return sc.correlator.PendingCount()
}

// Close tears down every connection. Used on process shutdown; it reads
// the live map, not any earlier snapshot.
func (r *Registry) Close() {
	r.mu.Lock()
	for id, sc := range r.conns {
		r.teardownLocked(sc)
		delete(r.conns, id)
	}
	r.lastLive = false
	r.mu.Unlock()
	r.logger.Info("registry closed")
}

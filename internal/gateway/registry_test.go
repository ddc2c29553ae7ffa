// ABOUTME: Tests for the connection registry and its lifecycle state machine
// ABOUTME: Covers teardown-before-replace, reconnect accounting, presence, and call gating

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/protocol"
	"github.com/2389/coven-desk/internal/transport"
)

// fakeChannel is a scriptable ChannelAdapter. Tests drive the registry by
// emitting channel events directly.
type fakeChannel struct {
	mu       sync.Mutex
	cfg      transport.Config
	handlers map[string]map[int]func(json.RawMessage)
	nextSub  int
	sent     []fakeSent
	openErr  error
	opens    int
	closes   int
	token    string
	onSend   func(event string, payload any)
}

type fakeSent struct {
	event   string
	payload any
}

func newFakeChannel(cfg transport.Config) *fakeChannel {
	return &fakeChannel{
		cfg:      cfg,
		handlers: make(map[string]map[int]func(json.RawMessage)),
		token:    cfg.Token,
	}
}

func (f *fakeChannel) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return f.openErr
}

func (f *fakeChannel) Send(event string, payload any) error {
	f.mu.Lock()
	f.sent = append(f.sent, fakeSent{event: event, payload: payload})
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend(event, payload)
	}
	return nil
}

func (f *fakeChannel) Subscribe(event string, handler func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[event]; !ok {
		f.handlers[event] = make(map[int]func(json.RawMessage))
	}
	id := f.nextSub
	f.nextSub++
	f.handlers[event][id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[event], id)
	}
}

func (f *fakeChannel) NewToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeChannel) emit(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	subs := f.handlers[event]
	targets := make([]func(json.RawMessage), 0, len(subs))
	for _, h := range subs {
		targets = append(targets, h)
	}
	f.mu.Unlock()

	for _, h := range targets {
		h(data)
	}
}

func (f *fakeChannel) sentFrames() []fakeSent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeSent, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeFactory hands out fakeChannels and remembers them in order.
type fakeFactory struct {
	mu    sync.Mutex
	chans []*fakeChannel
}

func (ff *fakeFactory) new(cfg transport.Config) ChannelAdapter {
	ch := newFakeChannel(cfg)
	ff.mu.Lock()
	ff.chans = append(ff.chans, ch)
	ff.mu.Unlock()
	return ch
}

func (ff *fakeFactory) channel(i int) *fakeChannel {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.chans[i]
}

func newTestRegistry(t *testing.T, hooks Hooks) (*Registry, *fakeFactory) {
	t.Helper()
	ff := &fakeFactory{}
	reg := NewRegistry(Options{
		Factory:    ff.new,
		ClientInfo: protocol.ClientInfo{ClientID: "desk-test"},
		Hooks:      hooks,
	})
	return reg, ff
}

func connectServer(t *testing.T, reg *Registry, ff *fakeFactory, id string) *fakeChannel {
	t.Helper()
	require.NoError(t, reg.Connect(context.Background(), ConnectParams{
		ID:          id,
		DisplayName: id,
		URL:         "ws://gw.test/" + id,
		Token:       "tok-" + id,
	}))
	ch := ff.channel(len(ff.chans) - 1)
	ch.emit(t, protocol.EventConnect, transport.ConnectPayload{})
	return ch
}

func TestConnectTransitionsToConnected(t *testing.T) {
	reg, ff := newTestRegistry(t, Hooks{})

	require.NoError(t, reg.Connect(context.Background(), ConnectParams{
		ID: "s1", DisplayName: "Server One", URL: "ws://gw.test/s1", Token: "tok",
	}))

	info, ok := reg.Get("s1")
	require.True(t, ok)
	assert.Equal(t, StateConnecting, info.State)
	assert.Nil(t, info.LastConnectedAt)

	ff.channel(0).emit(t, protocol.EventConnect, transport.ConnectPayload{})

	info, _ = reg.Get("s1")
	assert.Equal(t, StateConnected, info.State)
	assert.NotNil(t, info.LastConnectedAt)
	assert.Zero(t, info.ReconnectAttempts)
	assert.False(t, info.FailureFlag)
}

// refusingDialer rejects every dial, driving the adapter's bounded retry.
type refusingDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *refusingDialer) DialContext(context.Context, string, http.Header) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return nil, errors.New("dial refused")
}

func TestInitialDialFailureKeepsRecord(t *testing.T) {
	dialer := &refusingDialer{}
	reg := NewRegistry(Options{
		Factory: func(cfg transport.Config) ChannelAdapter {
			cfg.MaxAttempts = 2
			cfg.ReconnectDelay = time.Millisecond
			cfg.MaxReconnectDelay = 2 * time.Millisecond
			return transport.New(cfg, dialer, nil)
		},
		ClientInfo:       protocol.ClientInfo{ClientID: "desk-test"},
		FailureThreshold: 2,
	})
	defer reg.Close()

	require.NoError(t, reg.Connect(context.Background(), ConnectParams{
		ID: "s1", DisplayName: "s1", URL: "ws://gw.test/s1", Token: "tok",
	}))

	info, ok := reg.Get("s1")
	require.True(t, ok, "connection record must survive an initial dial failure")
	assert.Equal(t, StateReconnecting, info.State)

	// Exhausting the retries trips the sticky failure, not record loss.
	require.Eventually(t, func() bool {
		info, ok := reg.Get("s1")
		return ok && info.State == StateFailed && info.FailureFlag
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectFailsFatallyWithoutTransport(t *testing.T) {
	reg := NewRegistry(Options{
		Factory: func(cfg transport.Config) ChannelAdapter {
			return transport.New(cfg, nil, nil)
		},
		ClientInfo: protocol.ClientInfo{ClientID: "desk-test"},
	})

	err := reg.Connect(context.Background(), ConnectParams{
		ID: "s1", URL: "ws://gw.test/s1", Token: "tok",
	})
	require.ErrorIs(t, err, transport.ErrTransportUnavailable)

	_, ok := reg.Get("s1")
	assert.False(t, ok)
}

func TestConnectTwiceTearsDownFirstChannel(t *testing.T) {
	reg, ff := newTestRegistry(t, Hooks{})
	connectServer(t, reg, ff, "s1")

	require.NoError(t, reg.Connect(context.Background(), ConnectParams{
		ID: "s1", URL: "ws://gw.test/s1", Token: "tok2",
	}))

	first := ff.channel(0)
	first.mu.Lock()
	closes := first.closes
	first.mu.Unlock()
	assert.Equal(t, 1, closes, "first channel must be closed before the second opens")

	assert.Len(t, reg.List(), 1)

	// Events from the torn-down channel no longer reach the registry.
	first.emit(t, protocol.EventConnect, transport.ConnectPayload{})
	info, _ := reg.Get("s1")
	assert.Equal(t, StateConnecting, info.State)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	reg, ff := newTestRegistry(t, Hooks{})
	connectServer(t, reg, ff, "s1")

	reg.Disconnect("s1")
	_, ok := reg.Get("s1")
	assert.False(t, ok)

	// Second disconnect and unknown ids are no-ops.
	reg.Disconnect("s1")
	reg.Disconnect("never-existed")
}

func TestReconnectAccounting(t *testing.T) {
	reg, ff := newTestRegistry(t, Hooks{})
	ch := connectServer(t, reg, ff, "s1")

	ch.emit(t, protocol.EventDisconnect, transport.DisconnectPayload{Reason: "reset"})
	info, _ := reg.Get("s1")
	assert.Equal(t, StateDisconnected, info.State)

	for attempt := 1; attempt <= 4; attempt++ {
		ch.emit(t, protocol.EventConnectError, transport.ConnectErrorPayload{Attempt: attempt})
		info, _ = reg.Get("s1")
		assert.Equal(t, attempt, info.ReconnectAttempts)
		assert.Equal(t, StateReconnecting, info.State)
		assert.False(t, info.FailureFlag)
	}

	// Threshold reached: sticky failure.
	ch.emit(t, protocol.EventConnectError, transport.ConnectErrorPayload{Attempt: 5})
	info, _ = reg.Get("s1")
	assert.Equal(t, StateFailed, info.State)
	assert.True(t, info.FailureFlag)

	// Successful reconnect resets the counter and clears the flag.
	ch.emit(t, protocol.EventConnect, transport.ConnectPayload{Reconnected: true})
	info, _ = reg.Get("s1")
	assert.Equal(t, StateConnected, info.State)
	assert.Zero(t, info.ReconnectAttempts)
	assert.False(t, info.FailureFlag)
}

func TestManualReconnectSwapsToken(t *testing.T) {
	reg, ff := newTestRegistry(t, Hooks{})
	ch := connectServer(t, reg, ff, "s1")

	ch.emit(t, protocol.EventConnectError, transport.ConnectErrorPayload{Attempt: 5})
	info, _ := reg.Get("s1")
	require.True(t, info.FailureFlag)

	require.NoError(t, reg.Reconnect(context.Background(), "s1", "fresh-token"))

	ch.mu.Lock()
	token, opens := ch.token, ch.opens
	ch.mu.Unlock()
	assert.Equal(t, "fresh-token", token)
	assert.Equal(t, 2, opens)

	info, _ = reg.Get("s1")
	assert.Equal(t, StateConnecting, info.State)
	assert.False(t, info.FailureFlag)

	err := reg.Reconnect(context.Background(), "nope", "tok")
	require.ErrorIs(t, err, ErrUnknownServer)
}

func TestServerInfoHandshake(t *testing.T) {
	reg, ff := newTestRegistry(t, Hooks{})
	ch := connectServer(t, reg, ff, "s1")

	ch.emit(t, protocol.EventServerInfo, protocol.ServerInfo{
		ServerID: "assigned-9f2", Name: "Production", Version: "3.1",
	})

	info, _ := reg.Get("s1")
	assert.Equal(t, "assigned-9f2", info.ServerAssignedID)
	assert.Equal(t, "Production", info.DisplayName)
}

func TestUpdateName(t *testing.T) {
	reg, ff := newTestRegistry(t, Hooks{})
	ch := connectServer(t, reg, ff, "s1")

	require.NoError(t, reg.UpdateName("s1", "Renamed"))
	info, _ := reg.Get("s1")
	assert.Equal(t, "Renamed", info.DisplayName)

	// Renaming never touches the channel.
	ch.mu.Lock()
	closes := ch.closes
	ch.mu.Unlock()
	assert.Zero(t, closes)

	require.ErrorIs(t, reg.UpdateName("missing", "x"), ErrUnknownServer)
}

func TestPresenceHook(t *testing.T) {
	var mu sync.Mutex
	var signals []bool
	reg, ff := newTestRegistry(t, Hooks{
		OnPresence: func(live bool) {
			mu.Lock()
			defer mu.Unlock()
			signals = append(signals, live)
		},
	})

	connectServer(t, reg, ff, "s1")
	connectServer(t, reg, ff, "s2")

	mu.Lock()
	assert.Equal(t, []bool{true}, signals, "only the first live server flips the signal")
	mu.Unlock()

	reg.Disconnect("s1")
	mu.Lock()
	assert.Equal(t, []bool{true}, signals)
	mu.Unlock()

	reg.Disconnect("s2")
	mu.Lock()
	assert.Equal(t, []bool{true, false}, signals)
	mu.Unlock()
}

func TestCallRequiresConnectedState(t *testing.T) {
	reg, ff := newTestRegistry(t, Hooks{})

	_, err := reg.Call(context.Background(), "nope", protocol.EventGetCapabilities, struct{}{}, time.Second)
	require.ErrorIs(t, err, ErrUnknownServer)

	require.NoError(t, reg.Connect(context.Background(), ConnectParams{
		ID: "s1", URL: "ws://gw.test/s1", Token: "tok",
	}))
	_ = ff // still Connecting

	_, err = reg.Call(context.Background(), "s1", protocol.EventGetCapabilities, struct{}{}, time.Second)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConfiguredTimeoutsApplyToCalls(t *testing.T) {
	ff := &fakeFactory{}
	reg := NewRegistry(Options{
		Factory:    ff.new,
		ClientInfo: protocol.ClientInfo{ClientID: "desk-test"},
		Timeouts:   Timeouts{Read: 20 * time.Millisecond},
	})
	require.NoError(t, reg.Connect(context.Background(), ConnectParams{
		ID: "s1", URL: "ws://gw.test/s1", Token: "tok",
	}))
	ch := ff.channel(0)
	ch.emit(t, protocol.EventConnect, transport.ConnectPayload{})

	// No reply ever arrives; the configured read timeout settles the call.
	start := time.Now()
	_, err := reg.GetCapabilities(context.Background(), "s1")
	var callErr *protocol.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, protocol.CodeTimeout, callErr.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCallRoundTripThroughRegistry(t *testing.T) {
	reg, ff := newTestRegistry(t, Hooks{})
	ch := connectServer(t, reg, ff, "s1")

	// Auto-reply to get_capabilities with a matching response envelope.
	ch.mu.Lock()
	ch.onSend = func(event string, payload any) {
		if event != protocol.EventGetCapabilities {
			return
		}
		req := payload.(protocol.Request)
		resp := protocol.NewResponse(req.RequestID, json.RawMessage(`{"capabilities":[{"name":"deploy","enabled":true}]}`))
		go ch.emit(t, protocol.EventSocketResponse, resp)
	}
	ch.mu.Unlock()

	set, err := reg.GetCapabilities(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, set.Capabilities, 1)
	assert.Equal(t, "deploy", set.Capabilities[0].Name)
	assert.Zero(t, reg.PendingCount("s1"))
}

func TestChannelDropRejectsPendingCalls(t *testing.T) {
	reg, ff := newTestRegistry(t, Hooks{})
	ch := connectServer(t, reg, ff, "s1")

	done := make(chan error, 1)
	go func() {
		_, err := reg.Call(context.Background(), "s1", protocol.EventConfigureServer, struct{}{}, time.Minute)
		done <- err
	}()
	require.Eventually(t, func() bool { return reg.PendingCount("s1") == 1 }, time.Second, time.Millisecond)

	ch.emit(t, protocol.EventDisconnect, transport.DisconnectPayload{Reason: "reset"})

	select {
	case err := <-done:
		var callErr *protocol.CallError
		require.ErrorAs(t, err, &callErr)
		assert.Equal(t, protocol.CodeServiceUnavailable, callErr.Code)
	case <-time.After(time.Second):
		t.Fatal("pending call not rejected on disconnect")
	}
	assert.Zero(t, reg.PendingCount("s1"))
}

func TestNotificationHookGetsServerID(t *testing.T) {
	got := make(chan *protocol.Notification, 1)
	reg, ff := newTestRegistry(t, Hooks{
		OnNotification: func(serverID string, n *protocol.Notification) {
			got <- n
		},
	})
	ch := connectServer(t, reg, ff, "s1")

	ch.emit(t, protocol.EventNotification, protocol.Notification{Type: "deploy_finished", Message: "ok"})

	select {
	case n := <-got:
		assert.Equal(t, "s1", n.ServerID)
		assert.Equal(t, "deploy_finished", n.Type)
	case <-time.After(time.Second):
		t.Fatal("notification hook not invoked")
	}
}

func TestAskConfirmHookGetsReplier(t *testing.T) {
	type confirmCall struct {
		serverID string
		replier  Sender
		req      *protocol.AskUserConfirm
	}
	got := make(chan confirmCall, 1)
	reg, ff := newTestRegistry(t, Hooks{
		OnAskConfirm: func(serverID string, replier Sender, req *protocol.AskUserConfirm) {
			got <- confirmCall{serverID, replier, req}
		},
	})
	ch := connectServer(t, reg, ff, "s1")

	ch.emit(t, protocol.EventAskUserConfirm, protocol.AskUserConfirm{
		RequestID: "r7", ToolName: "DeleteRecords", Origin: "agent:janitor",
	})

	select {
	case call := <-got:
		assert.Equal(t, "s1", call.serverID)
		assert.Equal(t, "DeleteRecords", call.req.ToolName)
		require.NotNil(t, call.replier)
		// The replier is the originating channel.
		require.NoError(t, call.replier.Send(protocol.EventSocketResponse, protocol.NewResponse("r7", nil)))
		frames := ch.sentFrames()
		assert.Equal(t, protocol.EventSocketResponse, frames[len(frames)-1].event)
	case <-time.After(time.Second):
		t.Fatal("ask confirm hook not invoked")
	}
}

func TestPullAnsweredOverSocketResponse(t *testing.T) {
	reg, ff := newTestRegistry(t, Hooks{
		OnPull: func(serverID, kind string) (any, error) {
			if kind == protocol.EventGetClientStatus {
				return map[string]string{"status": "ready"}, nil
			}
			return nil, errors.New("no data")
		},
	})
	ch := connectServer(t, reg, ff, "s1")

	ch.emit(t, protocol.EventGetClientStatus, protocol.NewRequest("pull-1", nil))

	frames := ch.sentFrames()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	require.Equal(t, protocol.EventSocketResponse, last.event)
	resp := last.payload.(protocol.Response)
	assert.Equal(t, "pull-1", resp.RequestID)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"status":"ready"}`, string(resp.Data))

	// Hook errors surface as CLIENT_ERROR, never silence.
	ch.emit(t, protocol.EventGetCurrentPage, protocol.NewRequest("pull-2", nil))
	frames = ch.sentFrames()
	resp = frames[len(frames)-1].payload.(protocol.Response)
	assert.False(t, resp.Success)
	assert.Equal(t, protocol.CodeClientError, resp.Error.Code)
}

func TestSetActiveClients(t *testing.T) {
	reg, ff := newTestRegistry(t, Hooks{})
	connectServer(t, reg, ff, "s1")

	reg.SetActiveClients("s1", 3)
	info, _ := reg.Get("s1")
	assert.Equal(t, 3, info.ActiveClientCount)
}

func TestCloseTearsDownEverything(t *testing.T) {
	reg, ff := newTestRegistry(t, Hooks{})
	connectServer(t, reg, ff, "s1")
	connectServer(t, reg, ff, "s2")

	reg.Close()
	assert.Empty(t, reg.List())
	for i := 0; i < 2; i++ {
		ch := ff.channel(i)
		ch.mu.Lock()
		closes := ch.closes
		ch.mu.Unlock()
		assert.Equal(t, 1, closes)
	}
}

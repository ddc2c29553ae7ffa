// ABOUTME: Pending authorization gate for tool approval requests
// ABOUTME: Defers confirmations while the vault is locked and replies on release

package approval

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/2389/coven-desk/internal/gateway"
	"github.com/2389/coven-desk/internal/protocol"
)

// LockState reports whether the application is locked. Satisfied by
// *vault.Vault.
type LockState interface {
	Locked() bool
}

// Prompter surfaces an approval request to the user and returns the
// decision. Implementations block until the user answers or their own
// timeout expires.
type Prompter interface {
	Confirm(serverID string, req *protocol.AskUserConfirm) (confirmed bool)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(serverID string, req *protocol.AskUserConfirm) bool

// Confirm implements Prompter.
func (f PrompterFunc) Confirm(serverID string, req *protocol.AskUserConfirm) bool {
	return f(serverID, req)
}

// held is one authorization waiting for the vault to unlock.
type held struct {
	serverID string
	replier  gateway.Sender
	req      *protocol.AskUserConfirm
}

// Gate sits between the registry's ask_user_confirm hook and the user.
// While the application is unlocked the gate prompts immediately; while
// locked it retains the request and the originating channel, and
// surfaces the confirmation when the vault unlocks. At most one
// authorization is retained; a second request arriving while one is
// held is rejected over the wire with SERVICE_UNAVAILABLE.
type Gate struct {
	lock     LockState
	prompter Prompter
	logger   *slog.Logger

	mu      sync.Mutex
	pending *held
}

// New builds a Gate. Call Bind on the vault's OnUnlock to release held
// authorizations.
func New(lock LockState, prompter Prompter, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		lock:     lock,
		prompter: prompter,
		logger:   logger.With("component", "approval"),
	}
}

// Intercept is the registry's OnAskConfirm hook. The replier is the
// channel the request arrived on; the reply always goes back on it,
// whether the decision happens now or after an unlock.
func (g *Gate) Intercept(serverID string, replier gateway.Sender, req *protocol.AskUserConfirm) {
	if !g.lock.Locked() {
		go g.resolve(serverID, replier, req)
		return
	}

	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		g.logger.Warn("rejecting approval request, one already held",
			"server_id", serverID, "tool", req.ToolName, "request_id", req.RequestID)
		g.reply(replier, protocol.NewErrorResponse(req.RequestID,
			protocol.CodeServiceUnavailable, "an authorization is already pending"))
		return
	}
	g.pending = &held{serverID: serverID, replier: replier, req: req}
	g.mu.Unlock()

	g.logger.Info("authorization deferred until unlock",
		"server_id", serverID, "tool", req.ToolName, "request_id", req.RequestID)
}

// Release surfaces the held authorization, if any. Wired to the
// vault's unlock listeners.
func (g *Gate) Release() {
	g.mu.Lock()
	h := g.pending
	g.pending = nil
	g.mu.Unlock()

	if h == nil {
		return
	}

	g.logger.Info("releasing deferred authorization",
		"server_id", h.serverID, "tool", h.req.ToolName, "request_id", h.req.RequestID)
	go g.resolve(h.serverID, h.replier, h.req)
}

// Holding reports whether an authorization is currently deferred.
func (g *Gate) Holding() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}

// Drop discards the held authorization for a server whose channel went
// away, rejecting it so the gateway does not wait out its consent
// timeout.
func (g *Gate) Drop(serverID string) {
	g.mu.Lock()
	h := g.pending
	if h == nil || h.serverID != serverID {
		g.mu.Unlock()
		return
	}
	g.pending = nil
	g.mu.Unlock()

	g.logger.Info("dropping deferred authorization, channel gone",
		"server_id", h.serverID, "tool", h.req.ToolName)
	g.reply(h.replier, protocol.NewErrorResponse(h.req.RequestID,
		protocol.CodeServiceUnavailable, "connection closed before authorization"))
}

// resolve prompts the user and sends the decision back on the
// originating channel.
func (g *Gate) resolve(serverID string, replier gateway.Sender, req *protocol.AskUserConfirm) {
	confirmed := g.prompter.Confirm(serverID, req)

	data, err := json.Marshal(map[string]bool{"confirmed": confirmed})
	if err != nil {
		g.logger.Error("encoding approval decision", "error", err)
		return
	}

	g.logger.Info("authorization decided",
		"server_id", serverID, "tool", req.ToolName,
		"request_id", req.RequestID, "confirmed", confirmed)
	g.reply(replier, protocol.NewResponse(req.RequestID, data))
}

func (g *Gate) reply(replier gateway.Sender, resp protocol.Response) {
	if err := replier.Send(protocol.EventSocketResponse, resp); err != nil {
		g.logger.Warn("sending approval reply", "request_id", resp.RequestID, "error", err)
	}
}

// ABOUTME: Request/response correlation over a push-style gateway channel
// ABOUTME: Guarantees exactly-once settlement for every pending request

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-desk/internal/protocol"
)

// Timeout classes for call operations. Design defaults: metadata reads
// are quick, server reconfiguration slower, and consent operations wait
// on an out-of-band human step.
const (
	ReadTimeout      = 10 * time.Second
	ConfigureTimeout = 30 * time.Second
	ConsentTimeout   = 300 * time.Second
)

// Timeouts carry the per-operation timeout classes applied by the typed
// call wrappers. Zero fields take the package defaults above.
type Timeouts struct {
	Read      time.Duration
	Configure time.Duration
	Consent   time.Duration
}

func (t *Timeouts) applyDefaults() {
	if t.Read == 0 {
		t.Read = ReadTimeout
	}
	if t.Configure == 0 {
		t.Configure = ConfigureTimeout
	}
	if t.Consent == 0 {
		t.Consent = ConsentTimeout
	}
}

// Sender is the outbound half of a channel adapter.
type Sender interface {
	Send(event string, payload any) error
}

// pendingRequest is one outstanding call. Settled exactly once, by
// response, timeout, cancellation, or connection teardown.
type pendingRequest struct {
	serverID string
	issuedAt time.Time
	ch       chan protocol.Response
	timer    *time.Timer
}

// Correlator converts fire-and-forget channel events into call/response
// semantics by matching response envelopes to pending request ids.
type Correlator struct {
	serverID string
	sender   Sender
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewCorrelator creates a Correlator bound to one connection's sender.
func NewCorrelator(serverID string, sender Sender, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		serverID: serverID,
		sender:   sender,
		logger:   logger.With("component", "correlator", "server_id", serverID),
		pending:  make(map[string]*pendingRequest),
	}
}

// Call sends payload on the named event wrapped in a request envelope and
// waits for the matching response. The first of {response, timeout,
// context cancellation} settles the call; the losing paths are
// deregistered so no handler leaks.
func (c *Correlator) Call(ctx context.Context, event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", event, err)
	}

	requestID := protocol.NewRequestID()
	p := &pendingRequest{
		serverID: c.serverID,
		issuedAt: time.Now(),
		ch:       make(chan protocol.Response, 1),
		timer:    time.NewTimer(timeout),
	}

	c.mu.Lock()
	c.pending[requestID] = p
	c.mu.Unlock()

	if err := c.sender.Send(event, protocol.NewRequest(requestID, data)); err != nil {
		c.remove(requestID)
		p.timer.Stop()
		return nil, fmt.Errorf("sending %s: %w", event, err)
	}

	c.logger.Debug("request sent", "event", event, "request_id", requestID, "timeout", timeout)

	select {
	case resp := <-p.ch:
		return settled(resp)

	case <-p.timer.C:
		if c.remove(requestID) {
			c.logger.Warn("request timed out", "event", event, "request_id", requestID)
			return nil, &protocol.CallError{
				Code:    protocol.CodeTimeout,
				Message: fmt.Sprintf("%s timed out after %s", event, timeout),
			}
		}
		// A response won the race and is already buffered.
		return settled(<-p.ch)

	case <-ctx.Done():
		p.timer.Stop()
		if c.remove(requestID) {
			return nil, ctx.Err()
		}
		return settled(<-p.ch)
	}
}

// settled unwraps a response envelope into data or a CallError.
func settled(resp protocol.Response) (json.RawMessage, error) {
	if !resp.Success {
		code, message := protocol.CodeServerError, "request failed"
		if resp.Error != nil {
			code, message = resp.Error.Code, resp.Error.Message
		}
		return nil, &protocol.CallError{Code: code, Message: message}
	}
	return resp.Data, nil
}

// HandleResponse routes an inbound response envelope to its pending
// request. Responses for unknown (already settled) ids are logged and
// discarded.
func (c *Correlator) HandleResponse(payload json.RawMessage) {
	var resp protocol.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.logger.Warn("dropping malformed response", "error", err)
		return
	}

	c.mu.Lock()
	p, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("response for unknown request", "request_id", resp.RequestID)
		return
	}

	p.timer.Stop()
	p.ch <- resp
}

// FailAll rejects every outstanding request with the given error,
// synchronously. Called on connection drop and teardown so callers do not
// wait out their timeouts.
func (c *Correlator) FailAll(code int, message string) {
	c.mu.Lock()
	failed := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for requestID, p := range failed {
		p.timer.Stop()
		p.ch <- protocol.Response{
			RequestID: requestID,
			Success:   false,
			Error:     &protocol.ErrorInfo{Code: code, Message: message},
			Timestamp: time.Now().UnixMilli(),
		}
	}

	if len(failed) > 0 {
		c.logger.Info("rejected outstanding requests", "count", len(failed), "code", code)
	}
}

// PendingCount returns the number of unsettled requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// remove deletes a pending request, reporting whether the caller won the
// settlement race.
func (c *Correlator) remove(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[requestID]; !ok {
		return false
	}
	delete(c.pending, requestID)
	return true
}

// ABOUTME: Typed call wrappers for the gateway protocol operations
// ABOUTME: Applies the per-operation timeout classes to Registry.Call

package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-desk/internal/protocol"
)

// GetCapabilities fetches the server's capability descriptor.
func (r *Registry) GetCapabilities(ctx context.Context, id string) (*protocol.CapabilitySet, error) {
	data, err := r.Call(ctx, id, protocol.EventGetCapabilities, struct{}{}, r.timeouts.Read)
	if err != nil {
		return nil, err
	}
	var set protocol.CapabilitySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	return &set, nil
}

// SetCapabilities pushes updated enable states and danger levels.
func (r *Registry) SetCapabilities(ctx context.Context, id string, set protocol.CapabilitySet) error {
	_, err := r.Call(ctx, id, protocol.EventSetCapabilities, set, r.timeouts.Configure)
	return err
}

// ConfigureServer applies a server (re)configuration. The payload shape is
// owned by the gateway; it is opaque here.
func (r *Registry) ConfigureServer(ctx context.Context, id string, cfg any) (json.RawMessage, error) {
	return r.Call(ctx, id, protocol.EventConfigureServer, cfg, r.timeouts.Configure)
}

// UnconfigureServer removes this client's configuration from the gateway.
// Uses the consent timeout class: some gateways gate this behind an
// out-of-band confirmation step.
func (r *Registry) UnconfigureServer(ctx context.Context, id string) error {
	_, err := r.Call(ctx, id, protocol.EventUnconfigureServer, struct{}{}, r.timeouts.Consent)
	return err
}

// ABOUTME: Package documentation for gateway connection management
// ABOUTME: Describes the registry state machine and request correlation

// Package gateway manages connections to coven gateway servers.
//
// # Registry
//
// The Registry owns one ServerConnection per configured gateway id:
//
//	reg := gateway.NewRegistry(gateway.Options{Factory: factory, Logger: logger})
//
// Key operations:
//
//   - Connect(ctx, params): Open a channel (tears down any existing one for the id)
//   - Disconnect(id): Close the channel and reject its pending calls
//   - Reconnect(ctx, id, token): Manual recovery after the Failed state
//   - UpdateName(id, name): Relabel without touching the channel
//   - Call(ctx, id, event, payload, timeout): Correlated request/response
//   - Get(id) / List(): Read-only snapshots
//
// # State machine
//
// Each connection moves through
//
//	Idle -> Connecting -> Connected <-> Disconnected
//	Connecting/Disconnected -> Reconnecting -> Failed
//
// Channel lifecycle events drive every transition. Entering Connected
// resets the reconnect counter, stamps LastConnectedAt, and clears the
// failure flag; exceeding the attempt threshold sets the sticky failure
// flag, which only a manual Reconnect clears. Calls against anything but
// a Connected id fail immediately rather than queuing.
//
// Every mutation goes through a single "read current, apply, commit" step
// on the live registry map, never through state captured by an earlier
// closure, so interleaved channel events for the same id cannot lose
// updates.
//
// # Correlation
//
// The Correlator turns the push-style channel into call/response
// semantics. Each call registers a pending waiter keyed by a fresh
// requestId, sends the request envelope, and settles exactly once: the
// first of {matching response, timeout, context cancellation} wins and
// deregisters the others. Disconnecting a server rejects all of its
// outstanding calls synchronously instead of letting them ride out their
// timeouts.
package gateway

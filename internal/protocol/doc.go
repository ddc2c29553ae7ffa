// ABOUTME: Package documentation for the coven-desk wire protocol
// ABOUTME: Describes the envelope, channel events, and error codes

// Package protocol defines the wire protocol spoken over a gateway channel.
//
// # Envelope
//
// Every call/response exchange uses a JSON envelope:
//
//	Request:  { requestId, data, timestamp }
//	Response: { requestId, success, data, error, timestamp }
//
// The requestId is a client-generated correlation token (unix-millis
// timestamp plus a random suffix, unique within one process lifetime).
// Payloads inside data are opaque to the envelope layer.
//
// # Channel events
//
// Each websocket message carries a Frame { event, payload }. Client-sent
// events: client-info, get_capabilities, set_capabilities,
// configure_server, unconfigure_server, socket_response. Server-sent
// events are decoded into a closed set of typed variants via
// DecodeServerEvent; an unknown event name is an error, never a silent
// drop, so handler dispatch stays exhaustively checked.
//
// # Errors
//
// Failure responses carry a stable numeric code and a message. CallError
// wraps both so callers can branch on the code without string matching.
package protocol

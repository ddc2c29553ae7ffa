// ABOUTME: Channel event names and the closed set of server-sent event variants
// ABOUTME: Decodes inbound frames into typed structs so handlers stay exhaustive

package protocol

import (
	"encoding/json"
	"fmt"
)

// Client-sent channel events.
const (
	EventClientInfo        = "client-info"
	EventGetCapabilities   = "get_capabilities"
	EventSetCapabilities   = "set_capabilities"
	EventConfigureServer   = "configure_server"
	EventUnconfigureServer = "unconfigure_server"
	EventSocketResponse    = "socket_response"
)

// Server-sent channel events.
const (
	EventNotification      = "notification"
	EventAskUserConfirm    = "ask_user_confirm"
	EventServerInfo        = "server_info"
	EventGetClientStatus   = "get_client_status"
	EventGetCurrentPage    = "get_current_page"
	EventGetClientConfig   = "get_client_config"
	EventGetConnectionInfo = "get_connection_info"
)

// Synthetic lifecycle events raised by the transport adapter itself, never
// sent on the wire. They share the subscription surface so the registry
// observes channel health the same way it observes protocol traffic.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// ServerEvent is the closed union of decoded server-sent events.
type ServerEvent interface {
	EventName() string
}

// Notification is an unsolicited push message from a gateway. ServerID is
// filled in locally from the connection the frame arrived on.
type Notification struct {
	ServerID  string          `json:"serverId,omitempty"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Severity  string          `json:"severity"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventName implements ServerEvent.
func (*Notification) EventName() string { return EventNotification }

// Notification severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Well-known notification types with dispatcher side effects.
const (
	NotifyCapabilityChanged = "capability_changed"
	NotifySessionRoster     = "session_roster_changed"
)

// AskUserConfirm asks the local user to approve a tool invocation. Params
// is an opaque blob rendered to the user but never interpreted here.
type AskUserConfirm struct {
	RequestID   string          `json:"requestId"`
	ToolName    string          `json:"toolName"`
	Description string          `json:"description"`
	Params      json.RawMessage `json:"params"`
	Origin      string          `json:"origin"`
}

// EventName implements ServerEvent.
func (*AskUserConfirm) EventName() string { return EventAskUserConfirm }

// ServerInfo is the one-time handshake payload after a channel opens.
type ServerInfo struct {
	ServerID string `json:"serverId"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

// EventName implements ServerEvent.
func (*ServerInfo) EventName() string { return EventServerInfo }

// PullRequest is a server-initiated read (client status, current page,
// client config, connection info, capabilities) answered via the
// response envelope on the socket_response event.
type PullRequest struct {
	Kind    string
	Request Request
}

// EventName implements ServerEvent.
func (p *PullRequest) EventName() string { return p.Kind }

// ErrUnknownEvent is returned by DecodeServerEvent for event names outside
// the closed set.
type ErrUnknownEvent struct {
	Event string
}

// Error implements the error interface.
func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown server event %q", e.Event)
}

// DecodeServerEvent decodes an inbound frame payload into its typed
// variant. The event set is closed: unrecognized names return
// *ErrUnknownEvent so the caller can answer with UNKNOWN_ACTION rather
// than dropping the frame silently.
func DecodeServerEvent(event string, payload json.RawMessage) (ServerEvent, error) {
	switch event {
	case EventNotification:
		var n Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			return nil, fmt.Errorf("decoding notification: %w", err)
		}
		return &n, nil

	case EventAskUserConfirm:
		var a AskUserConfirm
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("decoding ask_user_confirm: %w", err)
		}
		return &a, nil

	case EventServerInfo:
		var s ServerInfo
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, fmt.Errorf("decoding server_info: %w", err)
		}
		return &s, nil

	case EventGetClientStatus, EventGetCurrentPage, EventGetClientConfig,
		EventGetConnectionInfo, EventGetCapabilities:
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", event, err)
		}
		return &PullRequest{Kind: event, Request: req}, nil

	default:
		return nil, &ErrUnknownEvent{Event: event}
	}
}

// ClientInfo is the device/platform metadata sent on connect and reconnect.
type ClientInfo struct {
	ClientID   string `json:"clientId"`
	InstanceID string `json:"instanceId"`
	Platform   string `json:"platform"`
	Hostname   string `json:"hostname"`
	Version    string `json:"version"`
}

// Capability describes one tool a gateway exposes and its enable state.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	DangerLevel string `json:"dangerLevel,omitempty"`
}

// Danger levels controlling how a tool call is surfaced to the user.
const (
	DangerSilent  = "silent"
	DangerNotify  = "notify"
	DangerConfirm = "confirm"
)

// CapabilitySet is the capability descriptor exchanged with
// get_capabilities / set_capabilities.
type CapabilitySet struct {
	Capabilities []Capability `json:"capabilities"`
}

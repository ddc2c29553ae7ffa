// ABOUTME: Answers server-initiated pull requests with desk state snapshots
// ABOUTME: Covers client status, current page, client config, and connection info

package desk

import (
	"fmt"
	"time"

	"github.com/2389/coven-desk/internal/gateway"
	"github.com/2389/coven-desk/internal/protocol"
)

// ClientStatus is the get_client_status pull answer.
type ClientStatus struct {
	ClientID      string `json:"clientId"`
	Name          string `json:"name"`
	Version       string `json:"version"`
	Locked        bool   `json:"locked"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	ServerCount   int    `json:"serverCount"`
}

// CurrentPage is the get_current_page pull answer.
type CurrentPage struct {
	Page string `json:"page"`
}

// ClientConfigView is the get_client_config pull answer. Paths and
// credentials never leave the process; only behavioral knobs do.
type ClientConfigView struct {
	DesktopNotifications bool   `json:"desktopNotifications"`
	LogLevel             string `json:"logLevel"`
	ReconnectAttempts    int    `json:"reconnectAttempts"`
}

// ConnectionInfo is the per-server slice of the get_connection_info pull
// answer.
type ConnectionInfo struct {
	ServerID          string     `json:"serverId"`
	DisplayName       string     `json:"displayName"`
	State             string     `json:"state"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	FailureFlag       bool       `json:"failureFlag"`
	LastConnectedAt   *time.Time `json:"lastConnectedAt,omitempty"`
	ActiveClients     int        `json:"activeClients"`
}

// answerPull is the registry's OnPull hook.
func (a *App) answerPull(serverID, kind string) (any, error) {
	switch kind {
	case protocol.EventGetClientStatus:
		infos := a.Registry.List()
		return ClientStatus{
			ClientID:      a.Registry.ClientID(),
			Name:          a.cfg.Client.Name,
			Version:       a.cfg.Client.Version,
			Locked:        a.Vault.Locked(),
			UptimeSeconds: int64(time.Since(a.startedAt).Seconds()),
			ServerCount:   len(infos),
		}, nil

	case protocol.EventGetCurrentPage:
		a.mu.Lock()
		page := a.currentPage
		a.mu.Unlock()
		return CurrentPage{Page: page}, nil

	case protocol.EventGetClientConfig:
		return ClientConfigView{
			DesktopNotifications: a.cfg.Notify.Desktop,
			LogLevel:             a.cfg.Logging.Level,
			ReconnectAttempts:    a.cfg.Channels.MaxReconnectAttempts,
		}, nil

	case protocol.EventGetConnectionInfo:
		infos := a.Registry.List()
		out := make([]ConnectionInfo, 0, len(infos))
		for _, info := range infos {
			out = append(out, connectionInfo(info))
		}
		return out, nil

	case protocol.EventGetCapabilities:
		a.mu.Lock()
		caps := a.caps
		a.mu.Unlock()
		return caps, nil

	default:
		return nil, fmt.Errorf("unsupported pull kind %q", kind)
	}
}

func connectionInfo(info gateway.Info) ConnectionInfo {
	return ConnectionInfo{
		ServerID:          info.ID,
		DisplayName:       info.DisplayName,
		State:             string(info.State),
		ReconnectAttempts: info.ReconnectAttempts,
		FailureFlag:       info.FailureFlag,
		LastConnectedAt:   info.LastConnectedAt,
		ActiveClients:     info.ActiveClientCount,
	}
}

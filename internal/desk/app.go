// ABOUTME: Top-level application object wiring registry, vault, store, and dispatch
// ABOUTME: Constructed once in main and passed by reference, no package-level instance

package desk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-desk/internal/approval"
	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/config"
	"github.com/2389/coven-desk/internal/gateway"
	"github.com/2389/coven-desk/internal/notify"
	"github.com/2389/coven-desk/internal/protocol"
	"github.com/2389/coven-desk/internal/store"
	"github.com/2389/coven-desk/internal/transport"
	"github.com/2389/coven-desk/internal/vault"
)

// App owns every long-lived component of coven-desk. There is exactly
// one App per process, created in main and wired explicitly.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Store      store.Store
	Vault      *vault.Vault
	Registry   *gateway.Registry
	Dispatcher *notify.Dispatcher
	Gate       *approval.Gate

	startedAt time.Time

	mu          sync.Mutex
	currentPage string
	caps        protocol.CapabilitySet
}

// Options carry the injectable pieces of an App. Zero values take
// production defaults.
type Options struct {
	// Prompter surfaces tool approval requests. Defaults to a prompter
	// that denies everything, for headless operation.
	Prompter approval.Prompter

	// Factory overrides the websocket adapter construction in tests.
	Factory gateway.AdapterFactory

	// VaultParams override the key derivation cost in tests.
	VaultParams vault.Params
}

// New builds and wires the application. The vault starts locked; call
// Unlock (or Vault.Init on first run) before connecting servers whose
// credentials must be decrypted.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	app := &App{
		cfg:       cfg,
		logger:    logger,
		Store:     st,
		Vault:     vault.New(cfg.Vault.Path, opts.VaultParams, logger),
		startedAt: time.Now(),
	}

	clientID := cfg.Client.ID
	if clientID == "" {
		clientID, err = app.loadClientID(context.Background())
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	// Hooks close over app so components constructed below are visible
	// by the time any channel event fires. The failure threshold tracks
	// the transport's reconnect cap so exhausting the retries is exactly
	// what trips the Failed state.
	app.Registry = gateway.NewRegistry(gateway.Options{
		Factory:          app.factory(opts.Factory),
		ClientInfo:       clientInfo(clientID, cfg.Client.Version),
		FailureThreshold: cfg.Channels.MaxReconnectAttempts,
		Timeouts: gateway.Timeouts{
			Read:      cfg.Channels.ReadTimeout,
			Configure: cfg.Channels.ConfigureTimeout,
			Consent:   cfg.Channels.ConsentTimeout,
		},
		Logger: logger,
		Hooks: gateway.Hooks{
			OnNotification: func(serverID string, n *protocol.Notification) {
				app.Dispatcher.Dispatch(n)
			},
			OnAskConfirm: func(serverID string, replier gateway.Sender, req *protocol.AskUserConfirm) {
				app.Gate.Intercept(serverID, replier, req)
			},
			OnPresence: func(live bool) {
				logger.Info("gateway presence changed", "live", live)
			},
			OnPull: app.answerPull,
		},
	})

	var notifier notify.Notifier
	if cfg.Notify.Desktop {
		notifier = notify.NewDesktopNotifier(logger)
	}
	app.Dispatcher = notify.NewDispatcher(notifier, app.Registry, logger)
	app.Dispatcher.EnableDedupe(30*time.Second, 512)

	prompter := opts.Prompter
	if prompter == nil {
		prompter = approval.PrompterFunc(func(serverID string, req *protocol.AskUserConfirm) bool {
			logger.Warn("no prompter configured, denying tool approval",
				"server_id", serverID, "tool", req.ToolName)
			return false
		})
	}
	app.Gate = approval.New(app.Vault, prompter, logger)
	app.Vault.OnUnlock(app.Gate.Release)

	return app, nil
}

// clientInfo assembles the identity payload sent on every connect.
func clientInfo(clientID, version string) protocol.ClientInfo {
	hostname, _ := os.Hostname()
	return protocol.ClientInfo{
		ClientID:   clientID,
		InstanceID: uuid.NewString(),
		Platform:   runtime.GOOS,
		Hostname:   hostname,
		Version:    version,
	}
}

// factory returns the adapter factory, applying channel timing knobs
// from the config to each connection.
func (a *App) factory(override gateway.AdapterFactory) gateway.AdapterFactory {
	if override != nil {
		return override
	}
	ch := a.cfg.Channels
	return func(cfg transport.Config) gateway.ChannelAdapter {
		cfg.MaxAttempts = ch.MaxReconnectAttempts
		cfg.ReconnectDelay = ch.ReconnectDelay
		cfg.MaxReconnectDelay = ch.MaxReconnectDelay
		dialer := &transport.WebsocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
		return transport.New(cfg, dialer, a.logger)
	}
}

// loadClientID reads the persisted client id, minting one on first run.
func (a *App) loadClientID(ctx context.Context) (string, error) {
	id, err := a.Store.GetSetting(ctx, "client_id")
	if err != nil {
		return "", fmt.Errorf("reading client id: %w", err)
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := a.Store.PutSetting(ctx, "client_id", id); err != nil {
		return "", fmt.Errorf("persisting client id: %w", err)
	}
	a.logger.Info("minted client id", "client_id", id)
	return id, nil
}

// Unlock opens the vault with the master password, which also releases
// any authorization deferred while locked.
func (a *App) Unlock(password string) error {
	return a.Vault.Unlock(password)
}

// Lock closes the vault. Registered servers stay connected; only
// credential operations and tool approvals are gated.
func (a *App) Lock() {
	a.Vault.Lock()
}

// AddServer registers a gateway: the credential is inspected for expiry,
// sealed with the vault key, and persisted. Returns the new server id.
func (a *App) AddServer(ctx context.Context, displayName, url, token string) (string, error) {
	info, err := auth.Inspect(token)
	if err != nil {
		return "", fmt.Errorf("inspecting credential: %w", err)
	}
	if info.Expired() {
		return "", fmt.Errorf("credential for %q is already expired", displayName)
	}
	if info.ExpiresWithin(24 * time.Hour) {
		a.logger.Warn("credential expires soon",
			"name", displayName, "expires_at", info.ExpiresAt)
	}

	sealed, err := a.Vault.EncryptCredential(token)
	if err != nil {
		return "", fmt.Errorf("sealing credential: %w", err)
	}

	now := time.Now()
	rec := &store.ServerRecord{
		ID:                  uuid.NewString(),
		DisplayName:         displayName,
		URL:                 url,
		EncryptedCredential: sealed,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := a.Store.CreateServer(ctx, rec); err != nil {
		return "", fmt.Errorf("registering server: %w", err)
	}

	a.logger.Info("server registered", "server_id", rec.ID, "name", displayName)
	return rec.ID, nil
}

// RemoveServer disconnects a gateway and deletes its registration.
func (a *App) RemoveServer(ctx context.Context, id string) error {
	a.Registry.Disconnect(id)
	a.Gate.Drop(id)
	if err := a.Store.DeleteServer(ctx, id); err != nil {
		return fmt.Errorf("deleting server: %w", err)
	}
	a.logger.Info("server removed", "server_id", id)
	return nil
}

// ConnectServer opens the channel for one registered gateway, decrypting
// its credential through the vault.
func (a *App) ConnectServer(ctx context.Context, id string) error {
	rec, err := a.Store.GetServer(ctx, id)
	if err != nil {
		return fmt.Errorf("loading server %s: %w", id, err)
	}
	token, err := a.Vault.DecryptCredential(rec.EncryptedCredential)
	if err != nil {
		return fmt.Errorf("unsealing credential for %s: %w", id, err)
	}
	return a.Registry.Connect(ctx, gateway.ConnectParams{
		ID:          rec.ID,
		DisplayName: rec.DisplayName,
		URL:         rec.URL,
		Token:       token,
	})
}

// ConnectAll opens channels to every registered gateway. Individual
// failures are logged, not fatal; the remaining servers still connect.
func (a *App) ConnectAll(ctx context.Context) error {
	servers, err := a.Store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}
	for _, rec := range servers {
		if err := a.ConnectServer(ctx, rec.ID); err != nil {
			a.logger.Error("connecting server", "server_id", rec.ID, "error", err)
		}
	}
	return nil
}

// ReconnectServer is the manual recovery path after repeated failures:
// it re-unseals the credential and reopens the channel with it.
func (a *App) ReconnectServer(ctx context.Context, id string) error {
	rec, err := a.Store.GetServer(ctx, id)
	if err != nil {
		return fmt.Errorf("loading server %s: %w", id, err)
	}
	token, err := a.Vault.DecryptCredential(rec.EncryptedCredential)
	if err != nil {
		return fmt.Errorf("unsealing credential for %s: %w", id, err)
	}
	return a.Registry.Reconnect(ctx, id, token)
}

// SetCurrentPage records what the desk is displaying, for the
// get_current_page pull.
func (a *App) SetCurrentPage(page string) {
	a.mu.Lock()
	a.currentPage = page
	a.mu.Unlock()
}

// SetCapabilities records the local capability set exposed to gateways.
func (a *App) SetCapabilities(caps protocol.CapabilitySet) {
	a.mu.Lock()
	a.caps = caps
	a.mu.Unlock()
}

// Run connects every registered server and blocks until ctx is
// cancelled, then tears everything down.
func (a *App) Run(ctx context.Context) error {
	if err := a.ConnectAll(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.Close()
	return nil
}

// Close releases all resources. Safe to call once after Run, or instead
// of it.
func (a *App) Close() {
	a.Registry.Close()
	a.Dispatcher.Close()
	if err := a.Store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
	a.logger.Info("application closed")
}

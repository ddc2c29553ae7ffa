// ABOUTME: Notification dispatch with default system-notification side effects
// ABOUTME: Routes unsolicited gateway pushes to isolated subscriber handlers

package notify

import (
	"bytes"
	"encoding/json"
	"html"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/2389/coven-desk/internal/protocol"
)

// Handler receives dispatched notifications. Handlers run in registration
// order; a panicking handler is isolated and logged, never propagated.
type Handler func(n *protocol.Notification)

// Notifier surfaces a system notification to the local user.
type Notifier interface {
	Notify(title, body string) error
}

// RosterUpdater is the registry surface the dispatcher needs to apply
// session roster changes.
type RosterUpdater interface {
	SetActiveClients(serverID string, count int)
}

// titleFor maps well-known notification types to human titles; unmapped
// types fall back to a generic one.
var titles = map[string]string{
	protocol.NotifyCapabilityChanged: "Capabilities updated",
	protocol.NotifySessionRoster:     "Session roster changed",
	"server_message":                 "Gateway message",
	"server_warning":                 "Gateway warning",
	"server_error":                   "Gateway error",
}

const genericTitle = "Gateway notification"

type subscriber struct {
	id      string
	handler Handler
}

// Dispatcher routes inbound notifications: a system notification first,
// then every subscriber, plus the type-specific side effects.
type Dispatcher struct {
	notifier Notifier
	roster   RosterUpdater
	deduper  *Deduper
	logger   *slog.Logger

	mu         sync.RWMutex
	subs       []subscriber
	refreshers []subscriber
}

// NewDispatcher creates a Dispatcher. A nil notifier falls back to
// logging.
func NewDispatcher(notifier Notifier, roster RosterUpdater, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispatcher")
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	return &Dispatcher{
		notifier: notifier,
		roster:   roster,
		logger:   logger,
	}
}

// EnableDedupe suppresses identical notifications arriving within ttl.
// Gateways re-push state notifications after a reconnect; without this
// every reconnect re-surfaces them.
func (d *Dispatcher) EnableDedupe(ttl time.Duration, maxSize int) {
	d.deduper = NewDeduper(ttl, maxSize)
}

// Close stops background work owned by the dispatcher.
func (d *Dispatcher) Close() {
	if d.deduper != nil {
		d.deduper.Close()
	}
}

// Subscribe registers a notification handler and returns its unsubscribe
// function. Handlers are invoked in registration order.
func (d *Dispatcher) Subscribe(handler Handler) func() {
	id := uuid.NewString()
	d.mu.Lock()
	d.subs = append(d.subs, subscriber{id: id, handler: handler})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i], d.subs[i+1:]...)
				break
			}
		}
	}
}

// OnRefresh registers a handler for the cross-cutting refresh signal
// raised when a server's capabilities change. Dependent views use it to
// re-fetch through the correlator.
func (d *Dispatcher) OnRefresh(handler func(serverID string)) func() {
	id := uuid.NewString()
	wrapped := func(n *protocol.Notification) { handler(n.ServerID) }
	d.mu.Lock()
	d.refreshers = append(d.refreshers, subscriber{id: id, handler: wrapped})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.refreshers {
			if s.id == id {
				d.refreshers = append(d.refreshers[:i], d.refreshers[i+1:]...)
				break
			}
		}
	}
}

// rosterPayload is the payload of a session_roster_changed notification.
type rosterPayload struct {
	ActiveClients int `json:"activeClients"`
}

// Dispatch performs the default side effects for a notification and then
// invokes all subscribers. Ordering relative to in-flight calls is not
// guaranteed; the two paths correlate independently.
func (d *Dispatcher) Dispatch(n *protocol.Notification) {
	if d.deduper != nil && d.deduper.Seen(n) {
		d.logger.Debug("duplicate notification dropped",
			"server_id", n.ServerID, "type", n.Type)
		return
	}

	title, ok := titles[n.Type]
	if !ok {
		title = genericTitle
	}

	if err := d.notifier.Notify(title, flattenMarkdown(n.Message)); err != nil {
		d.logger.Warn("system notification failed", "type", n.Type, "error", err)
	}

	switch n.Type {
	case protocol.NotifySessionRoster:
		var p rosterPayload
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			d.logger.Warn("malformed roster payload", "server_id", n.ServerID, "error", err)
		} else if d.roster != nil {
			d.roster.SetActiveClients(n.ServerID, p.ActiveClients)
		}

	case protocol.NotifyCapabilityChanged:
		d.mu.RLock()
		refreshers := make([]subscriber, len(d.refreshers))
		copy(refreshers, d.refreshers)
		d.mu.RUnlock()
		for _, s := range refreshers {
			d.invoke(s, n)
		}
	}

	d.mu.RLock()
	subs := make([]subscriber, len(d.subs))
	copy(subs, d.subs)
	d.mu.RUnlock()

	for _, s := range subs {
		d.invoke(s, n)
	}
}

// invoke runs one handler with panic isolation so a bad subscriber cannot
// break the others or the dispatch loop.
func (d *Dispatcher) invoke(s subscriber, n *protocol.Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification handler panicked",
				"type", n.Type,
				"server_id", n.ServerID,
				"panic", r,
			)
		}
	}()
	s.handler(n)
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// flattenMarkdown renders a markdown message body and strips the markup,
// leaving plain text suitable for a desktop notification.
func flattenMarkdown(message string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(message), &buf); err != nil {
		return message
	}
	text := tagPattern.ReplaceAllString(buf.String(), "")
	return strings.TrimSpace(html.UnescapeString(text))
}

// LogNotifier writes notifications to the log. Used headless and as the
// fallback when no desktop notification command exists.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(title, body string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "title", title, "body", body)
	return nil
}

// DesktopNotifier shells out to notify-send. NewDesktopNotifier falls back
// to a LogNotifier when the command is unavailable.
type DesktopNotifier struct {
	command string
	logger  *slog.Logger
}

// NewDesktopNotifier probes for a desktop notification command.
func NewDesktopNotifier(logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	path, err := exec.LookPath("notify-send")
	if err != nil {
		logger.Debug("notify-send not found, using log notifier")
		return &LogNotifier{Logger: logger}
	}
	return &DesktopNotifier{command: path, logger: logger}
}

// Notify implements Notifier.
func (d *DesktopNotifier) Notify(title, body string) error {
	return exec.Command(d.command, "--app-name=coven-desk", title, body).Run()
}

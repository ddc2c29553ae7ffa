// ABOUTME: Store interface and data types for coven-desk persistence
// ABOUTME: Defines the ServerRecord struct and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateServer is returned when trying to register a server that already exists
var ErrDuplicateServer = errors.New("server already registered")

// ServerRecord is one registered gateway. The credential is stored
// sealed; only the vault can open it.
type ServerRecord struct {
	ID                  string
	DisplayName         string
	URL                 string
	EncryptedCredential string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Store is the persistence interface for coven-desk
type Store interface {
	// CreateServer registers a new gateway
	CreateServer(ctx context.Context, rec *ServerRecord) error

	// GetServer retrieves a server by ID
	GetServer(ctx context.Context, id string) (*ServerRecord, error)

	// UpdateServer updates a server's display name, URL, or credential
	UpdateServer(ctx context.Context, rec *ServerRecord) error

	// ListServers returns all registered servers ordered by display name
	ListServers(ctx context.Context) ([]*ServerRecord, error)

	// DeleteServer removes a server registration
	DeleteServer(ctx context.Context, id string) error

	// GetSetting reads an application setting, "" if unset
	GetSetting(ctx context.Context, key string) (string, error)

	// PutSetting writes an application setting
	PutSetting(ctx context.Context, key, value string) error

	// Close releases database resources
	Close() error
}

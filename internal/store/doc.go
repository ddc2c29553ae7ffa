// Package store provides persistent storage for coven-desk using SQLite.
//
// # Data Models
//
//   - ServerRecord: a registered gateway with its sealed credential
//   - settings: small key/value pairs such as the persisted client id
//
// Credentials are stored encrypted; the store never sees a plaintext
// token. Sealing and unsealing happen in the vault package.
//
// # Schema
//
// The schema is created automatically on first open. SQLite runs in WAL
// mode for concurrent reads during channel activity.
package store

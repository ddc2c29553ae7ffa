// Package approval defers tool approval requests while the vault is
// locked. At most one authorization is held; further requests are
// rejected over the wire so the gateway can fail the tool call promptly
// instead of waiting out the consent timeout.
package approval

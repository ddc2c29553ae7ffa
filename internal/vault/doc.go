// Package vault implements the master-password credential vault.
//
// # Key Derivation
//
// The master password is stretched with argon2id. The salt and cost
// parameters live in the vault file; the derived key exists only in
// memory while unlocked.
//
// # Sealing
//
// Credentials are sealed with XChaCha20-Poly1305 under the derived key
// and stored as base64(nonce || ciphertext). A sealed verifier string in
// the vault file lets Unlock reject a wrong password without touching
// any credential.
//
// # Lock State
//
// Locked/unlocked doubles as the application lock state: tool approvals
// are deferred while locked and released through the OnUnlock listeners.
package vault

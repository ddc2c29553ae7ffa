// Package auth inspects gateway access credentials.
//
// Gateways issue HS256-signed JWTs; the desk never holds the signing
// secret, so Inspect reads claims without verifying the signature. The
// gateway is the authority on validity - inspection exists to warn the
// user about expired or soon-to-expire credentials before a doomed
// connect attempt.
package auth

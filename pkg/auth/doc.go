// Package auth implements virtual key management for the gateway.
//
// Virtual keys are opaque bearer tokens handed to clients in place of
// upstream provider credentials. Only a salted SHA-256 hash of each key is
// stored; the plaintext is returned exactly once at generation time. Keys
// carry budgets, rate limits, model allow-lists, and expirations, all
// enforced on every request before any upstream call is made.
package auth

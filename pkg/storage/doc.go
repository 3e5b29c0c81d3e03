// Package storage manages the gateway's Postgres credential store and the
// Redis cache layer.
//
// Postgres holds the durable state: users provisioned through SSO, virtual
// keys, per-request usage logs, daily spend rollups, and the audit trail.
// Redis is an optional accelerator for key validation and distributed rate
// limiting; the gateway degrades to Postgres-only operation without it.
package storage

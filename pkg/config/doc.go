// Package config loads gateway configuration from environment variables and
// the YAML model-list file.
//
// Two sources compose the runtime configuration:
//
//   - Environment variables for server/deployment settings (ports, timeouts,
//     master key, database and Redis URLs, observability switches, SAML).
//   - A YAML file (-config flag) carrying model_list (alias to upstream
//     deployment mappings), gantry_settings, and general_settings (callback
//     hooks). Secret-valued YAML fields support "env:NAME" indirection so
//     credentials stay out of the file.
//
// The model list can be hot-reloaded via Watcher when the file changes.
package config

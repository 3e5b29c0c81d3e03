// Package models holds the model-list registry: the mapping from public
// model aliases to upstream provider deployments.
//
// Multiple deployments may share one alias; Resolve distributes requests
// across them round-robin. The registry is safe for concurrent use and
// supports atomic replacement for config hot reload.
package models

// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
//
// Gateway inference routes (/chat/completions, /v1/responses) reply with the
// OpenAI error envelope via WriteOpenAIError; management and SSO routes use
// the plain {"error": ...} shape.
package httputil

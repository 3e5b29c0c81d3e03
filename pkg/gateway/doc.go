// Package gateway implements the OpenAI-compatible proxy surface.
//
// # Routes
//
// Inference (authenticated, rate limited):
//
//	POST /chat/completions
//	POST /v1/chat/completions
//	POST /v1/responses
//	GET  /v1/models
//	GET  /models
//
// Key management (master key or proxy_admin):
//
//	POST /key/generate
//	POST /key/revoke
//	GET  /key/info
//	GET  /key/list
//
// Spend reporting (master key or proxy_admin):
//
//	GET /spend/keys
//	GET /spend/models
//
// SSO routes are registered by pkg/sso on the same router and skip bearer
// authentication; browsers hold session cookies, not API keys.
//
// # Request Flow
//
// auth middleware -> rate limit -> handler -> provider call -> spend record.
// Spend recording happens after the response is written so metering never
// adds latency to the client path.
package gateway

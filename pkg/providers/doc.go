// Package providers contains the upstream model provider adapters.
//
// Each adapter translates the gateway's unified chat request into the
// provider's wire format and back: OpenAI and Azure OpenAI speak the OpenAI
// chat schema directly, Anthropic uses the messages API, Gemini uses
// generateContent, and Bedrock goes through the AWS SDK Converse API.
//
// Adapter errors are *ProviderError values carrying the upstream status code
// and a retryable flag so the gateway can decide between surfacing the
// failure and retrying.
package providers

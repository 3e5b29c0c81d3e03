package providers

import (
	"fmt"
	"sync"
	"time"
)

// Registry hands out a shared Provider per provider name. Adapters are
// constructed lazily and reused so HTTP clients and AWS sessions are shared.
type Registry struct {
	timeout time.Duration

	mu        sync.Mutex
	providers map[string]Provider
}

// NewRegistry creates a provider registry with the given upstream timeout
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		timeout:   timeout,
		providers: make(map[string]Provider),
	}
}

// Get returns the adapter for a provider name
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[name]; ok {
		return p, nil
	}

	var p Provider
	switch name {
	case "openai":
		p = NewOpenAIProvider(r.timeout)
	case "azure":
		p = NewAzureProvider(r.timeout)
	case "anthropic":
		p = NewAnthropicProvider(r.timeout)
	case "gemini":
		p = NewGeminiProvider(r.timeout)
	case "bedrock":
		p = NewBedrockProvider(r.timeout)
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	r.providers[name] = p
	return p, nil
}

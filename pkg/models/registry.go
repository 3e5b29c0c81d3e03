package models

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gantry-ai/gantry/pkg/config"
)

// ErrModelNotFound is returned when no deployment serves an alias
type ErrModelNotFound struct {
	Alias string
}

func (e *ErrModelNotFound) Error() string {
	return fmt.Sprintf("model %q is not in the model list", e.Alias)
}

// Registry is the alias to deployment index
type Registry struct {
	mu      sync.RWMutex
	byAlias map[string][]*Deployment
	// counters drive round-robin selection per alias
	counters map[string]*uint64
}

// NewRegistry builds a registry from parsed model-list entries
func NewRegistry(entries []config.ModelEntry) (*Registry, error) {
	r := &Registry{
		byAlias:  make(map[string][]*Deployment),
		counters: make(map[string]*uint64),
	}
	if err := r.load(entries); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load(entries []config.ModelEntry) error {
	byAlias := make(map[string][]*Deployment)
	counters := make(map[string]*uint64)

	for _, entry := range entries {
		dep, err := DeploymentFromEntry(entry)
		if err != nil {
			return err
		}
		byAlias[dep.Alias] = append(byAlias[dep.Alias], dep)
		if _, ok := counters[dep.Alias]; !ok {
			counters[dep.Alias] = new(uint64)
		}
	}

	r.mu.Lock()
	r.byAlias = byAlias
	r.counters = counters
	r.mu.Unlock()
	return nil
}

// Replace swaps the registry contents atomically (config hot reload)
func (r *Registry) Replace(entries []config.ModelEntry) error {
	return r.load(entries)
}

// Resolve picks a deployment for an alias, round-robin across deployments
// sharing the alias. A "provider/model" alias not present in the list is a
// passthrough: the deployment is synthesized with credentials from the
// provider's first configured deployment.
func (r *Registry) Resolve(alias string) (*Deployment, error) {
	r.mu.RLock()
	deployments := r.byAlias[alias]
	counter := r.counters[alias]
	r.mu.RUnlock()

	if len(deployments) > 0 {
		n := atomic.AddUint64(counter, 1)
		return deployments[(n-1)%uint64(len(deployments))], nil
	}

	if dep := r.passthrough(alias); dep != nil {
		return dep, nil
	}

	return nil, &ErrModelNotFound{Alias: alias}
}

// passthrough synthesizes a deployment for "provider/model" aliases using an
// existing deployment of the same provider for credentials.
func (r *Registry) passthrough(alias string) *Deployment {
	provider, upstream, ok := cutProvider(alias)
	if !ok {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, deps := range r.byAlias {
		for _, dep := range deps {
			if dep.Provider == provider {
				clone := *dep
				clone.Alias = alias
				clone.UpstreamModel = upstream
				clone.InputCostPer1K = 0
				clone.OutputCostPer1K = 0
				return &clone
			}
		}
	}
	return nil
}

// List returns model infos for GET /v1/models, sorted by alias
func (r *Registry) List() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ModelInfo, 0, len(r.byAlias))
	for alias, deps := range r.byAlias {
		infos = append(infos, ModelInfo{
			ID:      alias,
			Object:  "model",
			Created: deps[0].CreatedAt.Unix(),
			OwnedBy: deps[0].Provider,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Aliases returns the configured alias names
func (r *Registry) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	aliases := make([]string, 0, len(r.byAlias))
	for alias := range r.byAlias {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

func cutProvider(alias string) (provider, model string, ok bool) {
	for i := 0; i < len(alias); i++ {
		if alias[i] == '/' {
			provider, model = alias[:i], alias[i+1:]
			switch provider {
			case "openai", "azure", "anthropic", "gemini", "bedrock":
				return provider, model, model != ""
			}
			return "", "", false
		}
	}
	return "", "", false
}

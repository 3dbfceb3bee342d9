package specialist

import (
	"sync"

	"github.com/okoabh/okoa-automated-processor-sub000/internal/domain"
)

// Profile describes one category of document specialist: the context
// an agent of this type is primed with and what its work costs.
type Profile struct {
	Type          string
	Model         string
	ContextPrompt string
	// WarmCost is the estimated cost of priming one agent's context;
	// it feeds the scheduler's budget clamp.
	WarmCost float64
	// EstimatedJobCost seeds Job.EstimatedCost at enqueue time.
	EstimatedJobCost float64
	ResultKind       domain.ResultKind
}

// Registry maps agent types to their specialist profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]Profile)}
}

// Register adds a profile. Safe to call concurrently.
func (r *Registry) Register(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Type] = p
}

// Get returns the profile for the given agent type.
// Returns InvalidAgentTypeError if not registered.
func (r *Registry) Get(agentType string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[agentType]
	if !ok {
		return Profile{}, &domain.InvalidAgentTypeError{AgentType: agentType}
	}
	return p, nil
}

// Types returns all registered agent types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.profiles))
	for t := range r.profiles {
		types = append(types, t)
	}
	return types
}

// MaxWarmCost returns the largest WarmCost across registered profiles;
// the scheduler uses it as the conservative per-worker priming cost.
func (r *Registry) MaxWarmCost() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max float64
	for _, p := range r.profiles {
		if p.WarmCost > max {
			max = p.WarmCost
		}
	}
	return max
}

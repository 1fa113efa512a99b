package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"quantdesk/pkg/types"
)

// Factory builds a fresh Algorithm instance for one session.
type Factory func() Algorithm

// Registry maps strategy names to factories. Strategies are statically
// linked; there is no dynamic code loading. The registry is a plain value
// handed to whoever needs it, not package state.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	infos     map[string]types.StrategyInfo
}

// NewRegistry returns a registry pre-loaded with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		infos:     make(map[string]types.StrategyInfo),
	}
	r.MustRegister("dual_ma", "fast/slow moving-average state switcher",
		map[string]float64{"fast": 5, "slow": 20, "position_pct": 0.9},
		func() Algorithm { return NewDualMA() })
	r.MustRegister("rsi_reversal", "RSI oversold/overbought mean reversion",
		map[string]float64{"period": 14, "oversold": 30, "overbought": 70, "position_pct": 0.5},
		func() Algorithm { return NewRSIReversal() })
	return r
}

// Register adds a named strategy. Names are unique.
func (r *Registry) Register(name, description string, defaults map[string]float64, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("register strategy: empty name or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("register strategy: %q already registered", name)
	}
	now := time.Now()
	r.factories[name] = f
	r.infos[name] = types.StrategyInfo{
		Name:        name,
		Source:      "builtin",
		Params:      defaults,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return nil
}

// MustRegister is Register that panics on error, for wiring at startup.
func (r *Registry) MustRegister(name, description string, defaults map[string]float64, f Factory) {
	if err := r.Register(name, description, defaults, f); err != nil {
		panic(err)
	}
}

// New builds a fresh Algorithm for name.
func (r *Registry) New(name string) (Algorithm, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return f(), nil
}

// Info returns the registration record for name.
func (r *Registry) Info(name string) (types.StrategyInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[name]
	return info, ok
}

// List returns all registered strategy infos sorted by name.
func (r *Registry) List() []types.StrategyInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.StrategyInfo, 0, len(r.infos))
	for _, info := range r.infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

package controller

import (
	"sync"

	"github.com/parleyhq/parley/pkg/config"
)

// constructors is the strategy name → constructor table.
var constructors = map[config.LoopStrategy]func(*Deps) Strategy{
	config.LoopStrategyAct:      newAct,
	config.LoopStrategyReact:    newReact,
	config.LoopStrategyThinkAct: newThinkAct,
	config.LoopStrategyAgentic:  newAgentic,
}

// aliases maps accepted spellings onto canonical strategy names.
var aliases = map[string]config.LoopStrategy{
	"think_act": config.LoopStrategyThinkAct,
	"thinkact":  config.LoopStrategyThinkAct,
}

// Factory resolves strategy names and caches one instance per variant.
// Safe to cache: strategies hold only immutable references to their
// collaborators.
type Factory struct {
	deps *Deps

	mu    sync.Mutex
	cache map[config.LoopStrategy]Strategy
}

// NewFactory creates a factory over shared collaborators.
func NewFactory(deps *Deps) *Factory {
	return &Factory{
		deps:  deps,
		cache: make(map[config.LoopStrategy]Strategy),
	}
}

// Get returns the strategy for a name. Unknown names fall back to react
// with a warning.
func (f *Factory) Get(name string) Strategy {
	canonical := config.LoopStrategy(name)
	if alias, ok := aliases[name]; ok {
		canonical = alias
	}
	if _, ok := constructors[canonical]; !ok {
		f.deps.logger().Warn("unknown agent loop strategy, falling back to react",
			"strategy", name)
		canonical = config.LoopStrategyReact
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.cache[canonical]; ok {
		return s
	}
	s := constructors[canonical](f.deps)
	f.cache[canonical] = s
	return s
}

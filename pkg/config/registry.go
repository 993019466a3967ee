package config

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// ServerRegistry stores tool server configurations with thread-safe access.
type ServerRegistry struct {
	mu      sync.RWMutex
	servers map[string]*ServerConfig
}

// NewServerRegistry creates a registry from the given server map.
func NewServerRegistry(servers map[string]*ServerConfig) *ServerRegistry {
	if servers == nil {
		servers = map[string]*ServerConfig{}
	}
	return &ServerRegistry{servers: servers}
}

// Get retrieves a server configuration by name.
func (r *ServerRegistry) Get(name string) (*ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return s, nil
}

// Has checks whether a server exists in the registry.
func (r *ServerRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[name]
	return ok
}

// Names returns all server names, sorted.
func (r *ServerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for n := range r.servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns a copy of the server map.
func (r *ServerRegistry) All() map[string]*ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*ServerConfig, len(r.servers))
	for k, v := range r.servers {
		out[k] = v
	}
	return out
}

// Diff describes the change set produced by a registry reload.
type Diff struct {
	Added   []string
	Removed []string
	// Changed lists servers present in both generations whose record
	// differs. Connection handles and cached user clients for these
	// servers must be invalidated.
	Changed []string
}

// Empty reports whether the reload changed nothing.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Reload swaps the registry contents and returns the diff against the
// previous generation. A byte-identical configuration produces an empty
// diff.
func (r *ServerRegistry) Reload(servers map[string]*ServerConfig) Diff {
	if servers == nil {
		servers = map[string]*ServerConfig{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var diff Diff
	for name, next := range servers {
		prev, ok := r.servers[name]
		if !ok {
			diff.Added = append(diff.Added, name)
			continue
		}
		if !reflect.DeepEqual(prev, next) {
			diff.Changed = append(diff.Changed, name)
		}
	}
	for name := range r.servers {
		if _, ok := servers[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)

	r.servers = servers
	return diff
}

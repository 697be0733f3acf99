package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/flowline/pkg/api"
)

// definitionRegistry keeps every deployed version of every process
// definition, keyed by definition key and version.
type definitionRegistry struct {
	mu    sync.RWMutex
	byKey map[string]map[int]*deployedDefinition
}

func newDefinitionRegistry() *definitionRegistry {
	return &definitionRegistry{
		byKey: make(map[string]map[int]*deployedDefinition),
	}
}

// nextVersion returns the version a new deployment of key would get.
func (r *definitionRegistry) nextVersion(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest := 0
	for v := range r.byKey[key] {
		if v > latest {
			latest = v
		}
	}
	return latest + 1
}

func (r *definitionRegistry) Register(d *deployedDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byKey[d.def.Key]
	if versions == nil {
		versions = make(map[int]*deployedDefinition)
		r.byKey[d.def.Key] = versions
	}

	if _, exists := versions[d.def.Version]; exists {
		return fmt.Errorf("process definition %q version %d already deployed", d.def.Key, d.def.Version)
	}

	versions[d.def.Version] = d
	return nil
}

// Get looks a definition up by its "key:version" id.
func (r *definitionRegistry) Get(id string) (*deployedDefinition, error) {
	key, version, err := api.ParseDefinitionID(id)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byKey[key][version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrDefinitionNotFound, id)
	}
	return d, nil
}

// Latest returns the highest deployed version of key.
func (r *definitionRegistry) Latest(key string) (*deployedDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *deployedDefinition
	for v, d := range r.byKey[key] {
		if latest == nil || v > latest.def.Version {
			latest = d
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrDefinitionNotFound, key)
	}
	return latest, nil
}

// Versions lists the deployed versions of key in ascending order.
func (r *definitionRegistry) Versions(key string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byKey[key]
	out := make([]int, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

package host

import (
	"sort"
	"sync"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/strategy"
)

// instanceRegistry holds the definition catalog and the running instances.
// Registries are host-owned state, never process globals, so multiple hosts
// can coexist in one process.
type instanceRegistry struct {
	mu        sync.RWMutex
	defs      map[string]*strategy.Definition
	instances map[string]*Instance
}

func (r *instanceRegistry) init() {
	r.defs = make(map[string]*strategy.Definition)
	r.instances = make(map[string]*Instance)
}

func (r *instanceRegistry) addDefinition(def *strategy.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.ID]; exists {
		return errs.New("host.RegisterDefinition", errs.CodeConflict,
			errs.WithMessage("strategy already registered: "+def.ID))
	}
	r.defs[def.ID] = def
	return nil
}

func (r *instanceRegistry) definition(strategyID string) (*strategy.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strategyID]
	return def, ok
}

func (r *instanceRegistry) addInstance(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[inst.groupID]; exists {
		return errs.New("host.addInstance", errs.CodeConflict,
			errs.WithMessage("group already running: "+inst.groupID))
	}
	r.instances[inst.groupID] = inst
	return nil
}

func (r *instanceRegistry) instance(groupID string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[groupID]
	return inst, ok
}

func (r *instanceRegistry) removeInstance(groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, groupID)
}

func (r *instanceRegistry) snapshot() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

func (r *instanceRegistry) groupIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.instances))
	for groupID := range r.instances {
		out = append(out, groupID)
	}
	sort.Strings(out)
	return out
}

// ownerOf returns the one instance whose allOrders contains the client id.
func (r *instanceRegistry) ownerOf(clientID string) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.instances {
		if _, ok := inst.State().AllOrders[clientID]; ok {
			return inst
		}
	}
	return nil
}

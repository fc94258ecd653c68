package app

import (
	"sort"
	"sync"

	"deadlinebot/internal/runtime/supervisor"
)

// supervisorRegistry exposes component supervisors to the ops server.
// Components recreate their supervisor on restart, so entries are getters.
type supervisorRegistry struct {
	mu sync.RWMutex
	m  map[string]func() *supervisor.Supervisor
}

func newSupervisorRegistry() *supervisorRegistry {
	return &supervisorRegistry{m: map[string]func() *supervisor.Supervisor{}}
}

func (r *supervisorRegistry) Set(name string, get func() *supervisor.Supervisor) {
	r.mu.Lock()
	r.m[name] = get
	r.mu.Unlock()
}

func (r *supervisorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// All resolves every getter; stopped components are omitted.
func (r *supervisorRegistry) All() map[string]*supervisor.Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*supervisor.Supervisor, len(r.m))
	for name, get := range r.m {
		if s := get(); s != nil {
			out[name] = s
		}
	}
	return out
}

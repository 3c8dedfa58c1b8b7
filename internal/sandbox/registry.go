package sandbox

import "sync"

// Registry tracks the live sandbox handle for each project.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Sandbox // projectID -> sandbox
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Sandbox)}
}

func (r *Registry) Put(sb *Sandbox) {
	r.mu.Lock()
	r.byID[sb.ProjectID] = sb
	r.mu.Unlock()
}

func (r *Registry) Get(projectID string) (*Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.byID[projectID]
	return sb, ok
}

// FindByID returns the sandbox with the given sandbox id, if tracked.
func (r *Registry) FindByID(sandboxID string) (*Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sb := range r.byID {
		if sb.ID == sandboxID {
			return sb, true
		}
	}
	return nil, false
}

func (r *Registry) Delete(projectID string) {
	r.mu.Lock()
	delete(r.byID, projectID)
	r.mu.Unlock()
}

func (r *Registry) All() []*Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Sandbox, 0, len(r.byID))
	for _, sb := range r.byID {
		out = append(out, sb)
	}
	return out
}

package registry

import "sync"

// Conn is the transport-neutral view of a live client connection. Send must
// be safe for concurrent use; the scheduler pushes from several goroutines.
type Conn interface {
	Send(v any) error
	Close(code int, reason string) error
	SourceAddr() string
}

// Registry keeps the bidirectional association between an owner identity,
// its live connection, and the task ids it owns. Task references here are
// weak: dropping an entry never deletes the task itself.
type Registry struct {
	mu           sync.RWMutex
	conns        map[string]Conn
	tasksByOwner map[string]map[string]struct{}
	ownerByTask  map[string]string
}

func New() *Registry {
	return &Registry{
		conns:        make(map[string]Conn),
		tasksByOwner: make(map[string]map[string]struct{}),
		ownerByTask:  make(map[string]string),
	}
}

func (r *Registry) Register(owner string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[owner] = c
}

// Unregister drops the connection and all of its task assignments. Safe to
// call for an owner that was never registered.
func (r *Registry) Unregister(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, owner)
	for id := range r.tasksByOwner[owner] {
		delete(r.ownerByTask, id)
	}
	delete(r.tasksByOwner, owner)
}

func (r *Registry) ConnFor(owner string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[owner]
	return c, ok
}

func (r *Registry) Assign(owner, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned, ok := r.tasksByOwner[owner]
	if !ok {
		owned = make(map[string]struct{})
		r.tasksByOwner[owner] = owned
	}
	owned[taskID] = struct{}{}
	r.ownerByTask[taskID] = owner
}

func (r *Registry) Release(owner, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owned, ok := r.tasksByOwner[owner]; ok {
		delete(owned, taskID)
		if len(owned) == 0 {
			delete(r.tasksByOwner, owner)
		}
	}
	if r.ownerByTask[taskID] == owner {
		delete(r.ownerByTask, taskID)
	}
}

func (r *Registry) TaskIDs(owner string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasksByOwner[owner]))
	for id := range r.tasksByOwner[owner] {
		out = append(out, id)
	}
	return out
}

func (r *Registry) OwnerOf(taskID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.ownerByTask[taskID]
	return owner, ok
}

func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

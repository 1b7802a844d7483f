package lock

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registry maps lock IDs to aggregates. Parent/child links are IDs resolved
// here, never pointers between aggregates.
type Registry struct {
	mu    sync.RWMutex
	locks map[string]*Aggregate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*Aggregate)}
}

// Add registers a lock. A child's parent must already be registered with the
// parent role.
func (r *Registry) Add(a *Aggregate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.locks[a.ID()]; ok {
		return fmt.Errorf("adding lock %s: %w", a.ID(), ErrLockExists)
	}
	if a.Role() == RoleChild {
		parent, ok := r.locks[a.ParentID()]
		if !ok {
			return fmt.Errorf("adding lock %s: parent %s: %w", a.ID(), a.ParentID(), ErrLockNotFound)
		}
		if parent.Role() != RoleParent {
			return fmt.Errorf("adding lock %s: %w: %s is %s, not parent", a.ID(), ErrInvalidRole, parent.ID(), parent.Role())
		}
	}
	r.locks[a.ID()] = a
	return nil
}

// Get returns the lock with id.
func (r *Registry) Get(id string) (*Aggregate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.locks[id]
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", id, ErrLockNotFound)
	}
	return a, nil
}

// Remove unregisters a lock. Children of a removed parent are detached and
// become standalone.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.locks[id]
	if !ok {
		return fmt.Errorf("removing lock %s: %w", id, ErrLockNotFound)
	}
	delete(r.locks, id)

	if a.Role() == RoleParent {
		for _, c := range r.locks {
			if c.ParentID() == id {
				c.Detach()
			}
		}
	}
	return nil
}

// List returns all locks ordered by ID.
func (r *Registry) List() []*Aggregate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Aggregate, 0, len(r.locks))
	for _, a := range r.locks {
		out = append(out, a)
	}
	sortByID(out)
	return out
}

// Children returns the locks attached to parentID ordered by ID.
func (r *Registry) Children(parentID string) []*Aggregate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Aggregate
	for _, a := range r.locks {
		if a.Role() == RoleChild && a.ParentID() == parentID {
			out = append(out, a)
		}
	}
	sortByID(out)
	return out
}

// Parents returns the locks that have the parent role ordered by ID.
func (r *Registry) Parents() []*Aggregate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Aggregate
	for _, a := range r.locks {
		if a.Role() == RoleParent {
			out = append(out, a)
		}
	}
	sortByID(out)
	return out
}

// Len returns the number of registered locks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.locks)
}

func sortByID(locks []*Aggregate) {
	slices.SortFunc(locks, func(a, b *Aggregate) int {
		return strings.Compare(a.ID(), b.ID())
	})
}

// File: core/socket/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Registry of live sockets ordered by ID. Membership is the registry
// reference taken by New.

package socket

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// Registry tracks sockets until they are removed.
type Registry struct {
	mu   sync.RWMutex
	tree *treemap.Map
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tree: treemap.NewWith(utils.UInt64Comparator)}
}

// Add inserts s.
func (r *Registry) Add(s *Socket) {
	r.mu.Lock()
	r.tree.Put(s.ID(), s)
	r.mu.Unlock()
}

// Get looks a socket up by ID.
func (r *Registry) Get(id uint64) (*Socket, bool) {
	r.mu.RLock()
	v, ok := r.tree.Get(id)
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return v.(*Socket), true
}

// Remove drops s from the registry and deletes it. It reports whether s
// was present.
func (r *Registry) Remove(s *Socket) bool {
	r.mu.Lock()
	_, ok := r.tree.Get(s.ID())
	if ok {
		r.tree.Remove(s.ID())
	}
	r.mu.Unlock()
	if ok {
		s.Delete()
	}
	return ok
}

// Len is the number of registered sockets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Size()
}

// Each calls fn for a snapshot of the sockets in ID order.
func (r *Registry) Each(fn func(s *Socket)) {
	r.mu.RLock()
	values := r.tree.Values()
	r.mu.RUnlock()
	for _, v := range values {
		fn(v.(*Socket))
	}
}

// CloseAll closes every socket, then removes whatever is still
// registered.
func (r *Registry) CloseAll() {
	r.Each(func(s *Socket) {
		s.Close()
		r.Remove(s)
	})
}

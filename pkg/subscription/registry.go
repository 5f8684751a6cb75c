// Package subscription keeps ordered sets of callbacks addressed by opaque IDs.
package subscription

import (
	"sync"

	"github.com/google/uuid"
)

// ID identifies one registration. The zero ID never matches a registration.
type ID struct {
	value uuid.UUID
}

// String returns the textual form of the ID
func (id ID) String() string {
	return id.value.String()
}

// IsZero reports whether the ID was never issued
func (id ID) IsZero() bool {
	return id.value == uuid.Nil
}

type entry[T any] struct {
	id ID
	fn func(T)
}

// Registry is a goroutine-safe list of callbacks receiving values of type T.
// Dispatch delivers to every callback registered when Dispatch began, in
// registration order.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries []entry[T]
}

// New returns an empty registry
func New[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Add registers fn and returns its ID
func (r *Registry[T]) Add(fn func(T)) ID {
	id := ID{value: uuid.New()}

	r.mu.Lock()
	r.entries = append(r.entries, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	return id
}

// Remove deletes the registration with the given ID. Removing an unknown or
// already removed ID is a no-op and reports false.
func (r *Registry[T]) Remove(id ID) bool {
	if id.IsZero() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of active registrations
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Dispatch calls every registered callback with v and returns how many were
// called. Callbacks may add or remove registrations; such changes apply from
// the next Dispatch.
func (r *Registry[T]) Dispatch(v T) int {
	r.mu.RLock()
	snapshot := make([]entry[T], len(r.entries))
	copy(snapshot, r.entries)
	r.mu.RUnlock()

	for _, e := range snapshot {
		e.fn(v)
	}
	return len(snapshot)
}

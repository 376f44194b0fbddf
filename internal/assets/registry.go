package assets

import "github.com/google/uuid"

// Handle is a peer-local reference to stored content.
type Handle uint64

// Registry maps content ids to local handles in both directions and holds
// the content behind each handle. A handle without content is a
// placeholder waiting for its payload.
type Registry[T any] struct {
	next     Handle
	byID     map[uuid.UUID]Handle
	byHandle map[Handle]uuid.UUID
	store    map[Handle]*T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		byID:     make(map[uuid.UUID]Handle),
		byHandle: make(map[Handle]uuid.UUID),
		store:    make(map[Handle]*T),
	}
}

func (r *Registry[T]) bind(id uuid.UUID) Handle {
	if h, ok := r.byID[id]; ok {
		return h
	}
	r.next++
	r.byID[id] = r.next
	r.byHandle[r.next] = id
	return r.next
}

// Insert stores value under id, replacing a placeholder or earlier value.
func (r *Registry[T]) Insert(id uuid.UUID, value *T) Handle {
	h := r.bind(id)
	r.store[h] = value
	return h
}

// Placeholder returns the handle for id, creating an unresolved one when
// the id is new. created reports whether it did.
func (r *Registry[T]) Placeholder(id uuid.UUID) (h Handle, created bool) {
	if h, ok := r.byID[id]; ok {
		return h, false
	}
	return r.bind(id), true
}

// Lookup returns the handle bound to id.
func (r *Registry[T]) Lookup(id uuid.UUID) (Handle, bool) {
	h, ok := r.byID[id]
	return h, ok
}

// ID returns the content id behind h.
func (r *Registry[T]) ID(h Handle) (uuid.UUID, bool) {
	id, ok := r.byHandle[h]
	return id, ok
}

// Get returns the content behind h. Placeholders report false.
func (r *Registry[T]) Get(h Handle) (*T, bool) {
	value, ok := r.store[h]
	return value, ok
}

// Resolved reports whether h carries content.
func (r *Registry[T]) Resolved(h Handle) bool {
	_, ok := r.store[h]
	return ok
}

// Remove forgets id and its content.
func (r *Registry[T]) Remove(id uuid.UUID) {
	h, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.byHandle, h)
	delete(r.store, h)
}

func (r *Registry[T]) Len() int { return len(r.byID) }

// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry holds the small in-process lookup containers shared by
// every role: relays, tables, hosts, redirectors, protocols, sessions,
// routes, routers, and keys. Configurations are tens to low hundreds of
// entries, so an insertion-ordered slice replaces relayd.c's intrusive
// TAILQs: a map from id to slice index serves by-id lookup, and by-name
// lookup is a linear scan. No tree is used.
package registry

import "fmt"

// Identified is implemented by anything a Registry can index by id.
type Identified interface {
	ObjID() uint32
}

// Named is implemented by anything a Registry can additionally index by
// name. Not every entity type has a stable name (sessions don't); those
// simply never call FindByName.
type Named interface {
	ObjName() string
}

// Registry is an insertion-ordered, by-id (and optionally by-name) lookup
// table. The zero value is ready to use.
type Registry[T Identified] struct {
	order []T
	byID  map[uint32]int // id -> index into order
}

// Add appends an entry. It returns an error if the id is already present,
// mirroring the fatal duplicate-id checks relayd.c's config_set* routines
// perform.
func (r *Registry[T]) Add(v T) error {
	if r.byID == nil {
		r.byID = make(map[uint32]int)
	}
	id := v.ObjID()
	if _, dup := r.byID[id]; dup {
		return fmt.Errorf("registry: duplicate id %d", id)
	}
	r.byID[id] = len(r.order)
	r.order = append(r.order, v)
	return nil
}

// Find returns the entry with the given id, or the zero value and false.
func (r *Registry[T]) Find(id uint32) (T, bool) {
	var zero T
	idx, ok := r.byID[id]
	if !ok {
		return zero, false
	}
	return r.order[idx], true
}

// FindByName performs a linear scan for an entry whose ObjName matches,
// for types that implement Named. It is only ever as hot as config
// reloads, so linear scan cost is negligible per §4.6.
func FindByName[T interface {
	Identified
	Named
}](r *Registry[T], name string) (T, bool) {
	var zero T
	for _, v := range r.order {
		if v.ObjName() == name {
			return v, true
		}
	}
	return zero, false
}

// All returns the entries in insertion order. Callers must not mutate the
// returned slice.
func (r *Registry[T]) All() []T { return r.order }

// Len returns the number of entries.
func (r *Registry[T]) Len() int { return len(r.order) }

// Remove deletes the entry with the given id, if present, preserving the
// relative order of the rest.
func (r *Registry[T]) Remove(id uint32) bool {
	idx, ok := r.byID[id]
	if !ok {
		return false
	}
	r.order = append(r.order[:idx], r.order[idx+1:]...)
	delete(r.byID, id)
	for i := idx; i < len(r.order); i++ {
		r.byID[r.order[i].ObjID()] = i
	}
	return true
}

// Purge empties the registry.
func (r *Registry[T]) Purge() {
	r.order = nil
	r.byID = nil
}

// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import "testing"

type entry struct {
	id   uint32
	name string
}

func (e entry) ObjID() uint32    { return e.id }
func (e entry) ObjName() string  { return e.name }

func TestRegistryAddFind(t *testing.T) {
	var r Registry[entry]
	if err := r.Add(entry{id: 1, name: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(entry{id: 2, name: "b"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(entry{id: 1, name: "dup"}); err == nil {
		t.Fatal("expected duplicate id error")
	}

	v, ok := r.Find(2)
	if !ok || v.name != "b" {
		t.Fatalf("find(2) = %v, %v", v, ok)
	}
	if _, ok := r.Find(99); ok {
		t.Fatal("expected not found")
	}

	v2, ok := FindByName(&r, "a")
	if !ok || v2.id != 1 {
		t.Fatalf("findbyname(a) = %v, %v", v2, ok)
	}
}

func TestRegistryRemovePreservesOrder(t *testing.T) {
	var r Registry[entry]
	for i := uint32(0); i < 5; i++ {
		if err := r.Add(entry{id: i}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if !r.Remove(2) {
		t.Fatal("expected removal to succeed")
	}
	var ids []uint32
	for _, e := range r.All() {
		ids = append(ids, e.id)
	}
	want := []uint32{0, 1, 3, 4}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
	if _, ok := r.Find(3); !ok {
		t.Fatal("expected id 3 still findable after removing 2")
	}
}

func TestRegistryPurge(t *testing.T) {
	var r Registry[entry]
	r.Add(entry{id: 1})
	r.Purge()
	if r.Len() != 0 {
		t.Fatalf("len = %d after purge, want 0", r.Len())
	}
	if _, ok := r.Find(1); ok {
		t.Fatal("expected empty registry after purge")
	}
}

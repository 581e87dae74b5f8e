// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import "testing"

func TestKVTreeExactLookupCaseInsensitive(t *testing.T) {
	tr := NewKVTree()
	tr.Add("X-Forwarded-For", "10.0.0.1")

	kv, ok := tr.Find("x-forwarded-for")
	if !ok {
		t.Fatal("expected case-insensitive match")
	}
	if kv.Value != "10.0.0.1" {
		t.Fatalf("value = %q", kv.Value)
	}
}

func TestKVTreeRepeatedKeyBecomesChild(t *testing.T) {
	tr := NewKVTree()
	first := tr.Add("Set-Cookie", "a=1")
	tr.Add("Set-Cookie", "b=2")

	if len(first.Children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(first.Children))
	}
	if first.Children[0].Parent != first {
		t.Fatal("child's parent back-reference is wrong")
	}
}

func TestKVTreeGlobMatch(t *testing.T) {
	tr := NewKVTree()
	tr.Add("X-Custom-*", "stripped")

	kv, ok := tr.Find("X-Custom-Trace")
	if !ok {
		t.Fatal("expected glob match")
	}
	if !kv.Glob {
		t.Fatal("expected Glob flag set")
	}

	if _, ok := tr.Find("X-Other"); ok {
		t.Fatal("expected no match for unrelated key")
	}
}

func TestKVTreeSetReplacesAtomically(t *testing.T) {
	tr := NewKVTree()
	kv := tr.Add("Via", "1.1 relayd")
	tr.Add("Via", "1.1 extra")

	tr.Set(kv, "2.0 relayd")
	if kv.Value != "2.0 relayd" {
		t.Fatalf("value = %q", kv.Value)
	}
	if len(kv.Children) != 0 {
		t.Fatal("expected children dropped on Set")
	}
}

func TestKVLogEntry(t *testing.T) {
	kv := &KV{Key: "Host", Value: "example.com"}
	if got := kv.LogEntry(DirRequest); got != "[Host: example.com]" {
		t.Fatalf("got %q", got)
	}
	if got := kv.LogEntry(DirResponse); got != "{Host: example.com}" {
		t.Fatalf("got %q", got)
	}
}

func TestKVTreeDeletePurge(t *testing.T) {
	tr := NewKVTree()
	kv := tr.Add("Host", "example.com")
	tr.Delete(kv)
	if _, ok := tr.Find("Host"); ok {
		t.Fatal("expected deleted key to be gone")
	}

	tr.Add("A", "1")
	tr.Add("B", "2")
	tr.Purge()
	if len(tr.All()) != 0 {
		t.Fatal("expected empty tree after purge")
	}
}

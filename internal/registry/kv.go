// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Direction distinguishes a request-side rewrite from a response-side one,
// for KV.LogEntry's bracket style (relayd.c's kv_log uses "[...]" for
// requests and "{...}" for responses).
type Direction int

const (
	DirRequest Direction = iota
	DirResponse
)

// KV is one node of a header rewrite rule: a key, a value, and any
// repeated occurrences of the same key as children. Parent is a plain
// pointer to the node a child was added under (nil on top-level nodes), so
// a parent and its children reference each other; KVTree's own index
// holds only top-level nodes.
type KV struct {
	Key      string
	Value    string
	Children []*KV
	Parent   *KV
	Glob     bool // key contains *, ?, or [ and must be matched with shell globbing
	Macro    bool // value contains '$' and needs macro expansion before use
}

// isGlobKey reports whether a key must be matched by shell-style globbing
// rather than exact (case-insensitive) lookup, per relayd.c's
// strpbrk(key, "*?[") check in rule_add.
func isGlobKey(key string) bool {
	return strings.ContainsAny(key, "*?[")
}

// KVTree is the case-insensitive ordered map of header rewrite rules.
// Exact keys resolve via the map in O(1); glob keys are matched by a
// linear scan using shell-style wildcards, mirroring relayd.c's
// kv_find (RB_FIND for exact keys, fnmatch with FNM_CASEFOLD for globs).
type KVTree struct {
	byKey map[string]*KV // lowercased exact keys only
	order []*KV          // insertion order, exact and glob keys alike
}

// NewKVTree returns an empty tree ready to use.
func NewKVTree() *KVTree {
	return &KVTree{byKey: make(map[string]*KV)}
}

// Add inserts key/value. If an exact (case-insensitive) key already exists,
// the new KV becomes a child of the existing node — relayd.c's
// repeated-header semantics — and the parent's Value is left untouched. A
// glob key is always added as a new top-level node, even when the same
// pattern is already present.
func (t *KVTree) Add(key, value string) *KV {
	glob := isGlobKey(key)
	kv := &KV{Key: key, Value: value, Glob: glob, Macro: strings.Contains(value, "$")}

	if glob {
		t.order = append(t.order, kv)
		return kv
	}

	lk := strings.ToLower(key)
	if existing, ok := t.byKey[lk]; ok {
		existing.Children = append(existing.Children, kv)
		kv.Parent = existing
		return kv
	}
	t.byKey[lk] = kv
	t.order = append(t.order, kv)
	return kv
}

// Set replaces kv's value atomically: free the prior value, drop all
// children, assign the new value (§9 "variable-argument string formatting
// for key values").
func (t *KVTree) Set(kv *KV, value string) {
	kv.Children = nil
	kv.Value = value
	kv.Macro = strings.Contains(value, "$")
}

// Extend appends to kv's existing value (relayd.c's kv_extend, used to
// accumulate multi-line header values).
func (t *KVTree) Extend(kv *KV, more string) {
	kv.Value += more
}

// Find looks a key up: exact (case-insensitive) keys resolve via the map;
// keys that were registered with globbing perform a linear scan matching
// query against each registered glob pattern.
func (t *KVTree) Find(query string) (*KV, bool) {
	lq := strings.ToLower(query)
	if kv, ok := t.byKey[lq]; ok {
		return kv, true
	}
	for _, kv := range t.order {
		if !kv.Glob {
			continue
		}
		if ok, _ := filepath.Match(strings.ToLower(kv.Key), lq); ok {
			return kv, true
		}
	}
	return nil, false
}

// Delete removes kv (and its children) from the tree.
func (t *KVTree) Delete(kv *KV) {
	if p := kv.Parent; p != nil {
		for i, v := range p.Children {
			if v == kv {
				p.Children = append(p.Children[:i], p.Children[i+1:]...)
				break
			}
		}
		kv.Parent = nil
	}
	if !kv.Glob {
		lk := strings.ToLower(kv.Key)
		if t.byKey[lk] == kv {
			delete(t.byKey, lk)
		}
	}
	for i, v := range t.order {
		if v == kv {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	kv.Children = nil
}

// Purge empties the tree.
func (t *KVTree) Purge() {
	t.byKey = make(map[string]*KV)
	t.order = nil
}

// All returns every top-level KV in insertion order.
func (t *KVTree) All() []*KV { return t.order }

// LogEntry renders the bracketed access-log form relayd.c's kv_log uses:
// "[key: value]" for request-direction rewrites, "{key: value}" for
// response-direction ones.
func (kv *KV) LogEntry(dir Direction) string {
	open, close := "[", "]"
	if dir == DirResponse {
		open, close = "{", "}"
	}
	key := kv.Key
	if key == "" {
		key = "(unknown)"
	}
	if kv.Value == "" {
		return fmt.Sprintf("%s%s%s", open, key, close)
	}
	return fmt.Sprintf("%s%s: %s%s", open, key, kv.Value, close)
}

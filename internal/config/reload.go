// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"sync"

	"v.io/x/lib/vlog"
)

// ReloadCounter tracks outstanding CFG_DONE acknowledgements for one
// configuration round, the Go form of relayd.c's env->sc_reload. It
// starts at 2 + 2*N (pfe, hce, N ca instances, N relay instances, per
// spec.md §4.3 step 3) and reaches zero exactly once, when every
// non-parent role has acked.
type ReloadCounter struct {
	mu      sync.Mutex
	n       int
	started bool
}

// NewReloadCounter primes a counter for a round with relayInstances
// relay (and equally many ca) instances.
func NewReloadCounter(relayInstances uint32) *ReloadCounter {
	return &ReloadCounter{n: 2 + 2*int(relayInstances)}
}

// InProgress reports whether a round is still awaiting acks. A SIGHUP or
// CTL_RELOAD arriving while this is true must be dropped, matching
// parent_reload's "reload already in progress" check.
func (r *ReloadCounter) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n > 0
}

// Ack records one CFG_DONE reply. It returns true exactly once, the
// moment the counter reaches zero — the caller uses that to fire
// CTL_START to every child and move the system to "running".
func (r *ReloadCounter) Ack() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n <= 0 {
		vlog.Infof("config: spurious CFG_DONE ack with reload counter already at zero")
		return false
	}
	r.n--
	if r.n == 0 && !r.started {
		r.started = true
		return true
	}
	return false
}

// Remaining returns the number of acks still outstanding.
func (r *ReloadCounter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

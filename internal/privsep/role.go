// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package privsep brings up the fixed set of specialized child roles a
// relayd process tree is built from, connects each to the parent (and,
// for relay/ca pairs, to each other) over a typed message channel, and
// drives fork/signal/reload/shutdown exactly as relayd.c's parent does.
package privsep

import (
	"fmt"
	"os"
)

// Role identifies one of the five process kinds in the system. Only ca
// and relay run more than one instance; parent, pfe and hce are
// singletons (see Single).
type Role int

const (
	Parent Role = iota
	PFE
	HCE
	CA
	Relay
)

func (r Role) String() string {
	switch r {
	case Parent:
		return "parent"
	case PFE:
		return "pfe"
	case HCE:
		return "hce"
	case CA:
		return "ca"
	case Relay:
		return "relay"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole is the inverse of Role.String, used to decode
// RELAYD_EXEC_ROLE in a re-exec'd child.
func ParseRole(s string) (Role, error) {
	switch s {
	case "parent":
		return Parent, nil
	case "pfe":
		return PFE, nil
	case "hce":
		return HCE, nil
	case "ca":
		return CA, nil
	case "relay":
		return Relay, nil
	default:
		return 0, fmt.Errorf("privsep: unknown role %q", s)
	}
}

// Single reports whether role runs as exactly one instance regardless of
// the configured prefork count (pfe and hce are always singletons; ca and
// relay are preforked N-wide).
func (r Role) Single() bool {
	return r == PFE || r == HCE
}

// EnvRole and EnvInstance name the environment variables a re-exec'd
// child reads to learn which role and instance index it must become,
// the generalization of the teacher's consts.ExecVersionVariable
// convention to a fixed role table instead of a single child kind.
const (
	EnvRole     = "RELAYD_EXEC_ROLE"
	EnvInstance = "RELAYD_EXEC_INSTANCE"
	// EnvPeerFD, when set, names the fd (always 4 — fd 3 is always the
	// parent channel) a relay or ca instance should wrap as its
	// dedicated channel to its paired instance of the other role.
	EnvPeerFD = "RELAYD_EXEC_PEER_FD"
	// EnvPrefork carries the configured relay/ca instance count to every
	// child, so a ca instance can validate a key-op's Requester field
	// without the parent having to send it as a separate message.
	EnvPrefork = "RELAYD_EXEC_PREFORK"
)

// Prefork reads EnvPrefork, defaulting to 1 if it is absent or malformed
// (e.g. when a role binary is exercised standalone in a test).
func Prefork() uint32 {
	var n uint32 = 1
	fmt.Sscanf(os.Getenv(EnvPrefork), "%d", &n)
	if n == 0 {
		n = 1
	}
	return n
}

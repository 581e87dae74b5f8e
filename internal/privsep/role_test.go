// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package privsep

import "testing"

func TestRoleStringRoundTrip(t *testing.T) {
	roles := []Role{Parent, PFE, HCE, CA, Relay}
	for _, r := range roles {
		parsed, err := ParseRole(r.String())
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", r.String(), err)
		}
		if parsed != r {
			t.Fatalf("round trip mismatch: %v != %v", parsed, r)
		}
	}
}

func TestParseRoleUnknown(t *testing.T) {
	if _, err := ParseRole("bogus"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestRoleSingle(t *testing.T) {
	for _, r := range []Role{PFE, HCE} {
		if !r.Single() {
			t.Fatalf("%v should be Single", r)
		}
	}
	for _, r := range []Role{CA, Relay} {
		if r.Single() {
			t.Fatalf("%v should not be Single", r)
		}
	}
}

func TestFilterExecEnv(t *testing.T) {
	env := []string{"PATH=/bin", EnvRole + "=relay", EnvInstance + "=2", "HOME=/root"}
	filtered := filterExecEnv(env)
	for _, e := range filtered {
		if hasEnvPrefix(e, EnvRole) || hasEnvPrefix(e, EnvInstance) {
			t.Fatalf("stale exec var survived filtering: %q", e)
		}
	}
	if len(filtered) != 2 {
		t.Fatalf("expected 2 entries left, got %v", filtered)
	}
}

func TestChildRoleFromEnv(t *testing.T) {
	t.Setenv(EnvRole, "ca")
	t.Setenv(EnvInstance, "3")

	role, instance, ok := ChildRole()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if role != CA || instance != 3 {
		t.Fatalf("got role=%v instance=%d", role, instance)
	}
}

func TestChildRoleAbsent(t *testing.T) {
	t.Setenv(EnvRole, "")
	if _, _, ok := ChildRole(); ok {
		t.Fatal("expected ok=false when RELAYD_EXEC_ROLE is unset")
	}
}

func TestPreforkDefaultsToOne(t *testing.T) {
	t.Setenv(EnvPrefork, "")
	if got := Prefork(); got != 1 {
		t.Fatalf("Prefork() = %d, want 1", got)
	}
}

func TestPreforkFromEnv(t *testing.T) {
	t.Setenv(EnvPrefork, "4")
	if got := Prefork(); got != 4 {
		t.Fatalf("Prefork() = %d, want 4", got)
	}
}

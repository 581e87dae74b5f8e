// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"v.io/x/lib/vlog"

	"github.com/halfbit/relayd/internal/ipc"
	"github.com/halfbit/relayd/internal/privsep"
	"github.com/halfbit/relayd/internal/registry"
	"github.com/halfbit/relayd/internal/secret"
)

// Env is the Go analogue of relayd.c's struct relayd/relayd_env: every
// entity parsed from one configuration round, addressable by object id
// and (except sessions) by name.
type Env struct {
	Tables     registry.Registry[Table]
	Redirects  registry.Registry[Redirector]
	Protocols  registry.Registry[Protocol]
	Relays     registry.Registry[Relay]
	Keys       registry.Registry[Key]
}

type document struct {
	Tables    []Table      `yaml:"tables"`
	Redirects []Redirector `yaml:"redirects"`
	Protocols []Protocol   `yaml:"protocols"`
	Relays    []Relay      `yaml:"relays"`
	Keys      []Key        `yaml:"keys"`
}

// Load reads and parses the configuration file at path, expanding any
// "-D name=value" macros first (relayd.c's cmdline_symset/expand_string,
// reimplemented with strings.Replacer since Go's YAML parser has no
// grammar-level macro hook to piggyback on) and assigning every entity a
// globally unique object id in the order encountered.
func Load(path string, macros map[string]string) (*Env, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := ExpandMacros(string(raw), macros)

	var doc document
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	env := &Env{}
	var nextID uint32 = 1

	for i := range doc.Tables {
		doc.Tables[i].ID = nextID
		nextID++
		if err := env.Tables.Add(doc.Tables[i]); err != nil {
			return nil, fmt.Errorf("config: table %q: %w", doc.Tables[i].Name, err)
		}
	}
	for i := range doc.Redirects {
		doc.Redirects[i].ID = nextID
		nextID++
		if err := env.Redirects.Add(doc.Redirects[i]); err != nil {
			return nil, fmt.Errorf("config: redirect %q: %w", doc.Redirects[i].Name, err)
		}
	}
	for i := range doc.Protocols {
		doc.Protocols[i].ID = nextID
		nextID++
		for j := range doc.Protocols[i].Rules {
			doc.Protocols[i].Rules[j].ID = nextID
			nextID++
		}
		if err := env.Protocols.Add(doc.Protocols[i]); err != nil {
			return nil, fmt.Errorf("config: protocol %q: %w", doc.Protocols[i].Name, err)
		}
	}
	for i := range doc.Keys {
		doc.Keys[i].ID = nextID
		nextID++
		if doc.Keys[i].Path != "" {
			pem, err := os.ReadFile(doc.Keys[i].Path)
			if err != nil {
				return nil, fmt.Errorf("config: key %q: read %s: %w", doc.Keys[i].Name, doc.Keys[i].Path, err)
			}
			doc.Keys[i].PEM = pem
		}
		if err := env.Keys.Add(doc.Keys[i]); err != nil {
			return nil, fmt.Errorf("config: key %q: %w", doc.Keys[i].Name, err)
		}
	}
	for i := range doc.Relays {
		doc.Relays[i].ID = nextID
		nextID++
		if err := env.Relays.Add(doc.Relays[i]); err != nil {
			return nil, fmt.Errorf("config: relay %q: %w", doc.Relays[i].Name, err)
		}
	}

	return env, nil
}

// ExpandMacros replaces every occurrence of "$name" with its value from
// macros, the way relayd.c's parser substitutes symbols set with -D
// before the yacc grammar ever sees the token stream.
func ExpandMacros(raw string, macros map[string]string) string {
	if len(macros) == 0 {
		return raw
	}
	pairs := make([]string, 0, len(macros)*2)
	for k, v := range macros {
		pairs = append(pairs, "$"+k, v)
	}
	return strings.NewReplacer(pairs...).Replace(raw)
}

// ScrubKeys overwrites every loaded key's PEM bytes in this Env. Called
// once Distribute has handed each key's bytes to its ca instance, so the
// parent's own copy does not persist any longer than it has to (the
// parent is not the CA, but it is still a non-CA process and invariant 1
// in spec.md §8 binds it too).
func (e *Env) ScrubKeys() {
	for _, k := range e.Keys.All() {
		secret.Scrub(k.PEM)
	}
}

// RelayWire is what a relay instance itself needs out of a Relay entity:
// enough to bind its listener and name its protocol and key, but never
// the key's PEM bytes.
type RelayWire struct {
	ID       uint32 `yaml:"id"`
	Name     string `yaml:"name"`
	Listen   string `yaml:"listen"`
	Protocol string `yaml:"protocol"`
	KeyID    uint32 `yaml:"keyId"`
}

// KeyWire is what a ca instance needs: the id relay instances will
// reference in their key-ops, and the PEM bytes to parse at CTL_START.
type KeyWire struct {
	ID  uint32 `yaml:"id"`
	PEM []byte `yaml:"pem"`
}

// Distribute walks every entity and sends the CFG_* messages the
// corresponding roles need, then CFG_DONE, mirroring parent_configure in
// relayd.c. The caller must install a ReloadCounter wherever it reads
// CFG_DONE acks back *before* calling Distribute: a child can reply to the
// final broadcast before this call returns, and a late-installed counter
// would drop that ack on the floor.
func (e *Env) Distribute(sup *privsep.Supervisor) error {
	for _, t := range e.Tables.All() {
		if err := broadcastTo(sup, ipc.CfgTable, t, privsep.PFE, privsep.HCE, privsep.Relay); err != nil {
			return err
		}
	}
	for _, r := range e.Redirects.All() {
		if err := broadcastTo(sup, ipc.CfgRdr, r, privsep.PFE); err != nil {
			return err
		}
	}
	for _, p := range e.Protocols.All() {
		if err := broadcastTo(sup, ipc.CfgProto, p, privsep.Relay); err != nil {
			return err
		}
		for _, rule := range p.Rules {
			if err := broadcastTo(sup, ipc.CfgRule, rule, privsep.Relay); err != nil {
				return err
			}
		}
	}

	for i, r := range e.Relays.All() {
		instance := uint32(i)
		key, hasKey := registry.FindByName(&e.Keys, r.KeyName)
		wire := RelayWire{ID: r.ID, Name: r.Name, Listen: r.Listen, Protocol: r.Protocol}
		if hasKey {
			wire.KeyID = key.ID
		}
		if err := sendTo(sup, privsep.Relay, instance, ipc.CfgRelay, wire); err != nil {
			return err
		}
		if hasKey {
			if err := sendTo(sup, privsep.CA, instance, ipc.CfgRelay, KeyWire{ID: key.ID, PEM: key.PEM}); err != nil {
				return err
			}
		}
	}

	return sup.Broadcast(ipc.CfgDone, nil)
}

func broadcastTo(sup *privsep.Supervisor, typ ipc.Type, v interface{}, roles ...privsep.Role) error {
	payload, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("config: marshal %v payload: %w", typ, err)
	}
	for _, role := range roles {
		for _, c := range sup.Children(role) {
			if err := c.Channel().Compose(typ, c.Instance, ipc.NoFD, payload); err != nil {
				return err
			}
			if err := c.Channel().Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func sendTo(sup *privsep.Supervisor, role privsep.Role, instance uint32, typ ipc.Type, v interface{}) error {
	payload, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("config: marshal %v payload: %w", typ, err)
	}
	for _, c := range sup.Children(role) {
		if c.Instance != instance {
			continue
		}
		if err := c.Channel().Compose(typ, c.Instance, ipc.NoFD, payload); err != nil {
			return err
		}
		return c.Channel().Flush()
	}
	vlog.Infof("config: no %s instance %d to receive %v", role, instance, typ)
	return nil
}

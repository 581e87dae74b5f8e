// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config parses a relayd configuration document and drives the
// per-round distribution/reload protocol described in spec.md §4.3: push
// every entity to the roles that need it, then gate "running" on every
// non-parent role acknowledging the round.
package config

// Table is a named pool of backend hosts, the Go analogue of relayd.c's
// struct table.
type Table struct {
	ID    uint32   `yaml:"-"`
	Name  string   `yaml:"name"`
	Hosts []string `yaml:"hosts"`
}

func (t Table) ObjID() uint32    { return t.ID }
func (t Table) ObjName() string  { return t.Name }

// Redirector ("rdr") binds a listening address to a table.
type Redirector struct {
	ID       uint32 `yaml:"-"`
	Name     string `yaml:"name"`
	Listen   string `yaml:"listen"`
	Table    string `yaml:"table"`
	Protocol string `yaml:"protocol"`
}

func (r Redirector) ObjID() uint32   { return r.ID }
func (r Redirector) ObjName() string { return r.Name }

// Protocol names an L7 protocol definition (header rewrite rules, TLS
// options) shared by one or more relays.
type Protocol struct {
	ID    uint32   `yaml:"-"`
	Name  string   `yaml:"name"`
	TLS   bool     `yaml:"tls"`
	Rules []Rule   `yaml:"rules"`
}

func (p Protocol) ObjID() uint32   { return p.ID }
func (p Protocol) ObjName() string { return p.Name }

// Rule is one header-rewrite directive, matching relayd.c's struct
// relay_rule: a direction, a key (possibly a glob), and a replacement
// value.
type Rule struct {
	ID        uint32 `yaml:"-"`
	Direction string `yaml:"direction"` // "request" or "response"
	Key       string `yaml:"key"`
	Value     string `yaml:"value"`
}

func (r Rule) ObjID() uint32 { return r.ID }

// Key is a private key entry: an id and the PEM blob that stages it into
// the CA's registry at CTL_START. The PEM field is zeroed by
// Env.ScrubKeys once the CA round has consumed it.
type Key struct {
	ID   uint32 `yaml:"-"`
	Name string `yaml:"name"`
	PEM  []byte `yaml:"-"`
	Path string `yaml:"path"`
}

func (k Key) ObjID() uint32   { return k.ID }
func (k Key) ObjName() string { return k.Name }

// Relay is a single prefork worker slot: the listener it binds, the
// protocol it speaks, and the key id (if TLS) its rsashim.Key delegates
// to.
type Relay struct {
	ID       uint32 `yaml:"-"`
	Name     string `yaml:"name"`
	Listen   string `yaml:"listen"`
	Protocol string `yaml:"protocol"`
	KeyName  string `yaml:"key"`
	Table    string `yaml:"table"`
}

func (r Relay) ObjID() uint32   { return r.ID }
func (r Relay) ObjName() string { return r.Name }

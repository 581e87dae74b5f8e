// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"crypto"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"v.io/x/lib/vlog"

	"github.com/halfbit/relayd/internal/ca"
	"github.com/halfbit/relayd/internal/config"
	"github.com/halfbit/relayd/internal/ipc"
	"github.com/halfbit/relayd/internal/privsep"
	"github.com/halfbit/relayd/internal/registry"
	"github.com/halfbit/relayd/internal/relay/rsashim"
	"github.com/halfbit/relayd/internal/secret"
)

// runChild is the entry point for every re-exec'd role process: it opens
// the well-known channels Bootstrap hands it, then dispatches to the
// per-role loop.
func runChild(role privsep.Role, instance uint32) error {
	parent, peer, err := privsep.Bootstrap()
	if err != nil {
		return fmt.Errorf("relayd: %s[%d]: %w", role, instance, err)
	}
	defer parent.Close()
	if peer != nil {
		defer peer.Close()
	}

	switch role {
	case privsep.PFE:
		return runFilterEngine(parent, instance)
	case privsep.HCE:
		return runHealthEngine(parent, instance)
	case privsep.CA:
		return runCustodian(parent, peer, instance)
	case privsep.Relay:
		return runRelayWorker(parent, peer, instance)
	default:
		return fmt.Errorf("relayd: unexpected role %s", role)
	}
}

// nextMessage blocks until a full message is buffered on ch or the
// channel closes, the pattern every role's dispatch loop shares: drain
// whatever Get already has, then ReadSome and try again.
func nextMessage(ch *ipc.Channel) (*ipc.Message, error) {
	for {
		if msg, ok := ch.Get(); ok {
			return msg, nil
		}
		if err := ch.ReadSome(); err != nil {
			return nil, err
		}
	}
}

// ackConfig replies CFG_DONE to the parent, the acknowledgement that
// drives its ReloadCounter to zero.
func ackConfig(parent *ipc.Channel, instance uint32) error {
	if err := parent.Compose(ipc.CfgDone, instance, ipc.NoFD, nil); err != nil {
		return err
	}
	return parent.Flush()
}

// runFilterEngine services the pfe role: it only needs to know about
// tables and redirectors (actual packet-filter-table programming is a
// Non-goal — see SPEC_FULL.md §3 — so this loop records what it is told
// and acknowledges each round).
func runFilterEngine(parent *ipc.Channel, instance uint32) error {
	var tables []config.Table
	var redirects []config.Redirector
	for {
		msg, err := nextMessage(parent)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch msg.Header.Type {
		case ipc.CfgTable:
			var t config.Table
			if err := yaml.Unmarshal(msg.Payload, &t); err != nil {
				return fmt.Errorf("pfe: decode CFG_TABLE: %w", err)
			}
			tables = append(tables, t)
		case ipc.CfgRdr:
			var r config.Redirector
			if err := yaml.Unmarshal(msg.Payload, &r); err != nil {
				return fmt.Errorf("pfe: decode CFG_RDR: %w", err)
			}
			redirects = append(redirects, r)
		case ipc.CfgDone:
			vlog.VI(1).Infof("pfe: configured %d table(s), %d redirect(s)", len(tables), len(redirects))
			if err := ackConfig(parent, instance); err != nil {
				return err
			}
		case ipc.CtlStart:
			vlog.Infof("pfe: running")
		case ipc.CtlShutdown:
			return nil
		}
	}
}

// runHealthEngine services the hce role: only tables matter to it (it
// probes the hosts within each one). Active probing is a Non-goal; this
// loop establishes the wiring a real probe scheduler would hang off.
func runHealthEngine(parent *ipc.Channel, instance uint32) error {
	var tables []config.Table
	for {
		msg, err := nextMessage(parent)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch msg.Header.Type {
		case ipc.CfgTable:
			var t config.Table
			if err := yaml.Unmarshal(msg.Payload, &t); err != nil {
				return fmt.Errorf("hce: decode CFG_TABLE: %w", err)
			}
			tables = append(tables, t)
		case ipc.CfgDone:
			vlog.VI(1).Infof("hce: configured %d table(s)", len(tables))
			if err := ackConfig(parent, instance); err != nil {
				return err
			}
		case ipc.CtlStart:
			vlog.Infof("hce: running")
		case ipc.CtlShutdown:
			return nil
		}
	}
}

// runCustodian services the ca role: it stages keys as they arrive, parses
// them all at CTL_START (ca.Custodian.Launch), then serves
// CA_PRIVENC/CA_PRIVDEC requests from its paired relay on peer while still
// watching parent for CTL_SHUTDOWN.
func runCustodian(parent, peer *ipc.Channel, instance uint32) error {
	custodian := ca.NewCustodian(instance, privsep.Prefork())

	for {
		msg, err := nextMessage(parent)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch msg.Header.Type {
		case ipc.CfgRelay:
			var kw config.KeyWire
			if err := yaml.Unmarshal(msg.Payload, &kw); err != nil {
				return fmt.Errorf("ca[%d]: decode CFG_RELAY: %w", instance, err)
			}
			custodian.StageKey(kw.ID, kw.PEM)
			secret.Scrub(kw.PEM)
			secret.Scrub(msg.Payload)
		case ipc.CfgDone:
			if err := ackConfig(parent, instance); err != nil {
				return err
			}
		case ipc.CtlStart:
			if err := custodian.Launch(); err != nil {
				vlog.Fatalf("ca[%d]: %v", instance, err)
			}
			return serveCustodian(parent, peer, instance, custodian)
		case ipc.CtlShutdown:
			return nil
		}
	}
}

// serveCustodian runs once the parent has signaled CTL_START: it answers
// key-op requests on peer until peer closes or the parent sends
// CTL_SHUTDOWN, matching ca_dispatch_relay's event loop in ca.c.
func serveCustodian(parent, peer *ipc.Channel, instance uint32, custodian *ca.Custodian) error {
	shutdown := make(chan struct{})
	go func() {
		for {
			msg, err := nextMessage(parent)
			if err != nil || msg.Header.Type == ipc.CtlShutdown {
				close(shutdown)
				return
			}
		}
	}()

	for {
		select {
		case <-shutdown:
			return nil
		default:
		}
		msg, err := nextMessage(peer)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch msg.Header.Type {
		case ipc.CaPrivEnc, ipc.CaPrivDec:
			reply, err := custodian.Dispatch(msg.Header.Type, msg.Payload)
			if err != nil {
				// Fail-stop per spec.md §7: a malformed or
				// out-of-range request is a protocol violation,
				// not a recoverable crypto failure.
				vlog.Fatalf("ca[%d]: %v", instance, err)
			}
			if err := peer.Compose(msg.Header.Type, instance, ipc.NoFD, reply); err != nil {
				return err
			}
			if err := peer.Flush(); err != nil {
				return err
			}
		default:
			vlog.Infof("ca[%d]: unexpected message %v on peer channel", instance, msg.Header.Type)
		}
	}
}

// runRelayWorker services the relay role: it learns its table, protocol,
// rules and relay wiring, constructs an rsashim.Key against its paired ca
// instance once a key is assigned, and otherwise waits for CTL_START —
// the TLS listener and accept loop themselves are a Non-goal (SPEC_FULL.md
// §3), so this establishes exactly the wiring a real dataplane would use.
func runRelayWorker(parent, peer *ipc.Channel, instance uint32) error {
	var (
		tables      []config.Table
		protocols   []config.Protocol
		reqRules    = registry.NewKVTree()
		respRules   = registry.NewKVTree()
		ruleCount   int
		wire        config.RelayWire
		key         *rsashim.Key
	)

	for {
		msg, err := nextMessage(parent)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		switch msg.Header.Type {
		case ipc.CfgTable:
			var t config.Table
			if err := yaml.Unmarshal(msg.Payload, &t); err != nil {
				return fmt.Errorf("relay[%d]: decode CFG_TABLE: %w", instance, err)
			}
			tables = append(tables, t)
		case ipc.CfgProto:
			var p config.Protocol
			if err := yaml.Unmarshal(msg.Payload, &p); err != nil {
				return fmt.Errorf("relay[%d]: decode CFG_PROTO: %w", instance, err)
			}
			protocols = append(protocols, p)
		case ipc.CfgRule:
			var r config.Rule
			if err := yaml.Unmarshal(msg.Payload, &r); err != nil {
				return fmt.Errorf("relay[%d]: decode CFG_RULE: %w", instance, err)
			}
			if r.Direction == "response" {
				respRules.Add(r.Key, r.Value)
			} else {
				reqRules.Add(r.Key, r.Value)
			}
			ruleCount++
		case ipc.CfgRelay:
			if err := yaml.Unmarshal(msg.Payload, &wire); err != nil {
				return fmt.Errorf("relay[%d]: decode CFG_RELAY: %w", instance, err)
			}
			if wire.KeyID != 0 && peer != nil {
				// The certificate's public key is ordinarily read
				// off the TLS listener's configured certificate;
				// there is no such listener here (Non-goal), so
				// Public() has nothing to report until one exists.
				var public crypto.PublicKey
				key = rsashim.NewKey(peer, wire.KeyID, instance, public)
			}
		case ipc.CfgDone:
			vlog.VI(1).Infof("relay[%d]: configured listen=%s protocol=%s tables=%d protocols=%d rules=%d key=%v",
				instance, wire.Listen, wire.Protocol, len(tables), len(protocols), ruleCount, key != nil)
			if err := ackConfig(parent, instance); err != nil {
				return err
			}
		case ipc.CtlStart:
			vlog.Infof("relay[%d]: running, listen=%s", instance, wire.Listen)
		case ipc.CtlShutdown:
			return nil
		}
	}
}

// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ipc implements the framed, typed message fabric that connects the
// relayd supervisor to its child roles, and relay workers to their key
// custodian. The wire format is bit-exact across every role pair: a fixed
// header followed by a payload, with at most one file descriptor riding
// along as ancillary data.
package ipc

import "fmt"

// Type identifies the kind of a message on the wire. The numeric values are
// an implementation choice; only the name and the checks each role performs
// on a given type are load-bearing.
type Type uint32

const (
	// Configuration.
	CfgTable Type = iota + 1
	CfgHost
	CfgRelay
	CfgProto
	CfgRule
	CfgRdr
	CfgDone

	// Control.
	CtlStart
	CtlReset
	CtlReload
	CtlShutdown

	// Dataplane support.
	Bindany
	BindanyReply

	// Crypto.
	CaPrivEnc
	CaPrivDec

	// Health/route, platform-specific.
	Script
	Demote
	Rtmsg
	Snmpsock
)

func (t Type) String() string {
	switch t {
	case CfgTable:
		return "CFG_TABLE"
	case CfgHost:
		return "CFG_HOST"
	case CfgRelay:
		return "CFG_RELAY"
	case CfgProto:
		return "CFG_PROTO"
	case CfgRule:
		return "CFG_RULE"
	case CfgRdr:
		return "CFG_RDR"
	case CfgDone:
		return "CFG_DONE"
	case CtlStart:
		return "CTL_START"
	case CtlReset:
		return "CTL_RESET"
	case CtlReload:
		return "CTL_RELOAD"
	case CtlShutdown:
		return "CTL_SHUTDOWN"
	case Bindany:
		return "BINDANY"
	case BindanyReply:
		return "BINDANY_REPLY"
	case CaPrivEnc:
		return "CA_PRIVENC"
	case CaPrivDec:
		return "CA_PRIVDEC"
	case Script:
		return "SCRIPT"
	case Demote:
		return "DEMOTE"
	case Rtmsg:
		return "RTMSG"
	case Snmpsock:
		return "SNMPSOCK"
	default:
		return fmt.Sprintf("TYPE(%d)", uint32(t))
	}
}

// HeaderSize is the on-wire size in bytes of Header.
const HeaderSize = 16

// Header is the fixed-size record that precedes every message's payload.
// Field order and width are bit-exact: four big-endian uint32s.
type Header struct {
	Type    Type
	Length  uint32 // length of payload that follows, in bytes
	PeerID  uint32 // id of the intended recipient instance
	PID     uint32 // pid of the sender, for diagnostics
}

// Message is a header paired with its payload and, optionally, a single
// file descriptor that accompanied it out of band.
type Message struct {
	Header  Header
	Payload []byte
	FD      int // -1 if no descriptor accompanied this message
}

// NoFD is the sentinel used in place of a real descriptor.
const NoFD = -1

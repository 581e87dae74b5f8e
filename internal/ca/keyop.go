// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ca implements the key custodian role: the only process in the
// system that ever holds a decoded RSA private key. It services
// CA_PRIVENC/CA_PRIVDEC requests from relay worker instances and never
// hands back anything but the operation's result bytes.
package ca

import (
	"encoding/binary"
	"fmt"

	"github.com/halfbit/relayd/internal/ipc"
)

// Padding mirrors OpenSSL's RSA padding constants closely enough for the
// wire to carry the same meaning relayd.c's ctl_keyop.cko_padding did;
// crypto/rsa only distinguishes PKCS#1v1.5 and OAEP for encrypt/decrypt,
// so those are the two modes this implementation actually honors.
type Padding int32

const (
	PaddingPKCS1 Padding = 1
	PaddingOAEP  Padding = 4
	PaddingNone  Padding = 3
)

// KeyOpSize is the on-wire size of the fixed portion of a key-op message,
// matching struct ctl_keyop/struct key-op in spec.md §6: four uint32s plus
// a signed int32 padding mode.
const KeyOpSize = 20

// KeyOp is the Go form of spec.md §6's wire struct key-op. ID identifies
// the key; Requester is the originating relay instance index; FLen is the
// input length; TLen is the output capacity on a request and the actual
// output length on a reply; Padding selects the RSA padding scheme.
type KeyOp struct {
	ID        uint32
	Requester uint32
	FLen      uint32
	TLen      uint32
	Padding   Padding
}

// EncodeKeyOp renders hdr followed by body into a single payload buffer
// suitable for ipc.Channel.Compose.
func EncodeKeyOp(op KeyOp, body []byte) []byte {
	buf := make([]byte, KeyOpSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], op.ID)
	binary.BigEndian.PutUint32(buf[4:8], op.Requester)
	binary.BigEndian.PutUint32(buf[8:12], op.FLen)
	binary.BigEndian.PutUint32(buf[12:16], op.TLen)
	binary.BigEndian.PutUint32(buf[16:20], uint32(op.Padding))
	copy(buf[KeyOpSize:], body)
	return buf
}

// decodeKeyOpHeader parses the fixed portion of a key-op payload without
// validating the trailing body length, since the caller needs FLen/TLen
// out of the header before it knows which of those two fields the body
// should be measured against.
func decodeKeyOpHeader(payload []byte) (KeyOp, error) {
	if len(payload) < KeyOpSize {
		return KeyOp{}, fmt.Errorf("ca: key-op payload too short: %d bytes", len(payload))
	}
	return KeyOp{
		ID:        binary.BigEndian.Uint32(payload[0:4]),
		Requester: binary.BigEndian.Uint32(payload[4:8]),
		FLen:      binary.BigEndian.Uint32(payload[8:12]),
		TLen:      binary.BigEndian.Uint32(payload[12:16]),
		Padding:   Padding(binary.BigEndian.Uint32(payload[16:20])),
	}, nil
}

// DecodeKeyOp splits a key-op payload into its fixed header and variable
// body, validating that the declared length matches what's actually
// present. bodyLen is the expected length of the trailing body: FLen for a
// request, TLen for a reply.
func DecodeKeyOp(payload []byte, bodyLen uint32) (KeyOp, []byte, error) {
	op, err := decodeKeyOpHeader(payload)
	if err != nil {
		return KeyOp{}, nil, err
	}
	want := KeyOpSize + int(bodyLen)
	if len(payload) != want {
		return op, nil, fmt.Errorf("%w: key-op got %d bytes, want %d", ipc.ErrSizeMismatch, len(payload), want)
	}
	return op, payload[KeyOpSize:], nil
}

// DecodeKeyOpRequest decodes a key-op whose trailing body is sized by the
// header's own FLen field, the shape a CA_PRIVENC/CA_PRIVDEC request
// always takes.
func DecodeKeyOpRequest(payload []byte) (KeyOp, []byte, error) {
	hdr, err := decodeKeyOpHeader(payload)
	if err != nil {
		return KeyOp{}, nil, err
	}
	return DecodeKeyOp(payload, hdr.FLen)
}

// DecodeKeyOpReply decodes a key-op whose trailing body is sized by the
// header's own TLen field, the shape a CA_PRIVENC/CA_PRIVDEC reply always
// takes.
func DecodeKeyOpReply(payload []byte) (KeyOp, []byte, error) {
	hdr, err := decodeKeyOpHeader(payload)
	if err != nil {
		return KeyOp{}, nil, err
	}
	return DecodeKeyOp(payload, hdr.TLen)
}

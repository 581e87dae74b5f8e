// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/halfbit/relayd/internal/ipc"
	"github.com/halfbit/relayd/internal/secret"
)

const pkgPath = "github.com/halfbit/relayd/internal/ca"

var (
	errUnknownKey  = verror.Register(pkgPath+".errUnknownKey", verror.NoRetry, "{1:}{2:} unknown key id {3}{:_}")
	errBadRequester = verror.Register(pkgPath+".errBadRequester", verror.NoRetry, "{1:}{2:} invalid relay instance {3}{:_}")
	errBadPEM      = verror.Register(pkgPath+".errBadPEM", verror.NoRetry, "{1:}{2:} failed to parse private key{:_}")
)

// Custodian holds the decoded private keys for one instance of the key
// custodian role (there is one CA instance per relay instance, per
// spec.md §2) and answers CA_PRIVENC/CA_PRIVDEC requests from its paired
// relay worker.
type Custodian struct {
	instance  uint32 // this CA's own instance index, for logging only
	prefork   uint32 // number of relay instances (valid Requester range)
	keys      map[uint32]*rsa.PrivateKey
	pemBlobs  []pendingKey // staged at CFG_RELAY time, parsed at CTL_START
}

type pendingKey struct {
	id  uint32
	pem []byte
}

// NewCustodian creates a custodian for the given CA instance index. prefork
// is the number of relay instances, used to validate the Requester field
// on every key-op (§4.4: "requester-index within [0, N)").
func NewCustodian(instance, prefork uint32) *Custodian {
	return &Custodian{instance: instance, prefork: prefork, keys: make(map[uint32]*rsa.PrivateKey)}
}

// StageKey records a PEM-encoded private key under id, to be parsed into
// the registry on Launch. The caller is responsible for scrubbing pemBlob
// after StageKey returns if it no longer needs the raw bytes itself — the
// custodian keeps its own copy until Launch consumes it.
func (c *Custodian) StageKey(id uint32, pemBlob []byte) {
	cp := make([]byte, len(pemBlob))
	copy(cp, pemBlob)
	c.pemBlobs = append(c.pemBlobs, pendingKey{id: id, pem: cp})
}

// Launch parses every staged PEM blob into the key registry and scrubs the
// PEM bytes immediately after, mirroring ca_launch in ca.c: by the time
// Launch returns, no buffer anywhere in this process holds undecoded key
// material. It is invoked on CTL_START.
func (c *Custodian) Launch() error {
	for i := range c.pemBlobs {
		staged := &c.pemBlobs[i]
		key, err := parsePrivateKey(staged.pem)
		secret.Scrub(staged.pem)
		if err != nil {
			return verror.New(errBadPEM, nil, err)
		}
		c.keys[staged.id] = key
		vlog.VI(1).Infof("ca[%d]: registered key id %d", c.instance, staged.id)
	}
	c.pemBlobs = nil
	return nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(der)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return key, nil
}

// Dispatch handles one CA_PRIVENC or CA_PRIVDEC request and returns the
// payload for the reply message to send back to the requesting relay
// instance on the same type. It implements the validation relayd.c's
// ca_dispatch_relay performs before touching the payload, and treats every
// violation as fatal: callers should terminate the process on a non-nil
// error, never attempt to recover and keep serving.
func (c *Custodian) Dispatch(typ ipc.Type, payload []byte) ([]byte, error) {
	op, body, err := DecodeKeyOpRequest(payload)
	if err != nil {
		return nil, err
	}
	if op.Requester >= c.prefork {
		return nil, verror.New(errBadRequester, nil, op.Requester)
	}
	key, ok := c.keys[op.ID]
	if !ok {
		return nil, verror.New(errUnknownKey, nil, op.ID)
	}

	out, opErr := performKeyOp(typ, key, op.Padding, body)
	if opErr != nil {
		// Cryptographic failure: per spec.md §7/§9, this is NOT fatal.
		// Forward a zero-length result; the relay surfaces it as a
		// handshake failure for that one session.
		vlog.Infof("ca[%d]: key op failed for key %d: %v", c.instance, op.ID, opErr)
		op.TLen = 0
		return EncodeKeyOp(op, nil), nil
	}
	op.TLen = uint32(len(out))
	return EncodeKeyOp(op, out), nil
}

func performKeyOp(typ ipc.Type, key *rsa.PrivateKey, padding Padding, input []byte) ([]byte, error) {
	switch typ {
	case ipc.CaPrivEnc:
		// "Private encrypt" is the RSA sign primitive: input is given
		// PKCS#1 v1.5 type-1 padding and exponentiated with the private
		// key. The wire padding field is not consulted for this type.
		return rsaPrivateRaw(key, input)
	case ipc.CaPrivDec:
		switch padding {
		case PaddingOAEP:
			return rsa.DecryptOAEP(sha256.New(), rand.Reader, key, input, nil)
		default:
			return rsa.DecryptPKCS1v15(rand.Reader, key, input)
		}
	default:
		return nil, fmt.Errorf("ca: unsupported key-op type %v", typ)
	}
}

// rsaPrivateRaw computes what RSA_private_encrypt(..., RSA_PKCS1_PADDING)
// computes: it applies PKCS#1 v1.5 type-1 padding to input and performs the
// private-key exponentiation. It uses SignPKCS1v15 with a crypto.Hash of 0,
// which signs the provided bytes as a pre-built DigestInfo without
// re-hashing and without prepending a DigestInfo prefix.
func rsaPrivateRaw(key *rsa.PrivateKey, input []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.Hash(0), input)
}

// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rsashim gives a relay worker a crypto.Signer/crypto.Decrypter
// that never touches a decoded private key: every Sign or Decrypt call is
// a synchronous round trip over the worker's dedicated channel to its
// paired key custodian, the Go equivalent of rsae_priv_enc/rsae_priv_dec
// and the RSA_METHOD engine installed by ca_engine_init in ca.c.
package rsashim

import (
	"crypto"
	"crypto/rsa"
	"fmt"
	"io"
	"sync"

	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/halfbit/relayd/internal/ca"
	"github.com/halfbit/relayd/internal/ipc"
)

const pkgPath = "github.com/halfbit/relayd/internal/relay/rsashim"

var (
	errReplyType = verror.Register(pkgPath+".errReplyType", verror.NoRetry, "{1:}{2:} unexpected reply type {3} (want {4}){:_}")
	errFailed    = verror.Register(pkgPath+".errFailed", verror.NoRetry, "{1:}{2:} key custodian returned empty result for key {3}{:_}")
)

// Conn is the subset of ipc.Channel the shim needs: compose a request,
// flush it, and block for the matching reply. A relay worker has exactly
// one such channel open to its paired CA instance for the lifetime of the
// process.
type Conn interface {
	Compose(typ ipc.Type, peerID uint32, fd int, payload []byte) error
	Flush() error
	ReadSome() error
	Get() (*ipc.Message, bool)
}

// Key is a crypto.Signer and crypto.Decrypter backed by a key id known to
// the paired key custodian. It never holds decoded key material itself;
// Public returns the certificate's public key, supplied by the caller at
// construction since the shim has no way to derive it from an opaque id.
type Key struct {
	conn      Conn
	id        uint32
	requester uint32
	public    crypto.PublicKey

	mu sync.Mutex
}

// NewKey returns a Key that delegates private-key operations for id to
// conn, identifying itself as requester (this relay's prefork instance
// index, validated by the custodian against the configured instance
// count). public is the certificate's public key, used only to satisfy
// crypto.Signer/crypto.Decrypter's Public method.
func NewKey(conn Conn, id, requester uint32, public crypto.PublicKey) *Key {
	return &Key{conn: conn, id: id, requester: requester, public: public}
}

// Public implements crypto.Signer and crypto.Decrypter.
func (k *Key) Public() crypto.PublicKey { return k.public }

// Sign implements crypto.Signer by delegating to CA_PRIVENC. opts is not
// consulted: digest is sent as given, and the custodian pads it without
// adding a DigestInfo prefix, so digest must already be the
// DigestInfo-wrapped or raw bytes the TLS stack expects back signed,
// mirroring the PKCS1_PADDING
// RSA_private_encrypt call rsae_priv_enc makes when ex_data is present.
func (k *Key) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.roundTrip(ipc.CaPrivEnc, digest, ca.PaddingPKCS1)
}

// Decrypt implements crypto.Decrypter by delegating to CA_PRIVDEC.
func (k *Key) Decrypt(_ io.Reader, ciphertext []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	padding := ca.PaddingPKCS1
	if _, ok := opts.(*rsa.OAEPOptions); ok {
		padding = ca.PaddingOAEP
	}
	return k.roundTrip(ipc.CaPrivDec, ciphertext, padding)
}

// roundTrip sends one key-op request and blocks until the matching reply
// arrives, the way rsae_send_imsg composes, flushes, and then loops
// reading the channel until it sees its own message type back.
func (k *Key) roundTrip(typ ipc.Type, body []byte, padding ca.Padding) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	op := ca.KeyOp{
		ID:        k.id,
		Requester: k.requester,
		FLen:      uint32(len(body)),
		Padding:   padding,
	}
	payload := ca.EncodeKeyOp(op, body)

	if err := k.conn.Compose(typ, k.requester, ipc.NoFD, payload); err != nil {
		return nil, fmt.Errorf("rsashim: compose: %w", err)
	}
	if err := k.conn.Flush(); err != nil {
		return nil, fmt.Errorf("rsashim: flush: %w", err)
	}

	for {
		if msg, ok := k.conn.Get(); ok {
			return k.handleReply(typ, msg)
		}
		if err := k.conn.ReadSome(); err != nil {
			return nil, fmt.Errorf("rsashim: read: %w", err)
		}
	}
}

func (k *Key) handleReply(want ipc.Type, msg *ipc.Message) ([]byte, error) {
	if msg.Header.Type != want {
		// A reply of the wrong type means the imsg channel framing has
		// come apart; there is no way to recover request/response
		// correlation from here, so this is fatal exactly like the
		// original's rsae_send_imsg failing its type check.
		err := verror.New(errReplyType, nil, msg.Header.Type, want)
		vlog.Fatalf("rsashim: %v", err)
		return nil, err
	}
	op, out, err := ca.DecodeKeyOpReply(msg.Payload)
	if err != nil {
		return nil, err
	}
	if op.TLen == 0 {
		return nil, verror.New(errFailed, nil, op.ID)
	}
	return out, nil
}

var (
	_ crypto.Signer    = (*Key)(nil)
	_ crypto.Decrypter = (*Key)(nil)
)

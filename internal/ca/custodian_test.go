// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/halfbit/relayd/internal/ipc"
)

func testKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block), key
}

func TestCustodianSignRoundTrip(t *testing.T) {
	pemBytes, key := testKeyPEM(t)

	c := NewCustodian(0, 1)
	c.StageKey(1, pemBytes)
	if err := c.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}
	req := EncodeKeyOp(KeyOp{ID: 1, Requester: 0, FLen: uint32(len(digest)), Padding: PaddingPKCS1}, digest)

	reply, err := c.Dispatch(ipc.CaPrivEnc, req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	hdr, err := decodeKeyOpHeader(reply)
	if err != nil {
		t.Fatalf("decodeKeyOpHeader(reply): %v", err)
	}
	op, sig, err := DecodeKeyOp(reply, hdr.TLen)
	if err != nil {
		t.Fatalf("DecodeKeyOp(reply): %v", err)
	}
	if op.TLen == 0 || len(sig) != int(op.TLen) {
		t.Fatalf("unexpected signature length %d (TLen=%d)", len(sig), op.TLen)
	}

	hashed := append([]byte(nil), digest...)
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, 0, hashed, sig); err != nil {
		t.Fatalf("signature did not verify: %v", err)
	}
}

func TestCustodianUnknownKeyIsFatal(t *testing.T) {
	c := NewCustodian(0, 1)
	req := EncodeKeyOp(KeyOp{ID: 99, Requester: 0, FLen: 4, Padding: PaddingPKCS1}, []byte{1, 2, 3, 4})

	_, err := c.Dispatch(ipc.CaPrivEnc, req)
	if err == nil {
		t.Fatal("expected error for unknown key id")
	}
	if !strings.Contains(err.Error(), "unknown key id") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCustodianRequesterOutOfRangeIsFatal(t *testing.T) {
	pemBytes, _ := testKeyPEM(t)
	c := NewCustodian(0, 2)
	c.StageKey(1, pemBytes)
	if err := c.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	req := EncodeKeyOp(KeyOp{ID: 1, Requester: 2, FLen: 4, Padding: PaddingPKCS1}, []byte{1, 2, 3, 4})
	_, err := c.Dispatch(ipc.CaPrivEnc, req)
	if err == nil {
		t.Fatal("expected error for out-of-range requester")
	}
}

func TestCustodianLengthMismatchIsFatal(t *testing.T) {
	pemBytes, _ := testKeyPEM(t)
	c := NewCustodian(0, 1)
	c.StageKey(1, pemBytes)
	if err := c.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	// Declares FLen=8 but only 4 bytes of body actually follow.
	req := EncodeKeyOp(KeyOp{ID: 1, Requester: 0, FLen: 8, Padding: PaddingPKCS1}, []byte{1, 2, 3, 4})
	_, err := c.Dispatch(ipc.CaPrivEnc, req)
	if err == nil {
		t.Fatal("expected error for length mismatch")
	}
	if !strings.Contains(err.Error(), "key-op") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCustodianDecryptRoundTrip(t *testing.T) {
	pemBytes, key := testKeyPEM(t)

	c := NewCustodian(0, 1)
	c.StageKey(5, pemBytes)
	if err := c.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	plaintext := []byte("premaster secret")
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, &key.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("EncryptPKCS1v15: %v", err)
	}

	req := EncodeKeyOp(KeyOp{ID: 5, Requester: 0, FLen: uint32(len(ciphertext)), Padding: PaddingPKCS1}, ciphertext)
	reply, err := c.Dispatch(ipc.CaPrivDec, req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	hdr, _ := decodeKeyOpHeader(reply)
	_, got, err := DecodeKeyOp(reply, hdr.TLen)
	if err != nil {
		t.Fatalf("DecodeKeyOp(reply): %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

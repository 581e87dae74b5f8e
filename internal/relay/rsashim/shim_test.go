// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rsashim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/halfbit/relayd/internal/ca"
	"github.com/halfbit/relayd/internal/ipc"
)

func socketpair(t *testing.T) (*ipc.Channel, *ipc.Channel) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	return toChannel(t, fds[0]), toChannel(t, fds[1])
}

func toChannel(t *testing.T, fd int) *ipc.Channel {
	t.Helper()
	f := os.NewFile(uintptr(fd), "sock")
	c, err := net.FileConn(f)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	f.Close()
	uc, ok := c.(*net.UnixConn)
	if !ok {
		t.Fatalf("not a unix conn: %T", c)
	}
	return ipc.NewChannel(uc)
}

// custodianLoop services one request on conn and then stops, standing in
// for the CA instance's message loop for the duration of a single
// Sign/Decrypt call. A Dispatch error is treated the way the real
// custodian treats it: fatal, so the process (here, just this goroutine's
// end of the socket) goes away without replying, which is what unblocks
// the relay side's pending read with an error instead of a hang.
func custodianLoop(t *testing.T, c *ca.Custodian, conn *ipc.Channel) {
	t.Helper()
	for {
		if msg, ok := conn.Get(); ok {
			reply, err := c.Dispatch(msg.Header.Type, msg.Payload)
			if err != nil {
				conn.Close()
				return
			}
			if err := conn.Compose(msg.Header.Type, msg.Header.PeerID, ipc.NoFD, reply); err != nil {
				t.Errorf("Compose: %v", err)
				return
			}
			if err := conn.Flush(); err != nil {
				t.Errorf("Flush: %v", err)
				return
			}
			return
		}
		if err := conn.ReadSome(); err != nil {
			t.Errorf("ReadSome: %v", err)
			return
		}
	}
}

func TestKeySignRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})

	custodian := ca.NewCustodian(0, 1)
	custodian.StageKey(7, pemBytes)
	if err := custodian.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	relaySide, caSide := socketpair(t)
	defer relaySide.Close()
	defer caSide.Close()

	k := NewKey(relaySide, 7, 0, &key.PublicKey)

	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i * 3)
	}

	done := make(chan struct{})
	go func() {
		custodianLoop(t, custodian, caSide)
		close(done)
	}()

	sig, err := k.Sign(nil, digest, nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	<-done

	if err := rsa.VerifyPKCS1v15(&key.PublicKey, 0, digest, sig); err != nil {
		t.Fatalf("signature did not verify: %v", err)
	}
}

func TestKeyDecryptRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})

	custodian := ca.NewCustodian(0, 1)
	custodian.StageKey(3, pemBytes)
	if err := custodian.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	relaySide, caSide := socketpair(t)
	defer relaySide.Close()
	defer caSide.Close()

	k := NewKey(relaySide, 3, 0, &key.PublicKey)

	plaintext := []byte("premaster secret bytes")
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, &key.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("EncryptPKCS1v15: %v", err)
	}

	done := make(chan struct{})
	go func() {
		custodianLoop(t, custodian, caSide)
		close(done)
	}()

	got, err := k.Decrypt(nil, ciphertext, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	<-done

	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestKeyUnknownKeyIDFails(t *testing.T) {
	custodian := ca.NewCustodian(0, 1)

	relaySide, caSide := socketpair(t)
	defer relaySide.Close()
	defer caSide.Close()

	k := NewKey(relaySide, 42, 0, nil)

	done := make(chan struct{})
	go func() {
		custodianLoop(t, custodian, caSide)
		close(done)
	}()

	_, err := k.Sign(nil, make([]byte, 32), nil)
	<-done
	if err == nil {
		t.Fatal("expected error from Sign against an unstaged key id")
	}
}

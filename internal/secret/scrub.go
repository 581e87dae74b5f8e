// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package secret holds the one helper every code path that releases a
// private-key buffer must use: relayd.c's purge_key, translated to Go.
package secret

// Scrub overwrites buf with zeros in place. It is used on every path that
// releases a buffer that once held PEM-encoded private key material, so
// that invariant 1 in spec.md §8 — no non-CA process ever retains decoded
// key bytes — holds after the CA has parsed a key out of it.
//
// It is a plain range loop over buf: buf is heap-allocated Go memory the
// caller is about to drop, and unlike the C original there is no separate
// "volatile" qualifier to fight the compiler with. No barrier or special
// primitive guards the stores against removal by the compiler.
func Scrub(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

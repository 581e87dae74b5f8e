// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrShort names the short-buffer condition. Get does not return it: Get
// reports a receive buffer that does not yet hold a complete message by
// returning (nil, false).
var ErrShort = errors.New("ipc: short buffer")

// ErrSizeMismatch is the fatal error raised when a sender's declared payload
// length doesn't match what a strongly-typed payload expects. Per spec, the
// recipient must treat this as fail-stop: the sender is a privileged peer
// and a mismatch indicates a bug or intrusion attempt.
var ErrSizeMismatch = errors.New("ipc: payload length mismatch")

// Channel is an ordered, framed, bidirectional message link between this
// process and exactly one peer role instance. It is the Go analogue of an
// imsgbuf: a send queue, a receive buffer, and the underlying fd.
type Channel struct {
	conn *net.UnixConn

	mu      sync.Mutex
	sendBuf bytes.Buffer
	sendFDs []int // one pending fd per queued message, aligned by send order

	recv      bytes.Buffer
	pendingFD int
}

// NewChannel wraps an already-connected unix socket endpoint.
func NewChannel(conn *net.UnixConn) *Channel {
	return &Channel{conn: conn, pendingFD: NoFD}
}

// Conn exposes the underlying connection, e.g. for registering with an
// event loop's readiness poller.
func (c *Channel) Conn() *net.UnixConn { return c.conn }

// Close tears down the channel.
func (c *Channel) Close() error { return c.conn.Close() }

// Compose enqueues a single message for sending. fd may be NoFD.
func (c *Channel) Compose(typ Type, peerID uint32, fd int, payload []byte) error {
	return c.Composev(typ, peerID, fd, [][]byte{payload})
}

// Composev is Compose's gather-style sibling: the iovecs are concatenated
// into a single message payload.
func (c *Channel) Composev(typ Type, peerID uint32, fd int, iov [][]byte) error {
	total := 0
	for _, v := range iov {
		total += len(v)
	}
	hdr := Header{
		Type:   typ,
		Length: uint32(total),
		PeerID: peerID,
		PID:    uint32(os.Getpid()),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := binary.Write(&c.sendBuf, binary.BigEndian, hdr.Type); err != nil {
		return err
	}
	if err := binary.Write(&c.sendBuf, binary.BigEndian, hdr.Length); err != nil {
		return err
	}
	if err := binary.Write(&c.sendBuf, binary.BigEndian, hdr.PeerID); err != nil {
		return err
	}
	if err := binary.Write(&c.sendBuf, binary.BigEndian, hdr.PID); err != nil {
		return err
	}
	for _, v := range iov {
		c.sendBuf.Write(v)
	}
	c.sendFDs = append(c.sendFDs, fd)
	return nil
}

// Flush writes the send buffer to the wire until it is empty or a
// permanent error occurs. Transient errors (EAGAIN, EINTR) cause Flush to
// return a nil error having made partial progress; the caller should retry
// once the fd is writable again. Each sendmsg(2) carries the fd (if any) of
// the oldest queued message not yet offered to an earlier call, so when the
// whole buffer goes out in one write only the first message's fd is sent;
// the fds still queued once the buffer has drained are discarded.
func (c *Channel) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Channel) flushLocked() error {
	for c.sendBuf.Len() > 0 {
		var oob []byte
		if len(c.sendFDs) > 0 && c.sendFDs[0] != NoFD {
			oob = unix.UnixRights(c.sendFDs[0])
		}
		n, _, err := c.conn.WriteMsgUnix(c.sendBuf.Bytes(), oob, nil)
		if err != nil {
			if isTransient(err) {
				return nil
			}
			return fmt.Errorf("ipc: flush: %w", err)
		}
		c.sendBuf.Next(n)
		if len(c.sendFDs) > 0 {
			c.sendFDs = c.sendFDs[1:]
		}
	}
	c.sendFDs = nil
	return nil
}

// ReadSome reads one chunk off the wire into the receive buffer, capturing
// at most one ancillary file descriptor. It is the Go analogue of
// imsg_read.
func (c *Channel) ReadSome() error {
	buf := make([]byte, 64*1024)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		if isTransient(err) {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("ipc: read: %w", err)
	}
	if n == 0 && oobn == 0 {
		return io.EOF
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.recv.Write(buf[:n])

	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, scm := range scms {
				fds, err := unix.ParseUnixRights(&scm)
				if err == nil && len(fds) > 0 {
					c.pendingFD = fds[0]
					if c.pendingFD < 0 {
						c.pendingFD = NoFD
					}
				}
			}
		}
	}
	return nil
}

// Get extracts the next complete message from the receive buffer, if one is
// fully buffered. It returns (nil, false) — "none" — when the buffer holds
// fewer than HeaderSize+Length bytes, mirroring imsg_get's short-buffer
// return of 0.
func (c *Channel) Get() (*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked()
}

func (c *Channel) getLocked() (*Message, bool) {
	raw := c.recv.Bytes()
	if len(raw) < HeaderSize {
		return nil, false
	}
	hdr := Header{
		Type:   Type(binary.BigEndian.Uint32(raw[0:4])),
		Length: binary.BigEndian.Uint32(raw[4:8]),
		PeerID: binary.BigEndian.Uint32(raw[8:12]),
		PID:    binary.BigEndian.Uint32(raw[12:16]),
	}
	total := HeaderSize + int(hdr.Length)
	if len(raw) < total {
		return nil, false
	}

	payload := make([]byte, hdr.Length)
	copy(payload, raw[HeaderSize:total])
	c.recv.Next(total)

	fd := NoFD
	if c.pendingFD != NoFD {
		fd = c.pendingFD
		c.pendingFD = NoFD
	}

	return &Message{Header: hdr, Payload: payload, FD: fd}, true
}

// CheckSize is the fail-stop size validation every typed-message handler
// must perform before touching a payload: on mismatch the caller should
// treat the sender as having committed a protocol violation and terminate.
func CheckSize(msg *Message, want int) error {
	if len(msg.Payload) != want {
		return fmt.Errorf("%w: got %d want %d for %v", ErrSizeMismatch, len(msg.Payload), want, msg.Header.Type)
	}
	return nil
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.EWOULDBLOCK)
}

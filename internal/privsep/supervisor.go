// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package privsep

import (
	"fmt"
	"os"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"

	"v.io/x/lib/vlog"

	"github.com/halfbit/relayd/internal/ipc"
)

// Supervisor owns every child process and the channels joining them to
// the parent (and, for relay/ca, to each other). It is the Go analogue of
// relayd.c's proc_init/proc_listen/proc_kill machinery.
type Supervisor struct {
	Prefork uint32 // number of relay (and paired ca) instances

	children map[key]*Child
}

type key struct {
	role     Role
	instance uint32
}

// Init forks the full fixed process set: one pfe, one hce, Prefork ca
// instances and Prefork relay instances, plus the relay[i]<->ca[i]
// dedicated channels. It does not fork the parent itself — the calling
// process already is the parent.
func (s *Supervisor) Init() error {
	if s.Prefork == 0 {
		s.Prefork = 1
	}
	s.children = make(map[key]*Child)

	if err := s.spawn(PFE, 0, nil); err != nil {
		return err
	}
	if err := s.spawn(HCE, 0, nil); err != nil {
		return err
	}
	for i := uint32(0); i < s.Prefork; i++ {
		if err := s.spawnPair(i); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) spawn(role Role, instance uint32, peerFD *os.File) error {
	child, err := startChild(role, instance, peerFD)
	if err != nil {
		return fmt.Errorf("privsep: spawn %s[%d]: %w", role, instance, err)
	}
	s.children[key{role, instance}] = child
	return nil
}

// spawnPair creates the dedicated socketpair joining relay instance i to
// ca instance i, used exclusively for CA_PRIVENC/CA_PRIVDEC requests, and
// starts both children with one end each already attached as their
// fd-4 extra file, so neither ever has a window where it holds the
// other's end without also holding its own.
func (s *Supervisor) spawnPair(instance uint32) error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("privsep: socketpair for relay/ca[%d]: %w", instance, err)
	}
	relayPeer := os.NewFile(uintptr(fds[0]), fmt.Sprintf("relay[%d]-ca-peer", instance))
	caPeer := os.NewFile(uintptr(fds[1]), fmt.Sprintf("ca[%d]-relay-peer", instance))
	defer relayPeer.Close()
	defer caPeer.Close()

	if err := s.spawn(CA, instance, caPeer); err != nil {
		return err
	}
	if err := s.spawn(Relay, instance, relayPeer); err != nil {
		return err
	}
	return nil
}

// Children returns every child whose role matches, in instance order.
func (s *Supervisor) Children(role Role) []*Child {
	var out []*Child
	for k, c := range s.children {
		if k.role == role {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// All returns every child in a stable (role, instance) order, used by
// config.Env.Distribute to walk the whole process set.
func (s *Supervisor) All() []*Child {
	var out []*Child
	for _, role := range []Role{PFE, HCE, CA, Relay} {
		out = append(out, s.Children(role)...)
	}
	return out
}

// Broadcast composes and flushes the same message to every child.
func (s *Supervisor) Broadcast(typ ipc.Type, payload []byte) error {
	for _, c := range s.All() {
		if err := c.Channel().Compose(typ, c.Instance, ipc.NoFD, payload); err != nil {
			return err
		}
		if err := c.Channel().Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown sends CTL_SHUTDOWN to every child, then waits for each one in
// role order. It sends no signal and sets no deadline, so a child that
// does not exit keeps Shutdown waiting.
func (s *Supervisor) Shutdown() {
	_ = s.Broadcast(ipc.CtlShutdown, nil)
	for _, c := range s.All() {
		if err := c.Wait(); err != nil {
			vlog.Infof("privsep: %s[%d] exited: %v", c.Role, c.Instance, err)
		}
	}
}

// WatchExits starts one goroutine per child that blocks on that child's
// Wait and reports the exit to handler once it returns. This makes each
// goroutine the single owner of its child's reap: nothing else calls
// wait4 for that pid, so there is no race with a SIGCHLD-driven
// waitpid(-1) loop over the same zombie (relayd.c has no such race
// because libevent delivers SIGCHLD into the same single-threaded event
// loop that owns wait()).
func (s *Supervisor) WatchExits(handler SignalHandler) {
	for _, c := range s.All() {
		go func(c *Child) {
			c.Wait()
			handler.ChildExited(c.Pid())
		}(c)
	}
}

// Reap identifies which child a WatchExits goroutine just finished
// waiting on (by pid) and reports whether the supervisor recognizes it.
// It performs no wait itself.
func (s *Supervisor) Reap(pid int) (Role, uint32, bool) {
	for k, c := range s.children {
		if c.Pid() == pid {
			return k.role, k.instance, true
		}
	}
	return 0, 0, false
}

// DropPrivileges switches the calling (child) process to the given numeric
// uid and gid, the Go equivalent of relayd.c's privsep_chroot: Setgid
// before Setuid so the process never runs with an elevated gid only. A
// zero uid or gid leaves that id unchanged. It resolves no account name,
// and no role's startup path calls it.
func DropPrivileges(uid, gid int) error {
	if gid != 0 {
		if err := syscall.Setgid(gid); err != nil {
			return fmt.Errorf("privsep: setgid: %w", err)
		}
	}
	if uid != 0 {
		if err := syscall.Setuid(uid); err != nil {
			return fmt.Errorf("privsep: setuid: %w", err)
		}
	}
	return nil
}

// ChildRole reads RELAYD_EXEC_ROLE/RELAYD_EXEC_INSTANCE from the
// environment, returning ok=false if this process was not re-exec'd as a
// specific role (i.e. it is the original parent invocation).
func ChildRole() (role Role, instance uint32, ok bool) {
	roleStr := os.Getenv(EnvRole)
	if roleStr == "" {
		return 0, 0, false
	}
	r, err := ParseRole(roleStr)
	if err != nil {
		return 0, 0, false
	}
	var inst uint32
	fmt.Sscanf(os.Getenv(EnvInstance), "%d", &inst)
	return r, inst, true
}

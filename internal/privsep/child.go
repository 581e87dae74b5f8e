// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package privsep

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"v.io/v23/verror"
	"v.io/x/lib/vlog"

	"github.com/halfbit/relayd/internal/ipc"
)

const pkgPath = "github.com/halfbit/relayd/internal/privsep"

var (
	ErrNoSuchProcess = verror.Register(pkgPath+".ErrNoSuchProcess", verror.NoRetry, "{1:}{2:} no such process{:_}")
	ErrStartFailed   = verror.Register(pkgPath+".ErrStartFailed", verror.NoRetry, "{1:}{2:} failed to start child{:_}")
)

// Child is the parent's handle on one re-exec'd child process: the
// role/instance it was told to become, the channel joining it to the
// parent, and the exec.Cmd used to fork/wait/signal it. This generalizes
// ParentHandle to a fixed role table connected by socketpairs instead of
// a single child connected by pipes.
type Child struct {
	Role     Role
	Instance uint32

	cmd     *exec.Cmd
	channel *ipc.Channel

	waitLock sync.Mutex
	waitDone bool
	waitErr  error
}

// startChild re-execs the running binary as role/instance, handing it one
// end of a freshly created socketpair as its well-known extra file (fd 3
// in the child, exposed there via the RELAYD_EXEC_ROLE/INSTANCE
// environment variables so it knows what to make of it). The parent keeps
// the other end wrapped in an ipc.Channel.
//
// If peerFD is non-nil it is passed as a second extra file (fd 4) and
// RELAYD_EXEC_PEER_FD is set to its number, the mechanism by which a
// relay and its paired ca instance each receive one end of their
// dedicated channel at fork time rather than having it handed to them
// later over the parent channel.
func startChild(role Role, instance uint32, peerFD *os.File, extraArgs ...string) (*Child, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("privsep: socketpair: %w", err)
	}
	parentFD, childFD := fds[0], fds[1]

	childFile := os.NewFile(uintptr(childFD), fmt.Sprintf("%s[%d]", role, instance))
	defer childFile.Close()

	exe, err := os.Executable()
	if err != nil {
		unix.Close(parentFD)
		unix.Close(childFD)
		return nil, fmt.Errorf("privsep: resolve executable: %w", err)
	}

	cmd := exec.Command(exe, extraArgs...)
	env := append(filterExecEnv(os.Environ()),
		EnvRole+"="+role.String(),
		EnvInstance+"="+strconv.Itoa(int(instance)),
	)
	cmd.ExtraFiles = []*os.File{childFile}
	if peerFD != nil {
		cmd.ExtraFiles = append(cmd.ExtraFiles, peerFD)
		env = append(env, EnvPeerFD+"=4")
	}
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		unix.Close(parentFD)
		return nil, verror.New(ErrStartFailed, nil, err)
	}

	parentFile := os.NewFile(uintptr(parentFD), fmt.Sprintf("%s[%d]-parent", role, instance))
	conn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("privsep: FileConn: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		cmd.Process.Kill()
		return nil, fmt.Errorf("privsep: unexpected conn type %T", conn)
	}

	vlog.VI(1).Infof("privsep: started %s[%d] pid %d", role, instance, cmd.Process.Pid)
	return &Child{
		Role:     role,
		Instance: instance,
		cmd:      cmd,
		channel:  ipc.NewChannel(uc),
	}, nil
}

// filterExecEnv strips any pre-existing RELAYD_EXEC_ROLE and
// RELAYD_EXEC_INSTANCE so a re-exec chain never inherits a stale role from
// its own parent (RELAYD_EXEC_PEER_FD and RELAYD_EXEC_PREFORK pass through
// unchanged), mirroring the
// teacher's guard against consts.ExecVersionVariable leaking across a
// nested exec.
func filterExecEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		if hasEnvPrefix(e, EnvRole) || hasEnvPrefix(e, EnvInstance) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func hasEnvPrefix(entry, name string) bool {
	return len(entry) > len(name) && entry[:len(name)+1] == name+"="
}

// Channel returns the parent's end of the socketpair joining it to this
// child.
func (c *Child) Channel() *ipc.Channel { return c.channel }

// Pid returns the child's process id, or 0 if it was never started.
func (c *Child) Pid() int {
	if c.cmd.Process != nil {
		return c.cmd.Process.Pid
	}
	return 0
}

// Signal delivers sig to the child.
func (c *Child) Signal(sig syscall.Signal) error {
	if c.cmd.Process == nil {
		return verror.New(ErrNoSuchProcess, nil)
	}
	return c.cmd.Process.Signal(sig)
}

// Kill terminates the child immediately.
func (c *Child) Kill() error {
	if c.cmd.Process == nil {
		return verror.New(ErrNoSuchProcess, nil)
	}
	return c.cmd.Process.Kill()
}

// Wait blocks until the child exits. Safe to call more than once or
// concurrently; the underlying os.Process.Wait only ever runs once.
func (c *Child) Wait() error {
	c.waitLock.Lock()
	defer c.waitLock.Unlock()
	if c.waitDone {
		return c.waitErr
	}
	_, c.waitErr = c.cmd.Process.Wait()
	c.waitDone = true
	return c.waitErr
}

// Exists reports whether the child process can still be signaled.
func (c *Child) Exists() bool {
	if c.cmd.Process == nil {
		return false
	}
	return c.cmd.Process.Signal(syscall.Signal(0)) == nil
}

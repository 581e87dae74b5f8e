// Copyright 2026 The Relayd Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"v.io/x/lib/vlog"

	"github.com/halfbit/relayd/internal/config"
	"github.com/halfbit/relayd/internal/ipc"
	"github.com/halfbit/relayd/internal/privsep"
)

// envDaemonized marks a re-exec'd copy of the parent that has already
// detached from its controlling terminal, so daemonize is idempotent
// across the self-exec it performs.
const envDaemonized = "RELAYD_DAEMONIZED"

// runParent is the original (non-re-exec'd) invocation: it parses the
// configuration, forks the fixed process set, distributes the first
// configuration round, and then lives in the signal loop until asked to
// shut down. It is the Go analogue of relayd.c's main()/parent_configure.
func runParent() error {
	env, err := config.Load(flagConfigFile, flagMacros)
	if flagParseOnly {
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "relayd: configuration OK\n")
		return nil
	}
	if err != nil {
		return err
	}

	if !flagForeground {
		if err := daemonize(); err != nil {
			return fmt.Errorf("relayd: daemonize: %w", err)
		}
	}
	if flagPidFile != "" {
		if err := writePidFile(flagPidFile); err != nil {
			return err
		}
		defer os.Remove(flagPidFile)
	}

	instances := uint32(env.Relays.Len())
	if instances == 0 {
		instances = 1
	}
	os.Setenv(privsep.EnvPrefork, strconv.Itoa(int(instances)))
	sup := &privsep.Supervisor{Prefork: instances}
	if err := sup.Init(); err != nil {
		return fmt.Errorf("relayd: %w", err)
	}

	d := &daemonState{sup: sup, shutdown: make(chan struct{})}
	d.watchChildren()
	if err := d.configure(env); err != nil {
		sup.Shutdown()
		return fmt.Errorf("relayd: initial configuration round: %w", err)
	}

	ctl, err := controlSocket(flagSocketPath, d)
	if err != nil {
		sup.Shutdown()
		return err
	}
	defer ctl.Close()

	vlog.Infof("relayd: running with %d relay instance(s), pid %d", instances, os.Getpid())
	privsep.WatchSignals(d, d.shutdown)
	return nil
}

// daemonState implements privsep.SignalHandler for the parent process: it
// owns the live Supervisor and the in-flight ReloadCounter, serializing
// every reload/shutdown decision behind one mutex the way relayd.c's
// single-threaded event loop serializes them implicitly.
type daemonState struct {
	sup *privsep.Supervisor

	mu       sync.Mutex
	counter  *config.ReloadCounter
	draining bool

	shutdown chan struct{}
}

// configure loads a fresh round's worth of CFG_* messages into the process
// set. The ReloadCounter gating this round is installed before a single
// CFG_* message goes out, since readAcks runs concurrently and a child can
// reply to the final CFG_DONE broadcast before Distribute returns.
func (d *daemonState) configure(env *config.Env) error {
	n := uint32(len(d.sup.Children(privsep.Relay)))
	counter := config.NewReloadCounter(n)
	d.mu.Lock()
	d.counter = counter
	d.mu.Unlock()

	if err := env.Distribute(d.sup); err != nil {
		return err
	}
	env.ScrubKeys()
	return nil
}

// watchChildren starts the process set's two lifetime-long background
// loops: Supervisor.WatchExits (one reaper goroutine per child) and one
// CFG_DONE ack reader per child. Both run for as long as the daemon does —
// the process set is fixed at startup, and a reload round reuses the same
// channels rather than forking anew.
func (d *daemonState) watchChildren() {
	d.sup.WatchExits(d)
	for _, c := range d.sup.All() {
		go d.readAcks(c)
	}
}

// readAcks drains one child's parent-channel for the life of the daemon.
// Every CFG_DONE it sees is routed into the in-flight ReloadCounter; every
// other message type is ignored here (status/control traffic a given role
// sends belongs to its own handling, not the parent's).
func (d *daemonState) readAcks(c *privsep.Child) {
	ch := c.Channel()
	for {
		msg, err := nextMessage(ch)
		if err != nil {
			return
		}
		if msg.Header.Type == ipc.CfgDone {
			d.ackReload()
		}
	}
}

// ackReload records one CFG_DONE against the active ReloadCounter and, the
// instant it reaches zero, broadcasts CTL_START to the whole process set —
// the Go analogue of parent_configure's "all children replied" transition
// to PROC_UP in relayd.c.
func (d *daemonState) ackReload() {
	d.mu.Lock()
	counter := d.counter
	d.mu.Unlock()
	if counter == nil {
		return
	}
	if counter.Ack() {
		if err := d.sup.Broadcast(ipc.CtlStart, nil); err != nil {
			vlog.Infof("relayd: broadcasting CTL_START: %v", err)
		}
	}
}

// ReloadRequested handles SIGHUP: reload the configuration file and push a
// new round, unless one is already in flight, mirroring parent_reload's
// "reload already in progress" guard.
func (d *daemonState) ReloadRequested() {
	d.mu.Lock()
	if d.counter != nil && d.counter.InProgress() {
		d.mu.Unlock()
		vlog.Infof("relayd: reload requested while a previous round is still in progress, ignoring")
		return
	}
	d.mu.Unlock()

	env, err := config.Load(flagConfigFile, flagMacros)
	if err != nil {
		vlog.Infof("relayd: reload: %v, keeping previous configuration", err)
		return
	}
	if err := d.configure(env); err != nil {
		vlog.Infof("relayd: reload: %v", err)
	}
}

// ShutdownRequested handles SIGTERM/SIGINT: drain every child and unblock
// the signal loop in runParent.
func (d *daemonState) ShutdownRequested() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	d.mu.Unlock()

	vlog.Infof("relayd: shutting down")
	d.sup.Shutdown()
	close(d.shutdown)
}

// ChildExited handles one child reaped by a WatchExits goroutine. A key
// custodian dying is fail-stop for the whole daemon per spec.md §9 (there
// is no way to recover the private key material it held); any other
// role's unexpected exit is treated the same way, since relayd.c has no
// live-respawn path either.
func (d *daemonState) ChildExited(pid int) {
	role, instance, ok := d.sup.Reap(pid)
	if !ok {
		return
	}
	d.mu.Lock()
	alreadyDraining := d.draining
	d.mu.Unlock()
	if alreadyDraining {
		return
	}
	vlog.Infof("relayd: %s[%d] (pid %d) exited unexpectedly, shutting down", role, instance, pid)
	d.ShutdownRequested()
}

// daemonize detaches the process from its controlling terminal by
// re-exec'ing itself in a new session with its standard streams
// redirected to /dev/null, then exits the original invocation — the Go
// equivalent of relayd.c's daemon(3) call, built on the same
// os/exec-based re-exec this binary already uses for every child role.
func daemonize() error {
	if os.Getenv(envDaemonized) != "" {
		return nil
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devnull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envDaemonized+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	os.Exit(0)
	return nil
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

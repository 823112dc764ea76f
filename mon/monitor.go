// Package mon implements the Monitoring Primitive (spec §4.B): a
// per-process liveness token that the kernel itself releases on process
// death, so an observer in any other process can answer "is the owner of
// this token still alive" without that owner ever having to heartbeat.
//
// The token is a regular file (named through ncr) held open with an
// exclusive advisory flock by its owner for as long as the owner process
// runs. The kernel drops the flock the moment the owning process exits,
// crashes, or is killed - there is no cooperative shutdown step required
// for correctness, only for promptness of artifact removal.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package mon

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/zerocopy-ipc/shmipc/cmn/cos"
	"github.com/zerocopy-ipc/shmipc/ncr"
)

type State int

const (
	Alive State = iota
	Dead
	DoesNotExist
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	case DoesNotExist:
		return "does-not-exist"
	default:
		return "unknown"
	}
}

// Token is the owning side: created once by the process whose liveness is
// being published, held for that process's whole lifetime.
type Token struct {
	f    *os.File
	name string
	cfg  ncr.Config
}

// Create publishes a new liveness token under name and takes its
// exclusive lock. The lock is held until Close (normal exit) or, on
// crash/kill, until the kernel closes the descriptor for us.
//
// The artifact is created and locked under a private temporary name
// first, then published under name with a no-replace rename. That keeps
// creation and lock acquisition atomic from any observer's point of
// view: name never exists in an unlocked state, so a Monitor racing
// Create can only ever see DoesNotExist or Alive, never a spuriously
// Dead token for one that is still InInitialization (spec §4.B).
func Create(name string, cfg ncr.Config) (*Token, error) {
	tmpName := name + ".init." + cos.GenTie()
	f, err := ncr.Create(tmpName, cfg)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		ncr.Remove(tmpName, cfg)
		return nil, cos.NewErrInternal("mon.Create.Flock", err)
	}

	tmpPath, path := ncr.Resolve(tmpName, cfg), ncr.Resolve(name, cfg)
	if err := unix.Renameat2(unix.AT_FDCWD, tmpPath, unix.AT_FDCWD, path, unix.RENAME_NOREPLACE); err != nil {
		f.Close()
		ncr.Remove(tmpName, cfg)
		if err == unix.EEXIST {
			return nil, cos.NewErrAlreadyExists("%s", path)
		}
		return nil, cos.NewErrInternal("mon.Create.Rename", err)
	}
	return &Token{f: f, name: name, cfg: cfg}, nil
}

// Close releases the token's lock and closes its descriptor. It does NOT
// remove the artifact: removal is a separate, explicit step (spec §4.A's
// create/open/remove split) usually performed by whoever later observes
// Dead and runs cleanup.
func (t *Token) Close() error {
	return t.f.Close()
}

// Remove unlinks the token's backing artifact. Safe to call after Close,
// and safe to call from a process other than the owner once the owner is
// known Dead.
func (t *Token) Remove() (bool, error) {
	return ncr.Remove(t.name, t.cfg)
}

// Monitor is the observing side: any process can open a Monitor on a
// token name to query the owner's liveness without participating in
// ownership itself.
type Monitor struct {
	f    *os.File
	name string
	cfg  ncr.Config

	mu   sync.Mutex
	dead bool // sticky: once Dead is observed, State keeps returning Dead
}

// Open attaches a Monitor to an existing (or not-yet-existing) token
// name. It does not fail if the artifact is currently absent - that is a
// valid, observable state (DoesNotExist), not an error, since the owner
// may simply not have started yet.
func Open(name string, cfg ncr.Config) *Monitor {
	return &Monitor{name: name, cfg: cfg}
}

// State reports the owner's liveness. DoesNotExist is re-probed on every
// call, so a token created later is observed as Alive. Once Dead has been
// observed, it is sticky: a monitor never flips back to Alive for the
// same name without an intervening Reset, because the spec treats a dead
// token as requiring explicit cleanup (Remove) before the name can mean
// anything new (spec §4.B: "Dead is sticky until the artifact is
// removed").
func (m *Monitor) State() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dead {
		return Dead, nil
	}

	if m.f == nil {
		f, err := ncr.Open(m.name, m.cfg)
		switch {
		case err == nil:
			m.f = f
		case cos.IsErrDoesNotExist(err):
			return DoesNotExist, nil
		default:
			return 0, err
		}
	}

	err := unix.Flock(int(m.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	switch {
	case err == nil:
		// We just acquired the lock: nobody held it, so the owner is
		// gone. Release immediately - a Monitor never holds the lock
		// itself, it only probes it.
		unix.Flock(int(m.f.Fd()), unix.LOCK_UN)
		m.dead = true
		return Dead, nil
	case err == unix.EWOULDBLOCK:
		return Alive, nil
	case cos.IsErrSyscallInterrupt(err):
		return 0, &cos.ErrInterrupt{Op: "mon.State"}
	default:
		return 0, cos.NewErrInternal("mon.State.Flock", err)
	}
}

// Reset clears sticky Dead state and closes any held descriptor, so a
// subsequent State() re-probes the artifact from scratch. Used after the
// caller itself has recreated a token under a name that a stale Monitor
// previously observed as Dead.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f != nil {
		m.f.Close()
		m.f = nil
	}
	m.dead = false
}

// Close releases resources held by the Monitor itself (its probing file
// descriptor, if opened). It never touches the owner's token artifact.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.f == nil {
		return nil
	}
	err := m.f.Close()
	m.f = nil
	return err
}

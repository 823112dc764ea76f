// Package cos provides common low-level types and utilities shared by every
// package in this repository: typed error kinds, id generation, and small
// OS/string helpers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"os"
	"sync"
	ratomic "sync/atomic"
	"syscall"

	"github.com/zerocopy-ipc/shmipc/cmn/nlog"
	pkgerrors "github.com/pkg/errors"
)

// Error kinds (spec §7). Each is a distinct exported type implementing
// error, with an Is* predicate, so callers can errors.As() out structured
// fields (e.g. which static-config field mismatched) instead of parsing a
// string.
type (
	// ErrPermission: the OS refused access to a named artifact.
	ErrPermission struct {
		Op, Path string
		Cause    error
	}
	// ErrDoesNotExist: a named artifact was opened/removed but does not exist.
	ErrDoesNotExist struct {
		What string
	}
	// ErrAlreadyExists: create() raced another creator and lost.
	ErrAlreadyExists struct {
		What string
	}
	// ErrIncompatibleServiceConfig: static-config byte mismatch on open.
	ErrIncompatibleServiceConfig struct {
		Fields []string
	}
	// ErrExceedsMax: a fixed-capacity table/pool is full.
	ErrExceedsMax struct {
		Kind string // "Nodes" | "Publishers" | "Subscribers" | "Clients" | "Servers" | "LoanedSamples" | "Ports"
		Cap  int
	}
	// ErrInterrupt: a blocking syscall was interrupted by a signal; retryable.
	ErrInterrupt struct {
		Op string
	}
	// ErrOutOfSharedMemory: a slot pool or dynamic-config arena is exhausted.
	ErrOutOfSharedMemory struct {
		What string
	}
	// ErrCorrupted: an invariant violation was detected; terminal for the
	// affected service instance in this process only (spec §7).
	ErrCorrupted struct {
		What string
	}
	// ErrInternal: unspecified OS/runtime failure.
	ErrInternal struct {
		Op    string
		Cause error
	}
)

func (e *ErrPermission) Error() string {
	return fmt.Sprintf("%s %s: permission denied: %v", e.Op, e.Path, e.Cause)
}
func (e *ErrPermission) Unwrap() error { return e.Cause }

func (e *ErrDoesNotExist) Error() string { return e.What + " does not exist" }

func (e *ErrAlreadyExists) Error() string { return e.What + " already exists" }

func (e *ErrIncompatibleServiceConfig) Error() string {
	return fmt.Sprintf("incompatible service config: mismatching field(s): %v", e.Fields)
}

func (e *ErrExceedsMax) Error() string {
	return fmt.Sprintf("exceeds max supported %s (capacity %d)", e.Kind, e.Cap)
}

func (e *ErrInterrupt) Error() string { return e.Op + ": interrupted by signal" }

func (e *ErrOutOfSharedMemory) Error() string { return "out of shared memory: " + e.What }

func (e *ErrCorrupted) Error() string { return "corrupted: " + e.What }

func (e *ErrInternal) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error in %s: %v", e.Op, e.Cause)
	}
	return "internal error in " + e.Op
}
func (e *ErrInternal) Unwrap() error { return e.Cause }

// constructors

func NewErrDoesNotExist(format string, a ...any) *ErrDoesNotExist {
	return &ErrDoesNotExist{fmt.Sprintf(format, a...)}
}
func NewErrAlreadyExists(format string, a ...any) *ErrAlreadyExists {
	return &ErrAlreadyExists{fmt.Sprintf(format, a...)}
}
func NewErrExceedsMax(kind string, cap int) *ErrExceedsMax {
	return &ErrExceedsMax{Kind: kind, Cap: cap}
}
func NewErrInternal(op string, cause error) *ErrInternal {
	return &ErrInternal{Op: op, Cause: pkgerrors.Wrap(cause, op)}
}

// Is* predicates

func IsErrDoesNotExist(err error) bool {
	var e *ErrDoesNotExist
	return errors.As(err, &e)
}
func IsErrAlreadyExists(err error) bool {
	var e *ErrAlreadyExists
	return errors.As(err, &e)
}
func IsErrIncompatibleServiceConfig(err error) bool {
	var e *ErrIncompatibleServiceConfig
	return errors.As(err, &e)
}
func IsErrExceedsMax(err error) bool {
	var e *ErrExceedsMax
	return errors.As(err, &e)
}
func IsErrInterrupt(err error) bool {
	var e *ErrInterrupt
	return errors.As(err, &e)
}
func IsErrOutOfSharedMemory(err error) bool {
	var e *ErrOutOfSharedMemory
	return errors.As(err, &e)
}
func IsErrCorrupted(err error) bool {
	var e *ErrCorrupted
	return errors.As(err, &e)
}

// Errs is a bounded multi-error accumulator, ported from the teacher's
// cmn/cos/err.go: used by remove_stale_resources (node package) to collect
// per-service cleanup failures without aborting the whole sweep.
type Errs struct {
	errs []error
	cnt  int64
	mu   sync.Mutex
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			e.mu.Unlock()
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
	e.mu.Unlock()
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

func (e *Errs) JoinErr() (cnt int, err error) {
	if cnt = e.Cnt(); cnt > 0 {
		e.mu.Lock()
		err = errors.Join(e.errs...)
		e.mu.Unlock()
	}
	return
}

//
// IS-syscall helpers
//

func UnwrapSyscallErr(err error) error {
	if syscallErr, ok := err.(*os.SyscallError); ok {
		return syscallErr.Unwrap()
	}
	return nil
}

func IsErrSyscallInterrupt(err error) bool {
	return errors.Is(err, syscall.EINTR)
}

//
// Abnormal termination
//

const fatalPrefix = "FATAL ERROR: "

func Exitf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	_exit(msg)
}

func ExitLogf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	nlog.Errorf("%s", msg)
	_exit(msg)
}

func _exit(msg string) {
	os.Stderr.WriteString(msg + "\n")
	os.Exit(1)
}

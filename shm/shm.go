// Package shm wraps POSIX shared-memory segments: a named, file-backed
// MAP_SHARED mapping that two unrelated processes can attach to by path,
// the storage primitive underlying the Dynamic Config Arena (spec §4.D)
// and the Sample Slot Pool (spec §4.E). It is this repository's single
// reference implementation of the "ipc-shared" storage variant named in
// spec §9's polymorphism note; a "process-local" variant would satisfy the
// same capability set with a plain heap-allocated []byte and is not
// implemented here because nothing in this package set requires it.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/zerocopy-ipc/shmipc/cmn/cos"
)

// Segment is a memory-mapped shared-memory region backed by a regular
// file so that mmap(MAP_SHARED) gives every attaching process the same
// physical pages. Size is fixed at creation; this repository never grows
// a segment (spec §4.D: "the arena is never grown").
type Segment struct {
	path string
	file *os.File
	data []byte
}

// Create creates a new segment of exactly size bytes at path. Fails with
// *cos.ErrAlreadyExists if path is already present, per the Named-Concept
// Registry's create/open split (spec §4.A).
func Create(path string, size int) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, cos.NewErrAlreadyExists(path)
		}
		return nil, cos.NewErrInternal("shm.Create", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, cos.NewErrInternal("shm.Create.Truncate", err)
	}
	seg, err := mapFile(f, size, path)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return seg, nil
}

// Open attaches to an existing segment created by (possibly) another
// process. size must match what the creator passed to Create; callers
// learn it from the service's static config (spec §4.C) before calling.
func Open(path string, size int) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cos.NewErrDoesNotExist(path)
		}
		return nil, cos.NewErrInternal("shm.Open", err)
	}
	return mapFile(f, size, path)
}

// OpenReadOnly attaches read-only with a PROT_READ mapping. Nothing in
// this repository calls it: svc.OpenStaticConfig reads the Static Config
// Blob with os.ReadFile instead.
func OpenReadOnly(path string, size int) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0o444)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cos.NewErrDoesNotExist(path)
		}
		return nil, cos.NewErrInternal("shm.OpenReadOnly", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, cos.NewErrInternal("shm.OpenReadOnly.Mmap", err)
	}
	return &Segment{path: path, file: f, data: data}, nil
}

func mapFile(f *os.File, size int, path string) (*Segment, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, cos.NewErrInternal("shm.mapFile.Mmap", err)
	}
	return &Segment{path: path, file: f, data: data}, nil
}

// Bytes returns the mapped region. Valid until Close.
func (s *Segment) Bytes() []byte { return s.data }

func (s *Segment) Path() string { return s.path }

// Close unmaps and closes the file descriptor without removing the
// backing file - other attached processes are unaffected.
func (s *Segment) Close() error {
	var err error
	if s.data != nil {
		if e := unix.Munmap(s.data); e != nil {
			err = fmt.Errorf("munmap %s: %w", s.path, e)
		}
		s.data = nil
	}
	if s.file != nil {
		if e := s.file.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Unlink removes the backing file. Safe to call from any process;
// already-attached mappings remain valid until their own Close (spec
// §5's crash-safety note: "slots ... leak in that publisher's pool only
// and are reclaimed when the publisher's segment is unlinked").
func (s *Segment) Unlink() error {
	return cos.RemoveFile(s.path)
}

// Package pool implements the Sample Slot Pool (spec §4.E): a bounded,
// MPMC, lock-free stack of fixed-size payload slots backed by shared
// memory, so a publisher can loan a slot, write into it with zero
// copies, and hand a reference to every subscriber without either side
// ever calling into the allocator on the hot path.
//
// Slots are returned to the pool by refcount, not by the original loaner
// explicitly freeing them: the last holder to drop its reference is the
// one that actually pushes the slot back onto the free list, which is
// what lets a subscriber in another process release a slot a now-dead
// publisher loaned (spec §5: "a slot outlives the publisher that loaned
// it for as long as any subscriber still holds a reference to it").
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package pool

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/zerocopy-ipc/shmipc/cmn/cos"
	"github.com/zerocopy-ipc/shmipc/cmn/debug"
	"github.com/zerocopy-ipc/shmipc/shm"
)

const (
	poolMagic   = 0x53484d50 // "SHMP"
	poolVersion = 1

	poolHeaderSize = 32 // magic,version,capacity,payloadSize u32 x4 + free head u64 x2(tag,pad)... see layout below
	slotHeaderSize = 32

	freeListSentinel uint32 = 0xFFFFFFFF
)

// Slot identifies one payload slot by index. It carries no generation
// counter of its own: the pool's ABA protection lives in the free-list
// head's tag, not in per-slot handles, because (unlike svc.PortHandle)
// a Slot is only ever held by whoever currently has a live reference -
// there is no "stale handle" to guard against once the refcount model
// is the sole arbiter of validity.
type Slot struct {
	Index uint32
}

// Pool is a fixed-capacity arena of equally sized payload slots.
type Pool struct {
	seg          *shm.Segment
	capacity     uint32
	payloadSize  uint32
	payloadAlign uint32
	stride       uint32 // slotHeaderSize + padded payload region
}

func alignUp(n, align uint32) uint32 {
	if align == 0 {
		align = 1
	}
	return (n + align - 1) / align * align
}

func stride(payloadSize, payloadAlign uint32) uint32 {
	region := alignUp(payloadSize, 8)
	if payloadAlign > 8 {
		region = alignUp(payloadSize, payloadAlign)
	}
	return slotHeaderSize + region
}

// Size returns the byte size a pool with this shape requires.
func Size(capacity, payloadSize, payloadAlign uint32) int64 {
	return int64(poolHeaderSize) + int64(capacity)*int64(stride(payloadSize, payloadAlign))
}

func Create(path string, capacity, payloadSize, payloadAlign uint32) (*Pool, error) {
	seg, err := shm.Create(path, int(Size(capacity, payloadSize, payloadAlign)))
	if err != nil {
		return nil, err
	}
	p := &Pool{seg: seg, capacity: capacity, payloadSize: payloadSize, payloadAlign: payloadAlign,
		stride: stride(payloadSize, payloadAlign)}
	p.initHeader()
	p.initFreeList()
	return p, nil
}

func Open(path string, capacity, payloadSize, payloadAlign uint32) (*Pool, error) {
	seg, err := shm.Open(path, int(Size(capacity, payloadSize, payloadAlign)))
	if err != nil {
		return nil, err
	}
	p := &Pool{seg: seg, capacity: capacity, payloadSize: payloadSize, payloadAlign: payloadAlign,
		stride: stride(payloadSize, payloadAlign)}
	if err := p.verifyHeader(); err != nil {
		seg.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pool) Close() error  { return p.seg.Close() }
func (p *Pool) Unlink() error { return p.seg.Unlink() }

func (p *Pool) data() []byte { return p.seg.Bytes() }

func (p *Pool) initHeader() {
	data := p.data()
	binary.LittleEndian.PutUint32(data[0:4], poolMagic)
	binary.LittleEndian.PutUint32(data[4:8], poolVersion)
	binary.LittleEndian.PutUint32(data[8:12], p.capacity)
	binary.LittleEndian.PutUint32(data[12:16], p.payloadSize)
}

func (p *Pool) verifyHeader() error {
	data := p.data()
	if binary.LittleEndian.Uint32(data[0:4]) != poolMagic {
		return &cos.ErrCorrupted{What: "sample pool: bad magic"}
	}
	if binary.LittleEndian.Uint32(data[4:8]) != poolVersion {
		return &cos.ErrCorrupted{What: "sample pool: version mismatch"}
	}
	if binary.LittleEndian.Uint32(data[8:12]) != p.capacity {
		return &cos.ErrIncompatibleServiceConfig{Fields: []string{"pool_capacity"}}
	}
	if binary.LittleEndian.Uint32(data[12:16]) != p.payloadSize {
		return &cos.ErrIncompatibleServiceConfig{Fields: []string{"payload_size"}}
	}
	return nil
}

func (p *Pool) freeHeadPtr() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&p.data()[16]))
}

func (p *Pool) slotOffset(idx uint32) int {
	return poolHeaderSize + int(idx)*int(p.stride)
}

// slot header layout, relative to slotOffset(idx):
//
//	+0  Next     uint32  free-list link
//	+4  Refcount uint32  atomic
//	+8  PubIdHi  uint64
//	+16 PubIdLo  uint64
//	+24 Seq      uint64
//	+32 payload...
func (p *Pool) nextPtr(idx uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&p.data()[p.slotOffset(idx)]))
}
func (p *Pool) refcountPtr(idx uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&p.data()[p.slotOffset(idx)+4]))
}

func (p *Pool) initFreeList() {
	for i := uint32(0); i < p.capacity; i++ {
		next := i + 1
		if i == p.capacity-1 {
			next = freeListSentinel
		}
		p.nextPtr(i).Store(next)
		p.refcountPtr(i).Store(0)
	}
	head := freeListSentinel
	if p.capacity > 0 {
		head = 0
	}
	p.freeHeadPtr().Store(packHead(0, head))
}

func packHead(tag, idx uint32) uint64      { return uint64(tag)<<32 | uint64(idx) }
func unpackHead(v uint64) (tag, idx uint32) { return uint32(v >> 32), uint32(v) }

// Loan pops a free slot off the stack and sets its refcount to 1,
// representing the loaning publisher's own reference. Returns
// *cos.ErrOutOfSharedMemory if the pool is exhausted (spec §4.E: "loan
// fails cleanly rather than blocking when no slot is free").
func (p *Pool) Loan() (Slot, error) {
	headPtr := p.freeHeadPtr()
	for {
		head := headPtr.Load()
		tag, idx := unpackHead(head)
		if idx == freeListSentinel {
			return Slot{}, &cos.ErrOutOfSharedMemory{What: "sample slot pool exhausted"}
		}
		next := p.nextPtr(idx).Load()
		newHead := packHead(tag+1, next)
		if headPtr.CompareAndSwap(head, newHead) {
			p.refcountPtr(idx).Store(1)
			return Slot{Index: idx}, nil
		}
	}
}

// Acquire adds one reference to an already-loaned slot, for a publisher
// handing the same sample to an additional subscriber.
func (p *Pool) Acquire(s Slot) {
	rc := p.refcountPtr(s.Index)
	for {
		cur := rc.Load()
		debug.Assert(cur > 0, "pool: Acquire on a slot with zero refcount")
		if rc.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

// Release drops one reference. The last holder to reach zero pushes the
// slot back onto the free list - this may run in a process other than
// the one that called Loan.
func (p *Pool) Release(s Slot) {
	rc := p.refcountPtr(s.Index)
	for {
		cur := rc.Load()
		debug.Assert(cur > 0, "pool: Release on a slot with zero refcount (double free)")
		if rc.CompareAndSwap(cur, cur-1) {
			if cur-1 == 0 {
				p.pushFree(s.Index)
			}
			return
		}
	}
}

func (p *Pool) pushFree(idx uint32) {
	headPtr := p.freeHeadPtr()
	for {
		head := headPtr.Load()
		tag, headIdx := unpackHead(head)
		p.nextPtr(idx).Store(headIdx)
		newHead := packHead(tag+1, idx)
		if headPtr.CompareAndSwap(head, newHead) {
			return
		}
	}
}

// Payload returns the zero-copy byte slice backing s. Valid as long as
// the caller holds a reference obtained from Loan or Acquire.
func (p *Pool) Payload(s Slot) []byte {
	off := p.slotOffset(s.Index) + slotHeaderSize
	return p.data()[off : off+int(p.payloadSize)]
}

// SetOrigin stamps the publisher identity and sequence number a slot was
// loaned under, read back by subscribers for duplicate/ordering checks
// (spec §4.F: "each delivered element is tagged with its publisher's
// identity and a monotonically increasing sequence number").
func (p *Pool) SetOrigin(s Slot, publisherIdHi, publisherIdLo, seq uint64) {
	off := p.slotOffset(s.Index)
	data := p.data()
	binary.LittleEndian.PutUint64(data[off+8:off+16], publisherIdHi)
	binary.LittleEndian.PutUint64(data[off+16:off+24], publisherIdLo)
	binary.LittleEndian.PutUint64(data[off+24:off+32], seq)
}

func (p *Pool) Origin(s Slot) (publisherIdHi, publisherIdLo, seq uint64) {
	off := p.slotOffset(s.Index)
	data := p.data()
	return binary.LittleEndian.Uint64(data[off+8 : off+16]),
		binary.LittleEndian.Uint64(data[off+16 : off+24]),
		binary.LittleEndian.Uint64(data[off+24 : off+32])
}

// Refcount exposes the current reference count for diagnostics and
// tests; never used as a basis for a hot-path decision since it can
// change the instant after being read.
func (p *Pool) Refcount(s Slot) uint32 { return p.refcountPtr(s.Index).Load() }

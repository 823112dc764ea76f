// Package psq implements the Publish-Subscribe Channel (spec §4.F): a
// bounded single-producer/single-consumer queue of (slot index,
// sequence) pairs between exactly one publisher and one subscriber, plus
// a parallel history ring used to replay recent samples to a subscriber
// that attaches after they were published.
//
// The channel never carries payload bytes itself - only coordinates for
// the Sample Slot Pool (spec §4.E). Moving a slot index through the
// channel is the hand-off of ownership from publisher to subscriber;
// the subscriber is responsible for calling pool.Release once done.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package psq

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/zerocopy-ipc/shmipc/cmn/cos"
	"github.com/zerocopy-ipc/shmipc/shm"
	"github.com/zerocopy-ipc/shmipc/svc"
)

type OverflowPolicy = svc.OverflowPolicy

const (
	DropOldest = svc.DropOldest
	Reject     = svc.Reject
	Block      = svc.Block
)

// Entry is one queued hand-off: which pool slot, and the publisher's
// monotonically increasing sequence number for it.
type Entry struct {
	SlotIndex uint32
	Seq       uint64
}

const (
	chanMagic   = 0x53484d51 // "SHMQ"
	chanVersion = 1

	chanHeaderSize = 48
	entryStride    = 16
)

// Channel is one publisher-subscriber queue.
type Channel struct {
	seg         *shm.Segment
	capacity    uint32
	historySize uint32
	policy      OverflowPolicy
}

func Size(capacity, historySize uint32) int64 {
	return int64(chanHeaderSize) + int64(capacity)*entryStride + int64(historySize)*entryStride
}

// Create allocates a new channel. policy governs what Enqueue does when
// the live ring is full; it never affects the history ring, which always
// overwrites its oldest entry (spec §4.F: "history is a rolling window,
// it has no overflow policy of its own").
func Create(path string, capacity, historySize uint32, policy OverflowPolicy) (*Channel, error) {
	seg, err := shm.Create(path, int(Size(capacity, historySize)))
	if err != nil {
		return nil, err
	}
	c := &Channel{seg: seg, capacity: capacity, historySize: historySize, policy: policy}
	c.initHeader()
	return c, nil
}

func Open(path string, capacity, historySize uint32) (*Channel, error) {
	seg, err := shm.Open(path, int(Size(capacity, historySize)))
	if err != nil {
		return nil, err
	}
	c := &Channel{seg: seg, capacity: capacity, historySize: historySize}
	if err := c.verifyHeader(); err != nil {
		seg.Close()
		return nil, err
	}
	return c, nil
}

func (c *Channel) Close() error  { return c.seg.Close() }
func (c *Channel) Unlink() error { return c.seg.Unlink() }

func (c *Channel) data() []byte { return c.seg.Bytes() }

func (c *Channel) initHeader() {
	data := c.data()
	binary.LittleEndian.PutUint32(data[0:4], chanMagic)
	binary.LittleEndian.PutUint32(data[4:8], chanVersion)
	binary.LittleEndian.PutUint32(data[8:12], c.capacity)
	binary.LittleEndian.PutUint32(data[12:16], c.historySize)
	binary.LittleEndian.PutUint32(data[16:20], uint32(c.policy))
	c.headPtr().Store(0)
	c.tailPtr().Store(0)
	c.histHeadPtr().Store(0)
}

func (c *Channel) verifyHeader() error {
	data := c.data()
	if binary.LittleEndian.Uint32(data[0:4]) != chanMagic {
		return &cos.ErrCorrupted{What: "psq channel: bad magic"}
	}
	if binary.LittleEndian.Uint32(data[4:8]) != chanVersion {
		return &cos.ErrCorrupted{What: "psq channel: version mismatch"}
	}
	if binary.LittleEndian.Uint32(data[8:12]) != c.capacity {
		return &cos.ErrIncompatibleServiceConfig{Fields: []string{"channel_capacity"}}
	}
	if binary.LittleEndian.Uint32(data[12:16]) != c.historySize {
		return &cos.ErrIncompatibleServiceConfig{Fields: []string{"history_size"}}
	}
	c.policy = OverflowPolicy(binary.LittleEndian.Uint32(data[16:20]))
	return nil
}

func (c *Channel) headPtr() *atomic.Uint64     { return (*atomic.Uint64)(unsafe.Pointer(&c.data()[24])) }
func (c *Channel) tailPtr() *atomic.Uint64     { return (*atomic.Uint64)(unsafe.Pointer(&c.data()[32])) }
func (c *Channel) histHeadPtr() *atomic.Uint32 { return (*atomic.Uint32)(unsafe.Pointer(&c.data()[40])) }

// lossCountPtr occupies the four bytes of header padding left after
// histHeadPtr (40:44) - chanHeaderSize was already 48, and this is the
// only field added for the per-subscriber SampleLossCount (spec §4.F:
// "record SampleLossCount++ for this subscriber"), so no wire-format
// version bump is needed.
func (c *Channel) lossCountPtr() *atomic.Uint32 { return (*atomic.Uint32)(unsafe.Pointer(&c.data()[44])) }

func (c *Channel) ringOffset(i uint64, capacity uint32) int {
	return chanHeaderSize + int(i%uint64(capacity))*entryStride
}

func (c *Channel) histOffset(i uint32) int {
	return chanHeaderSize + int(c.capacity)*entryStride + int(i%c.historySize)*entryStride
}

func (c *Channel) writeEntryAt(off int, e Entry) {
	data := c.data()
	binary.LittleEndian.PutUint32(data[off:off+4], e.SlotIndex)
	binary.LittleEndian.PutUint64(data[off+8:off+16], e.Seq)
}

func (c *Channel) readEntryAt(off int) Entry {
	data := c.data()
	return Entry{
		SlotIndex: binary.LittleEndian.Uint32(data[off : off+4]),
		Seq:       binary.LittleEndian.Uint64(data[off+8 : off+16]),
	}
}

// ErrChannelFull is returned by Enqueue under the Reject overflow
// policy when the live ring has no room.
type ErrChannelFull struct{}

func (ErrChannelFull) Error() string { return "publish-subscribe channel full" }

// Enqueue hands e to the subscriber side. Under DropOldest, a full ring
// evicts its oldest unread entry and returns it so the caller (which
// still owns no reference to the new entry's slot, but must drop the
// evicted one) can pool.Release it. Under Reject, a full ring leaves e
// un-enqueued and returns ErrChannelFull; the caller is responsible for
// releasing e's own slot itself. e is always appended to the history
// ring regardless of live-ring pressure, win or lose.
//
// Either way, a full ring counts as a lost sample for this subscriber
// (spec §4.F Scenario 2: draining a DropOldest ring of depth 2 after 4
// sends leaves a loss count of 2) - DropOldest delivers e itself but the
// evicted entry never reaches the subscriber, so the eviction is the
// loss, not the send.
func (c *Channel) Enqueue(e Entry) (evicted *Entry, err error) {
	headPtr, tailPtr := c.headPtr(), c.tailPtr()
	for {
		head := headPtr.Load()
		tail := tailPtr.Load()
		if head-tail < uint64(c.capacity) {
			c.writeEntryAt(c.ringOffset(head, c.capacity), e)
			headPtr.Store(head + 1)
			break
		}
		switch c.policy {
		case Reject:
			c.appendHistory(e)
			c.lossCountPtr().Add(1)
			return nil, ErrChannelFull{}
		case DropOldest:
			old := c.readEntryAt(c.ringOffset(tail, c.capacity))
			if tailPtr.CompareAndSwap(tail, tail+1) {
				c.writeEntryAt(c.ringOffset(head, c.capacity), e)
				headPtr.Store(head + 1)
				c.appendHistory(e)
				c.lossCountPtr().Add(1)
				return &old, nil
			}
			// the subscriber drained one concurrently; recheck.
		default:
			c.appendHistory(e)
			c.lossCountPtr().Add(1)
			return nil, ErrChannelFull{}
		}
	}
	c.appendHistory(e)
	return nil, nil
}

// LossCount reports how many samples this subscriber's channel has lost
// to either a Reject-policy full ring or a DropOldest eviction.
func (c *Channel) LossCount() uint32 { return c.lossCountPtr().Load() }

func (c *Channel) appendHistory(e Entry) {
	if c.historySize == 0 {
		return
	}
	idx := c.histHeadPtr().Add(1) - 1
	c.writeEntryAt(c.histOffset(idx), e)
}

// Dequeue pops the oldest unread entry, if any.
func (c *Channel) Dequeue() (Entry, bool) {
	headPtr, tailPtr := c.headPtr(), c.tailPtr()
	for {
		tail := tailPtr.Load()
		head := headPtr.Load()
		if tail >= head {
			return Entry{}, false
		}
		e := c.readEntryAt(c.ringOffset(tail, c.capacity))
		if tailPtr.CompareAndSwap(tail, tail+1) {
			return e, true
		}
		// producer evicted this slot out from under us (DropOldest); retry.
	}
}

// History returns up to historySize most-recently-published entries,
// oldest first, without consuming them from the live ring - used to
// seed a subscriber that attaches after publication (spec §4.F:
// "late-joining subscribers may request the last N samples").
func (c *Channel) History() []Entry {
	if c.historySize == 0 {
		return nil
	}
	written := c.histHeadPtr().Load()
	n := c.historySize
	if written < n {
		n = written
	}
	out := make([]Entry, 0, n)
	start := written - n
	for i := uint32(0); i < n; i++ {
		out = append(out, c.readEntryAt(c.histOffset(start+i)))
	}
	return out
}

func (c *Channel) Capacity() uint32    { return c.capacity }
func (c *Channel) HistorySize() uint32 { return c.historySize }
func (c *Channel) Policy() OverflowPolicy { return c.policy }

package svc

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/zerocopy-ipc/shmipc/cmn/cos"
	"github.com/zerocopy-ipc/shmipc/shm"
)

// PortKind is one of the four rendezvous roles tracked by a service's
// Dynamic Config Arena. Client/Server are carried through end to end
// even though the request-response pattern itself is out of scope (spec
// Non-goals): the arena's shape should not need to change the day that
// pattern is implemented on top of it.
type PortKind uint8

const (
	KindPublisher PortKind = iota
	KindSubscriber
	KindClient
	KindServer
	numPortKinds
)

func (k PortKind) String() string {
	switch k {
	case KindPublisher:
		return "publisher"
	case KindSubscriber:
		return "subscriber"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// PortHandle identifies one slot in one kind's table. Generation guards
// against ABA: a handle obtained before a slot was freed and reused must
// never be mistaken for the new occupant (spec §4.D: "handles are
// invalidated, never silently reassigned").
type PortHandle struct {
	Kind       PortKind
	Index      uint32
	Generation uint32
}

// PortInfo is what List returns for each currently live port.
type PortInfo struct {
	Handle    PortHandle
	NodeIdHi  uint64
	NodeIdLo  uint64
}

const (
	dynMagic   = 0x53484d44 // "SHMD"
	dynVersion = 1

	// 32-byte fixed header (magic, version, capacity, reserved, ServiceId,
	// epoch) + 4*8-byte tagged free-list heads.
	dynHeaderSize = 64
	dynEntrySize  = 32

	entryFree uint32 = 0
	entryLive uint32 = 1

	freeListSentinel uint32 = 0xFFFFFFFF
)

// DynamicConfig is the shared-memory registry of live ports for one
// service: a fixed-size arena, never grown and never compacted while
// open, with one CAS-based Treiber free list per port kind (spec §4.D).
type DynamicConfig struct {
	seg             *shm.Segment
	serviceId       Id
	capacityPerKind uint32
}

// DynamicConfigSize returns the byte size an arena with capacityPerKind
// slots per port kind requires, for callers that need to pass it to
// ncr/shm before the arena itself is constructed.
func DynamicConfigSize(capacityPerKind uint32) int64 {
	return int64(dynHeaderSize) + int64(numPortKinds)*int64(capacityPerKind)*int64(dynEntrySize)
}

// CreateDynamicConfig allocates and initializes a new arena backed by a
// fresh shared-memory segment at path, stamped with serviceId so a later
// OpenDynamicConfig against the wrong arena file fails loudly instead of
// reading garbage.
func CreateDynamicConfig(path string, serviceId Id, capacityPerKind uint32) (*DynamicConfig, error) {
	seg, err := shm.Create(path, int(DynamicConfigSize(capacityPerKind)))
	if err != nil {
		return nil, err
	}
	dc := &DynamicConfig{seg: seg, serviceId: serviceId, capacityPerKind: capacityPerKind}
	dc.initHeader()
	for k := PortKind(0); k < numPortKinds; k++ {
		dc.initFreeList(k)
	}
	return dc, nil
}

// OpenDynamicConfig attaches to an existing arena. capacityPerKind must
// match what the creator used - callers learn it from the service's
// StaticConfig, which is why MaxPublishers/MaxSubscribers live there and
// not in the arena header itself.
func OpenDynamicConfig(path string, serviceId Id, capacityPerKind uint32) (*DynamicConfig, error) {
	seg, err := shm.Open(path, int(DynamicConfigSize(capacityPerKind)))
	if err != nil {
		return nil, err
	}
	dc := &DynamicConfig{seg: seg, serviceId: serviceId, capacityPerKind: capacityPerKind}
	if err := dc.verifyHeader(); err != nil {
		seg.Close()
		return nil, err
	}
	return dc, nil
}

// ServiceId reports the service identity this arena was stamped with.
func (dc *DynamicConfig) ServiceId() Id { return dc.serviceId }

func (dc *DynamicConfig) Close() error { return dc.seg.Close() }
func (dc *DynamicConfig) Unlink() error { return dc.seg.Unlink() }

func (dc *DynamicConfig) data() []byte { return dc.seg.Bytes() }

func (dc *DynamicConfig) initHeader() {
	data := dc.data()
	binary.LittleEndian.PutUint32(data[0:4], dynMagic)
	binary.LittleEndian.PutUint32(data[4:8], dynVersion)
	binary.LittleEndian.PutUint32(data[8:12], dc.capacityPerKind)
	binary.LittleEndian.PutUint64(data[16:24], uint64(dc.serviceId))
	dc.epochPtr().Store(0)
}

func (dc *DynamicConfig) verifyHeader() error {
	data := dc.data()
	magic := binary.LittleEndian.Uint32(data[0:4])
	version := binary.LittleEndian.Uint32(data[4:8])
	capacity := binary.LittleEndian.Uint32(data[8:12])
	serviceId := Id(binary.LittleEndian.Uint64(data[16:24]))
	if magic != dynMagic {
		return &cos.ErrCorrupted{What: "dynamic config: bad magic"}
	}
	if version != dynVersion {
		return &cos.ErrCorrupted{What: fmt.Sprintf("dynamic config: version %d, want %d", version, dynVersion)}
	}
	if capacity != dc.capacityPerKind {
		return &cos.ErrIncompatibleServiceConfig{Fields: []string{"capacity_per_kind"}}
	}
	if serviceId != dc.serviceId {
		return &cos.ErrIncompatibleServiceConfig{Fields: []string{"service_id"}}
	}
	return nil
}

// epochPtr is the arena-wide monotonic counter bumped on every Register
// and Unregister. List snapshots it before and after a scan and retries
// on mismatch, so a Register/Unregister racing the middle of a scan can
// never leave List pairing one entry's stale generation with another
// occupant's NodeId (spec §4.D's ABA guard extended to whole-table reads).
func (dc *DynamicConfig) epochPtr() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&dc.data()[24]))
}

func (dc *DynamicConfig) freeHeadPtr(kind PortKind) *atomic.Uint64 {
	off := 32 + int(kind)*8
	return (*atomic.Uint64)(unsafe.Pointer(&dc.data()[off]))
}

func (dc *DynamicConfig) entryOffset(kind PortKind, idx uint32) int {
	table := dynHeaderSize + int(kind)*int(dc.capacityPerKind)*dynEntrySize
	return table + int(idx)*dynEntrySize
}

func (dc *DynamicConfig) entryNextPtr(kind PortKind, idx uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&dc.data()[dc.entryOffset(kind, idx)+16]))
}
func (dc *DynamicConfig) entryStatePtr(kind PortKind, idx uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&dc.data()[dc.entryOffset(kind, idx)+20]))
}
func (dc *DynamicConfig) entryGenerationPtr(kind PortKind, idx uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&dc.data()[dc.entryOffset(kind, idx)+24]))
}

func (dc *DynamicConfig) setEntryNodeId(kind PortKind, idx uint32, hi, lo uint64) {
	off := dc.entryOffset(kind, idx)
	data := dc.data()
	binary.LittleEndian.PutUint64(data[off:off+8], hi)
	binary.LittleEndian.PutUint64(data[off+8:off+16], lo)
}

func (dc *DynamicConfig) entryNodeId(kind PortKind, idx uint32) (hi, lo uint64) {
	off := dc.entryOffset(kind, idx)
	data := dc.data()
	return binary.LittleEndian.Uint64(data[off : off+8]), binary.LittleEndian.Uint64(data[off+8 : off+16])
}

func packHead(tag, idx uint32) uint64 { return uint64(tag)<<32 | uint64(idx) }
func unpackHead(v uint64) (tag, idx uint32) { return uint32(v >> 32), uint32(v) }

// initFreeList threads every slot of kind's table into one singly linked
// free list, last slot pointing at the sentinel.
func (dc *DynamicConfig) initFreeList(kind PortKind) {
	n := dc.capacityPerKind
	for i := uint32(0); i < n; i++ {
		next := i + 1
		if i == n-1 {
			next = freeListSentinel
		}
		dc.entryNextPtr(kind, i).Store(next)
		dc.entryStatePtr(kind, i).Store(entryFree)
		dc.entryGenerationPtr(kind, i).Store(0)
	}
	head := freeListSentinel
	if n > 0 {
		head = 0
	}
	dc.freeHeadPtr(kind).Store(packHead(0, head))
}

// Register claims one free slot of kind for a port belonging to the node
// identified by (nodeIdHi, nodeIdLo), via a lock-free Treiber pop off
// kind's free list. Returns *cos.ErrExceedsMax if the table is full
// (spec §4.D: "registration fails cleanly when capacity is exhausted,
// it never blocks and never grows the arena").
func (dc *DynamicConfig) Register(kind PortKind, nodeIdHi, nodeIdLo uint64) (PortHandle, error) {
	headPtr := dc.freeHeadPtr(kind)
	for {
		head := headPtr.Load()
		tag, idx := unpackHead(head)
		if idx == freeListSentinel {
			return PortHandle{}, cos.NewErrExceedsMax(kind.String()+" ports", int(dc.capacityPerKind))
		}
		next := dc.entryNextPtr(kind, idx).Load()
		newHead := packHead(tag+1, next)
		if headPtr.CompareAndSwap(head, newHead) {
			gen := dc.entryGenerationPtr(kind, idx).Add(1)
			dc.setEntryNodeId(kind, idx, nodeIdHi, nodeIdLo)
			dc.entryStatePtr(kind, idx).Store(entryLive)
			dc.epochPtr().Add(1)
			return PortHandle{Kind: kind, Index: idx, Generation: gen}, nil
		}
	}
}

// Unregister releases h back to its kind's free list. Returns
// *cos.ErrDoesNotExist if h's generation is stale (already unregistered
// and possibly reused), so callers can distinguish "already gone" from a
// genuine double-free bug.
func (dc *DynamicConfig) Unregister(h PortHandle) error {
	genPtr := dc.entryGenerationPtr(h.Kind, h.Index)
	statePtr := dc.entryStatePtr(h.Kind, h.Index)

	if genPtr.Load() != h.Generation || statePtr.Load() != entryLive {
		return cos.NewErrDoesNotExist("port handle %+v", h)
	}
	statePtr.Store(entryFree)
	dc.epochPtr().Add(1)

	headPtr := dc.freeHeadPtr(h.Kind)
	for {
		head := headPtr.Load()
		tag, idx := unpackHead(head)
		dc.entryNextPtr(h.Kind, h.Index).Store(idx)
		newHead := packHead(tag+1, h.Index)
		if headPtr.CompareAndSwap(head, newHead) {
			return nil
		}
	}
}

// List walks kind's full table - never a shrinking slice, since the
// arena is never compacted while open - and returns every entry
// currently marked live.
//
// A single pass reads state, generation, and NodeId as three independent
// atomic loads per entry; a Register/Unregister of that same slot between
// the generation and NodeId loads would otherwise let List pair a stale
// generation with a new occupant's NodeId. List guards against that by
// bracketing the whole scan with the arena's epoch counter and redoing
// the scan whenever a Register or Unregister completed during it, so the
// slice it returns is always read from a single consistent instant.
func (dc *DynamicConfig) List(kind PortKind) []PortInfo {
	for {
		before := dc.epochPtr().Load()
		out := dc.scanKind(kind)
		if dc.epochPtr().Load() == before {
			return out
		}
		// arena mutated mid-scan; the snapshot may be torn, retry.
	}
}

func (dc *DynamicConfig) scanKind(kind PortKind) []PortInfo {
	var out []PortInfo
	for i := uint32(0); i < dc.capacityPerKind; i++ {
		if dc.entryStatePtr(kind, i).Load() != entryLive {
			continue
		}
		gen := dc.entryGenerationPtr(kind, i).Load()
		hi, lo := dc.entryNodeId(kind, i)
		out = append(out, PortInfo{
			Handle:   PortHandle{Kind: kind, Index: i, Generation: gen},
			NodeIdHi: hi,
			NodeIdLo: lo,
		})
	}
	return out
}

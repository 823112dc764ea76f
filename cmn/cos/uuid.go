package cos

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/google/uuid"
	"github.com/teris-io/shortid"
)

const (
	// MLCG32 seeds every xxhash.Checksum64S call in this repository so that
	// two processes hashing the same bytes always land on the same digest
	// (ported constant name from the teacher's cmn/cos).
	MLCG32 = 0x9e3779b1
)

// Digest64 hashes b with the same xxhash variant used throughout this
// repository for ServiceId derivation and HRW-style placement digests.
func Digest64(b []byte) uint64 { return xxhash.Checksum64S(b, MLCG32) }

func DigestS(s string) uint64 { return Digest64(UnsafeB(s)) }

var tieBreaker atomic.Uint32

// GenTie returns a short, process-local monotonic tie-breaker string,
// ported from the teacher's cmn/cos.GenTie: used when two otherwise-equal
// identifiers would collide (e.g. two ports created within the same
// nanosecond).
func GenTie() string {
	n := tieBreaker.Add(1)
	const abc = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ-_"
	b0 := abc[n&0x3f]
	b1 := abc[(n>>6)&0x3f]
	b2 := abc[(n>>12)&0x3f]
	return string([]byte{b0, b1, b2})
}

// NewMachineID returns a uuid.v4-derived 64-bit value, freshly random on
// every call and, with overwhelming probability, unique across every
// other call in this or any other process - node.NewId uses two calls
// for the two halves of a UniqueNodeId (spec §3). Adopted from
// pack-sibling cuemby-warren's use of google/uuid to mint collision-free
// Raft server IDs.
func NewMachineID() uint64 {
	id := uuid.New()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i])
	}
	return v
}

func Pid() uint64 { return uint64(os.Getpid()) }

func FormatUint(v uint64) string { return strconv.FormatUint(v, 10) }

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

// GenDisplayID returns a short, human-friendly diagnostic label (log lines,
// `list_nodes` output) distinct from the binary UniqueNodeId/UniquePortId
// values used for correctness. Ported from the teacher's cmn/cos.GenUUID,
// which uses shortid for exactly this "nice to read in a log" purpose
// while a separate, heavier-weight value carries actual identity.
func GenDisplayID() string {
	sidOnce.Do(func() {
		sid = shortid.MustNew(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))
	})
	return sid.MustGenerate()
}

package svc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	atomicfile "github.com/natefinch/atomic"

	"github.com/zerocopy-ipc/shmipc/cmn/cos"
	"github.com/zerocopy-ipc/shmipc/ncr"
)

// OverflowPolicy governs what a publish queue does when a subscriber's
// channel is full (spec §4.F).
type OverflowPolicy uint8

const (
	DropOldest OverflowPolicy = iota
	Reject
	// Block is reserved: a bounded-blocking overflow policy is named by
	// the spec as a future extension but not required for this
	// implementation (Non-goal: no publisher ever blocks on send here).
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case Reject:
		return "reject"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// StaticConfig is a service's write-once descriptor: everything that
// must be identical across every process attaching to the service, so
// that two processes can never disagree about the shape of the data
// they're exchanging without one of them finding out immediately (spec
// §4.C: "verified byte-for-byte on every open").
type StaticConfig struct {
	ServiceId      Id
	PayloadSize    uint32
	PayloadAlign   uint32
	HistorySize    uint32
	MaxPublishers  uint32
	MaxSubscribers uint32
	MaxNodes       uint32
	// PoolCapacity is the number of slots in every publisher's Sample
	// Slot Pool on this service. It is part of the write-once shape,
	// not a per-publisher choice, so that a subscriber can open a
	// publisher's pool without first asking the publisher anything.
	PoolCapacity uint32
	Overflow     OverflowPolicy
}

const staticConfigSize = 8 + 4*7 + 1 // Id + seven uint32 fields + one byte

func (c StaticConfig) marshal() []byte {
	buf := make([]byte, staticConfigSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(c.ServiceId))
	binary.LittleEndian.PutUint32(buf[8:12], c.PayloadSize)
	binary.LittleEndian.PutUint32(buf[12:16], c.PayloadAlign)
	binary.LittleEndian.PutUint32(buf[16:20], c.HistorySize)
	binary.LittleEndian.PutUint32(buf[20:24], c.MaxPublishers)
	binary.LittleEndian.PutUint32(buf[24:28], c.MaxSubscribers)
	binary.LittleEndian.PutUint32(buf[28:32], c.MaxNodes)
	binary.LittleEndian.PutUint32(buf[32:36], c.PoolCapacity)
	buf[36] = byte(c.Overflow)
	return buf
}

func unmarshalStaticConfig(buf []byte) (StaticConfig, error) {
	if len(buf) != staticConfigSize {
		return StaticConfig{}, &cos.ErrCorrupted{What: fmt.Sprintf("static config size %d, want %d", len(buf), staticConfigSize)}
	}
	return StaticConfig{
		ServiceId:      Id(binary.LittleEndian.Uint64(buf[0:8])),
		PayloadSize:    binary.LittleEndian.Uint32(buf[8:12]),
		PayloadAlign:   binary.LittleEndian.Uint32(buf[12:16]),
		HistorySize:    binary.LittleEndian.Uint32(buf[16:20]),
		MaxPublishers:  binary.LittleEndian.Uint32(buf[20:24]),
		MaxSubscribers: binary.LittleEndian.Uint32(buf[24:28]),
		MaxNodes:       binary.LittleEndian.Uint32(buf[28:32]),
		PoolCapacity:   binary.LittleEndian.Uint32(buf[32:36]),
		Overflow:       OverflowPolicy(buf[36]),
	}, nil
}

// diffFields names which logical fields differ between two configs, for
// the ErrIncompatibleServiceConfig reported back to whichever opener
// guessed wrong.
func diffFields(want, got StaticConfig) []string {
	var fields []string
	if want.ServiceId != got.ServiceId {
		fields = append(fields, "service_id")
	}
	if want.PayloadSize != got.PayloadSize {
		fields = append(fields, "payload_size")
	}
	if want.PayloadAlign != got.PayloadAlign {
		fields = append(fields, "payload_align")
	}
	if want.HistorySize != got.HistorySize {
		fields = append(fields, "history_size")
	}
	if want.MaxPublishers != got.MaxPublishers {
		fields = append(fields, "max_publishers")
	}
	if want.MaxSubscribers != got.MaxSubscribers {
		fields = append(fields, "max_subscribers")
	}
	if want.MaxNodes != got.MaxNodes {
		fields = append(fields, "max_nodes")
	}
	if want.PoolCapacity != got.PoolCapacity {
		fields = append(fields, "pool_capacity")
	}
	if want.Overflow != got.Overflow {
		fields = append(fields, "overflow_policy")
	}
	return fields
}

// PublishStaticConfig writes cfg under name, atomically: a temp file in
// the same directory is written in full and then renamed over the final
// path, so a concurrent opener never observes a partially written blob
// (spec §4.C: "publish is atomic with respect to concurrent openers").
// If an artifact already exists, its bytes are compared against cfg and
// either confirmed identical (return nil, the service already exists
// with this exact shape) or reported via ErrIncompatibleServiceConfig.
func PublishStaticConfig(name string, cfg ncr.Config, sc StaticConfig) error {
	path := ncr.Resolve(name, cfg)
	want := sc.marshal()

	existing, err := readIfPresent(path)
	if err != nil {
		return err
	}
	if existing != nil {
		if bytes.Equal(existing, want) {
			return nil
		}
		got, uerr := unmarshalStaticConfig(existing)
		if uerr != nil {
			return uerr
		}
		return &cos.ErrIncompatibleServiceConfig{Fields: diffFields(sc, got)}
	}

	if err := atomicfile.WriteFile(path, bytes.NewReader(want)); err != nil {
		return cos.NewErrInternal("svc.PublishStaticConfig", err)
	}
	return nil
}

// OpenStaticConfig reads and parses an existing static config. Returns
// *cos.ErrDoesNotExist if the service has not been created yet.
func OpenStaticConfig(name string, cfg ncr.Config) (StaticConfig, error) {
	path := ncr.Resolve(name, cfg)
	buf, err := readIfPresent(path)
	if err != nil {
		return StaticConfig{}, err
	}
	if buf == nil {
		return StaticConfig{}, cos.NewErrDoesNotExist("%s", path)
	}
	return unmarshalStaticConfig(buf)
}

// VerifyCompatible opens the on-disk config and confirms it is
// byte-identical to want, the shape the local process expects to attach
// with (spec §4.C's open-time verification, independent of the
// create-time comparison PublishStaticConfig already performs for the
// creator itself).
func VerifyCompatible(name string, cfg ncr.Config, want StaticConfig) error {
	got, err := OpenStaticConfig(name, cfg)
	if err != nil {
		return err
	}
	if got != want {
		return &cos.ErrIncompatibleServiceConfig{Fields: diffFields(want, got)}
	}
	return nil
}

func readIfPresent(path string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cos.NewErrInternal("svc.readIfPresent", err)
	}
	return buf, nil
}

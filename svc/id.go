// Package svc implements the two halves of a service's persistent
// description: the write-once Static Config Blob (spec §4.C) and the
// shared-memory Dynamic Config Arena of live ports (spec §4.D).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package svc

import (
	"github.com/zerocopy-ipc/shmipc/cmn/cos"
	"github.com/zerocopy-ipc/shmipc/cmn/xoshiro256"
)

// Id identifies a service: the digest of its name folded with the digest
// of its payload layout, so that two services with the same name but an
// incompatible wire shape never collide on the same artifacts (spec §3:
// "a service name and its payload type jointly determine identity").
type Id uint64

// ComputeId derives a service's Id from its name and the fixed payload
// size publishers on it will loan. payloadAlign is folded in separately
// so that two services carrying the same byte count but different
// alignment requirements are still distinguishable.
func ComputeId(name string, payloadSize, payloadAlign uint32) Id {
	nameDigest := cos.DigestS(name)
	shapeDigest := uint64(payloadSize)<<32 | uint64(payloadAlign)
	return Id(xoshiro256.Combine(nameDigest, shapeDigest))
}

func (id Id) String() string { return cos.FormatUint(uint64(id)) }

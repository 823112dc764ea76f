// Package xoshiro256 implements a fast 64-bit mixing function used to fold
// two independent digests (e.g. a service-name hash and a payload-layout
// hash) into one, the same way the teacher's fs package folds a mountpath
// digest with a per-object digest for HRW placement.
// no-copyright
package xoshiro256

// Hash mixes x through the xoshiro256** scrambler's finishing round,
// applied to a single 64-bit word rather than RNG state. It is not
// cryptographic: it is a deterministic, well-distributed avalanche used to
// combine digests into a ServiceId, not to authenticate them.
func Hash(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return rotl(x*5, 7) * 9
}

func rotl(x uint64, k uint) uint64 {
	return (x << k) | (x >> (64 - k))
}

// Combine folds two digests into one via Hash, order-sensitive.
func Combine(a, b uint64) uint64 {
	return Hash(a ^ rotl(b, 31))
}

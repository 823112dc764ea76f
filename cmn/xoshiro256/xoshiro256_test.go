package xoshiro256_test

import (
	"testing"

	"github.com/zerocopy-ipc/shmipc/cmn/xoshiro256"
)

func TestHashIsDeterministic(t *testing.T) {
	for _, in := range []uint64{0, 1, 4573842, 1 << 63} {
		a := xoshiro256.Hash(in)
		b := xoshiro256.Hash(in)
		if a != b {
			t.Fatalf("Hash(%d) not deterministic: %d != %d", in, a, b)
		}
	}
}

func TestHashAvalanches(t *testing.T) {
	a := xoshiro256.Hash(4573842)
	b := xoshiro256.Hash(4573843)
	if a == b {
		t.Fatalf("adjacent inputs hashed to the same value")
	}
}

func TestCombineOrderSensitive(t *testing.T) {
	a := xoshiro256.Combine(1, 2)
	b := xoshiro256.Combine(2, 1)
	if a == b {
		t.Fatalf("Combine should be order-sensitive")
	}
}

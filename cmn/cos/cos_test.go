package cos_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zerocopy-ipc/shmipc/cmn/cos"
)

func TestDigestDeterministic(t *testing.T) {
	a := cos.DigestS("pubsub/temperature/u64")
	b := cos.DigestS("pubsub/temperature/u64")
	require.Equal(t, a, b)

	c := cos.DigestS("pubsub/temperature/f64")
	require.NotEqual(t, a, c)
}

func TestGenTieUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		tie := cos.GenTie()
		require.Len(t, tie, 3)
		require.False(t, seen[tie], "GenTie produced a repeat within one burst")
		seen[tie] = true
	}
}

func TestMachineIDNonZeroAndVaries(t *testing.T) {
	a := cos.NewMachineID()
	b := cos.NewMachineID()
	require.NotZero(t, a)
	require.NotEqual(t, a, b)
}

func TestErrsAccumulatesAndDedups(t *testing.T) {
	var errs cos.Errs
	errs.Add(cos.NewErrDoesNotExist("svc %q", "a"))
	errs.Add(cos.NewErrDoesNotExist("svc %q", "a")) // duplicate message, ignored
	errs.Add(cos.NewErrDoesNotExist("svc %q", "b"))
	require.Equal(t, 2, errs.Cnt())

	cnt, err := errs.JoinErr()
	require.Equal(t, 2, cnt)
	require.Error(t, err)
}

func TestUnsafeBRoundTrip(t *testing.T) {
	s := "hello-zero-copy"
	b := cos.UnsafeB(s)
	require.Equal(t, s, cos.UnsafeS(b))
}

package pool_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerocopy-ipc/shmipc/cmn/cos"
	"github.com/zerocopy-ipc/shmipc/pool"
)

func TestLoanWriteAndReadBackZeroCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	p, err := pool.Create(path, 4, 64, 8)
	require.NoError(t, err)
	defer p.Close()

	s, err := p.Loan()
	require.NoError(t, err)

	copy(p.Payload(s), []byte("hello"))
	require.Equal(t, byte('h'), p.Payload(s)[0])
	require.EqualValues(t, 1, p.Refcount(s))
}

func TestLoanExhaustionReturnsOutOfSharedMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	p, err := pool.Create(path, 2, 16, 8)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Loan()
	require.NoError(t, err)
	_, err = p.Loan()
	require.NoError(t, err)

	_, err = p.Loan()
	require.True(t, cos.IsErrOutOfSharedMemory(err))
}

func TestReleaseToZeroReturnsSlotToFreeList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	p, err := pool.Create(path, 1, 16, 8)
	require.NoError(t, err)
	defer p.Close()

	s, err := p.Loan()
	require.NoError(t, err)

	_, err = p.Loan()
	require.Error(t, err, "pool of capacity 1 must be exhausted")

	p.Release(s)

	s2, err := p.Loan()
	require.NoError(t, err)
	require.Equal(t, s.Index, s2.Index)
}

func TestAcquireKeepsSlotAliveUntilAllReferencesDrop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	p, err := pool.Create(path, 1, 16, 8)
	require.NoError(t, err)
	defer p.Close()

	s, err := p.Loan()
	require.NoError(t, err)
	p.Acquire(s) // simulate handing the same sample to a second subscriber
	require.EqualValues(t, 2, p.Refcount(s))

	p.Release(s)
	require.EqualValues(t, 1, p.Refcount(s))

	_, err = p.Loan()
	require.Error(t, err, "slot must still be held")

	p.Release(s)
	s2, err := p.Loan()
	require.NoError(t, err)
	require.Equal(t, s.Index, s2.Index)
}

func TestOriginRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	p, err := pool.Create(path, 1, 16, 8)
	require.NoError(t, err)
	defer p.Close()

	s, err := p.Loan()
	require.NoError(t, err)
	p.SetOrigin(s, 0xDEAD, 0xBEEF, 42)

	hi, lo, seq := p.Origin(s)
	require.EqualValues(t, 0xDEAD, hi)
	require.EqualValues(t, 0xBEEF, lo)
	require.EqualValues(t, 42, seq)
}

func TestConcurrentLoanNeverDoubleHandsOutASlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	const capacity = 32
	p, err := pool.Create(path, capacity, 8, 8)
	require.NoError(t, err)
	defer p.Close()

	var wg sync.WaitGroup
	slots := make(chan pool.Slot, capacity)
	for i := 0; i < capacity; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Loan()
			require.NoError(t, err)
			slots <- s
		}()
	}
	wg.Wait()
	close(slots)

	seen := make(map[uint32]bool)
	for s := range slots {
		require.False(t, seen[s.Index])
		seen[s.Index] = true
	}
	require.Len(t, seen, capacity)
}

func TestOpenRejectsShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")
	p, err := pool.Create(path, 4, 64, 8)
	require.NoError(t, err)
	defer p.Close()

	_, err = pool.Open(path, 4, 128, 8)
	require.Error(t, err)
}

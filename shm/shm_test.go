package shm_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zerocopy-ipc/shmipc/shm"
)

func TestCreateOpenShareBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")

	creator, err := shm.Create(path, 64)
	require.NoError(t, err)
	defer creator.Close()

	opener, err := shm.Open(path, 64)
	require.NoError(t, err)
	defer opener.Close()

	creator.Bytes()[0] = 0xAB
	require.Equal(t, byte(0xAB), opener.Bytes()[0], "mutation through one mapping must be visible through the other")
}

func TestCreateTwiceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")

	first, err := shm.Create(path, 32)
	require.NoError(t, err)
	defer first.Close()

	_, err = shm.Create(path, 32)
	require.Error(t, err)
}

func TestOpenMissingFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist")
	_, err := shm.Open(path, 32)
	require.Error(t, err)
}

func TestUnlinkDoesNotInvalidateOpenMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")
	seg, err := shm.Create(path, 16)
	require.NoError(t, err)
	defer seg.Close()

	seg.Bytes()[3] = 7
	require.NoError(t, seg.Unlink())
	require.Equal(t, byte(7), seg.Bytes()[3])
}

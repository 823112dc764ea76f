package svc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerocopy-ipc/shmipc/cmn/cos"
	"github.com/zerocopy-ipc/shmipc/ncr"
	"github.com/zerocopy-ipc/shmipc/svc"
)

func testCfg(t *testing.T) ncr.Config {
	return ncr.Config{PathHint: t.TempDir(), Prefix: "shmipc_svc_", Suffix: ".cfg"}
}

func sampleConfig() svc.StaticConfig {
	return svc.StaticConfig{
		ServiceId:      svc.ComputeId("topic/a", 64, 8),
		PayloadSize:    64,
		PayloadAlign:   8,
		HistorySize:    4,
		MaxPublishers:  2,
		MaxSubscribers: 8,
		MaxNodes:       16,
		PoolCapacity:   32,
		Overflow:       svc.DropOldest,
	}
}

func TestPublishThenOpenRoundTrips(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleConfig()

	require.NoError(t, svc.PublishStaticConfig("topic-a", cfg, sc))

	got, err := svc.OpenStaticConfig("topic-a", cfg)
	require.NoError(t, err)
	require.Equal(t, sc, got)
}

func TestPublishIsIdempotentForIdenticalConfig(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleConfig()

	require.NoError(t, svc.PublishStaticConfig("topic-a", cfg, sc))
	require.NoError(t, svc.PublishStaticConfig("topic-a", cfg, sc))
}

func TestPublishMismatchReturnsIncompatible(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleConfig()
	require.NoError(t, svc.PublishStaticConfig("topic-a", cfg, sc))

	other := sc
	other.PayloadSize = 128
	err := svc.PublishStaticConfig("topic-a", cfg, other)
	require.Error(t, err)
	require.True(t, cos.IsErrIncompatibleServiceConfig(err))
}

func TestVerifyCompatibleDetectsMismatch(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleConfig()
	require.NoError(t, svc.PublishStaticConfig("topic-a", cfg, sc))

	other := sc
	other.HistorySize = 99
	err := svc.VerifyCompatible("topic-a", cfg, other)
	require.Error(t, err)
	require.True(t, cos.IsErrIncompatibleServiceConfig(err))

	require.NoError(t, svc.VerifyCompatible("topic-a", cfg, sc))
}

func TestOpenMissingIsDoesNotExist(t *testing.T) {
	cfg := testCfg(t)
	_, err := svc.OpenStaticConfig("ghost", cfg)
	require.True(t, cos.IsErrDoesNotExist(err))
}

func TestComputeIdDistinguishesNameAndShape(t *testing.T) {
	a := svc.ComputeId("topic/a", 64, 8)
	b := svc.ComputeId("topic/b", 64, 8)
	c := svc.ComputeId("topic/a", 128, 8)
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
}

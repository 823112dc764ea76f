package node_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerocopy-ipc/shmipc/mon"
	"github.com/zerocopy-ipc/shmipc/ncr"
	"github.com/zerocopy-ipc/shmipc/node"
	"github.com/zerocopy-ipc/shmipc/svc"
)

func testCfg(t *testing.T) ncr.Config {
	return ncr.Config{PathHint: t.TempDir()}
}

func sampleStatic() svc.StaticConfig {
	return svc.StaticConfig{
		ServiceId:      svc.ComputeId("topic/orders", 32, 8),
		PayloadSize:    32,
		PayloadAlign:   8,
		HistorySize:    2,
		MaxPublishers:  2,
		MaxSubscribers: 4,
		MaxNodes:       8,
		PoolCapacity:   16,
		Overflow:       svc.DropOldest,
	}
}

func TestOpenOrCreateFirstCallCreates(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()

	s, err := node.OpenOrCreate("orders", sc, cfg)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, sc, s.Static)
}

func TestOpenOrCreateSecondCallAttaches(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()

	s1, err := node.OpenOrCreate("orders", sc, cfg)
	require.NoError(t, err)
	defer s1.Close()

	s2, err := node.OpenOrCreate("orders", sc, cfg)
	require.NoError(t, err)
	defer s2.Close()

	require.Equal(t, s1.Static, s2.Static)
}

func TestOpenOrCreateRejectsIncompatibleShape(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()

	s1, err := node.OpenOrCreate("orders", sc, cfg)
	require.NoError(t, err)
	defer s1.Close()

	other := sc
	other.PayloadSize = 64
	_, err = node.OpenOrCreate("orders", other, cfg)
	require.Error(t, err)
}

func TestConcurrentOpenOrCreateConverges(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()

	const n = 8
	var wg sync.WaitGroup
	services := make([]*node.Service, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			services[i], errs[i] = node.OpenOrCreate("orders", sc, cfg)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, sc, services[i].Static)
		defer services[i].Close()
	}
}

func TestNodeJoinAndCloseUnregistersPorts(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()

	s, err := node.OpenOrCreate("orders", sc, cfg)
	require.NoError(t, err)
	defer s.Close()

	n, err := node.New(cfg)
	require.NoError(t, err)

	h, err := n.Join(s, svc.KindPublisher)
	require.NoError(t, err)
	require.Len(t, s.Dynamic.List(svc.KindPublisher), 1)

	require.NoError(t, n.Close())
	require.Empty(t, s.Dynamic.List(svc.KindPublisher))

	err = s.Dynamic.Unregister(h)
	require.Error(t, err, "already unregistered by Close")
}

func TestRemoveStaleResourcesReclaimsDeadNodePorts(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()

	s, err := node.OpenOrCreate("orders", sc, cfg)
	require.NoError(t, err)
	defer s.Close()

	// Stand up a "node" the long way, without going through node.New, so
	// the test can crash it (close its token without unregistering its
	// port) instead of shutting it down gracefully.
	crashedId := node.NewId()
	livenessCfg := ncr.Config{PathHint: cfg.PathHint, Prefix: "shmipc_node_", Suffix: ".alive"}
	tok, err := mon.Create(crashedId.String(), livenessCfg)
	require.NoError(t, err)

	h, err := s.Dynamic.Register(svc.KindPublisher, crashedId.Hi, crashedId.Lo)
	require.NoError(t, err)
	require.Len(t, s.Dynamic.List(svc.KindPublisher), 1)

	removed, err := s.RemoveStaleResources()
	require.NoError(t, err)
	require.Zero(t, removed, "node is still alive, nothing should be reclaimed yet")

	require.NoError(t, tok.Close()) // simulate a crash: no unregister happens

	removed, err = s.RemoveStaleResources()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	err = s.Dynamic.Unregister(h)
	require.Error(t, err, "already reclaimed by the stale sweep")
}

func TestRemoveStaleResourcesIsIdempotent(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()

	s, err := node.OpenOrCreate("orders", sc, cfg)
	require.NoError(t, err)
	defer s.Close()

	removed, err := s.RemoveStaleResources()
	require.NoError(t, err)
	require.Zero(t, removed)

	removed, err = s.RemoveStaleResources()
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestCleanupAllFansOutAcrossServices(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()

	s1, err := node.OpenOrCreate("orders", sc, cfg)
	require.NoError(t, err)
	defer s1.Close()

	sc2 := sc
	sc2.ServiceId = svc.ComputeId("topic/shipments", sc.PayloadSize, sc.PayloadAlign)
	s2, err := node.OpenOrCreate("shipments", sc2, cfg)
	require.NoError(t, err)
	defer s2.Close()

	crashed := node.NewId()
	livenessCfg := ncr.Config{PathHint: cfg.PathHint, Prefix: "shmipc_node_", Suffix: ".alive"}
	tok, err := mon.Create(crashed.String(), livenessCfg)
	require.NoError(t, err)

	_, err = s1.Dynamic.Register(svc.KindPublisher, crashed.Hi, crashed.Lo)
	require.NoError(t, err)
	_, err = s2.Dynamic.Register(svc.KindSubscriber, crashed.Hi, crashed.Lo)
	require.NoError(t, err)
	require.NoError(t, tok.Close())

	removed, err := node.CleanupAll([]*node.Service{s1, s2})
	require.NoError(t, err)
	require.Equal(t, 2, removed)
}

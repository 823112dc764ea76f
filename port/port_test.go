package port_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerocopy-ipc/shmipc/ncr"
	"github.com/zerocopy-ipc/shmipc/node"
	"github.com/zerocopy-ipc/shmipc/port"
	"github.com/zerocopy-ipc/shmipc/svc"
)

func testCfg(t *testing.T) ncr.Config {
	return ncr.Config{PathHint: t.TempDir()}
}

func sampleStatic() svc.StaticConfig {
	return svc.StaticConfig{
		ServiceId:      svc.ComputeId("topic/ticks", 16, 8),
		PayloadSize:    16,
		PayloadAlign:   8,
		HistorySize:    2,
		MaxPublishers:  4,
		MaxSubscribers: 8,
		MaxNodes:       16,
		PoolCapacity:   8,
		Overflow:       svc.DropOldest,
	}
}

func openService(t *testing.T, cfg ncr.Config, sc svc.StaticConfig) *node.Service {
	s, err := node.OpenOrCreate("ticks", sc, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubscriberReceivesWhatPublisherSends(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()
	s := openService(t, cfg, sc)

	pubNode, err := node.New(cfg)
	require.NoError(t, err)
	defer pubNode.Close()
	pub, err := port.NewPublisher(pubNode, s)
	require.NoError(t, err)
	defer pub.Close()

	subNode, err := node.New(cfg)
	require.NoError(t, err)
	defer subNode.Close()
	sub, err := port.NewSubscriber(subNode, s)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, pub.UpdateConnections())
	require.NoError(t, sub.UpdateConnections())

	loan, err := pub.Loan()
	require.NoError(t, err)
	copy(loan.Payload(), []byte("hello-zerocopy!!"))
	require.NoError(t, loan.Send())

	received := sub.Receive()
	require.Len(t, received, 1)
	require.Equal(t, []byte("hello-zerocopy!!"), received[0].Payload())

	hi, lo, seq := received[0].Origin()
	require.Equal(t, pubNode.Id.Hi, hi)
	require.Equal(t, pubNode.Id.Lo, lo)
	require.Equal(t, uint64(1), seq)

	received[0].Release()
}

func TestSubscriberJoiningLateStillReceivesHistory(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()
	s := openService(t, cfg, sc)

	pubNode, err := node.New(cfg)
	require.NoError(t, err)
	defer pubNode.Close()
	pub, err := port.NewPublisher(pubNode, s)
	require.NoError(t, err)
	defer pub.Close()

	// No subscribers yet: these two sends only land in history.
	for i := 0; i < 2; i++ {
		loan, err := pub.Loan()
		require.NoError(t, err)
		loan.Payload()[0] = byte(i)
		require.NoError(t, loan.Send())
	}

	subNode, err := node.New(cfg)
	require.NoError(t, err)
	defer subNode.Close()
	sub, err := port.NewSubscriber(subNode, s)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, pub.UpdateConnections())
	require.NoError(t, sub.UpdateConnections())

	received := sub.Receive()
	require.Len(t, received, int(sc.HistorySize), "late joiner should see the replayed history")
	for _, r := range received {
		r.Release()
	}
}

func TestMultipleSubscribersEachGetTheirOwnChannel(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()
	s := openService(t, cfg, sc)

	pubNode, err := node.New(cfg)
	require.NoError(t, err)
	defer pubNode.Close()
	pub, err := port.NewPublisher(pubNode, s)
	require.NoError(t, err)
	defer pub.Close()

	subs := make([]*port.Subscriber, 3)
	for i := range subs {
		n, err := node.New(cfg)
		require.NoError(t, err)
		defer n.Close()
		sub, err := port.NewSubscriber(n, s)
		require.NoError(t, err)
		defer sub.Close()
		require.NoError(t, sub.UpdateConnections())
		subs[i] = sub
	}
	require.NoError(t, pub.UpdateConnections())

	loan, err := pub.Loan()
	require.NoError(t, err)
	require.NoError(t, loan.Send())

	for _, sub := range subs {
		received := sub.Receive()
		require.Len(t, received, 1)
		received[0].Release()
	}
}

func TestLoanDroppedWithoutSendNeverReachesSubscriber(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()
	s := openService(t, cfg, sc)

	pubNode, err := node.New(cfg)
	require.NoError(t, err)
	defer pubNode.Close()
	pub, err := port.NewPublisher(pubNode, s)
	require.NoError(t, err)
	defer pub.Close()

	subNode, err := node.New(cfg)
	require.NoError(t, err)
	defer subNode.Close()
	sub, err := port.NewSubscriber(subNode, s)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, pub.UpdateConnections())
	require.NoError(t, sub.UpdateConnections())

	loan, err := pub.Loan()
	require.NoError(t, err)
	loan.DropWithoutSend()

	require.Empty(t, sub.Receive())
}

func TestSendFailsOnceLoanAlreadyFinalized(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()
	s := openService(t, cfg, sc)

	n, err := node.New(cfg)
	require.NoError(t, err)
	defer n.Close()
	pub, err := port.NewPublisher(n, s)
	require.NoError(t, err)
	defer pub.Close()

	loan, err := pub.Loan()
	require.NoError(t, err)
	require.NoError(t, loan.Send())
	require.Error(t, loan.Send())
}

func TestUpdateConnectionsDropsDisconnectedSubscriber(t *testing.T) {
	cfg := testCfg(t)
	sc := sampleStatic()
	s := openService(t, cfg, sc)

	pubNode, err := node.New(cfg)
	require.NoError(t, err)
	defer pubNode.Close()
	pub, err := port.NewPublisher(pubNode, s)
	require.NoError(t, err)
	defer pub.Close()

	subNode, err := node.New(cfg)
	require.NoError(t, err)
	sub, err := port.NewSubscriber(subNode, s)
	require.NoError(t, err)
	require.NoError(t, pub.UpdateConnections())
	require.NoError(t, sub.UpdateConnections())

	require.NoError(t, sub.Close())
	require.NoError(t, subNode.Close())

	require.NoError(t, pub.UpdateConnections())

	loan, err := pub.Loan()
	require.NoError(t, err)
	require.NoError(t, loan.Send(), "send must not fail just because a subscriber dropped off")
}

package port

import (
	"sync"

	"github.com/zerocopy-ipc/shmipc/cmn/cos"
	"github.com/zerocopy-ipc/shmipc/ncr"
	"github.com/zerocopy-ipc/shmipc/node"
	"github.com/zerocopy-ipc/shmipc/pool"
	"github.com/zerocopy-ipc/shmipc/psq"
	"github.com/zerocopy-ipc/shmipc/svc"
)

// Subscriber attaches to every connected publisher's channel and pool
// and pulls delivered samples off them.
type Subscriber struct {
	node    *node.Node
	service *node.Service
	handle  svc.PortHandle

	mu       sync.Mutex
	pools    map[svc.PortHandle]*pool.Pool
	channels map[svc.PortHandle]*psq.Channel
}

func NewSubscriber(n *node.Node, s *node.Service) (*Subscriber, error) {
	h, err := n.Join(s, svc.KindSubscriber)
	if err != nil {
		return nil, err
	}
	return &Subscriber{
		node: n, service: s, handle: h,
		pools:    make(map[svc.PortHandle]*pool.Pool),
		channels: make(map[svc.PortHandle]*psq.Channel),
	}, nil
}

func (sub *Subscriber) Close() error {
	sub.mu.Lock()
	for _, p := range sub.pools {
		p.Close()
	}
	for _, ch := range sub.channels {
		ch.Close()
	}
	sub.pools, sub.channels = nil, nil
	sub.mu.Unlock()

	return sub.node.Leave(sub.service, sub.handle)
}

// UpdateConnections discovers publishers registered on the service
// since the last call and attaches to each one's pool and channel.
func (sub *Subscriber) UpdateConnections() error {
	pubs := sub.service.Dynamic.List(svc.KindPublisher)

	sub.mu.Lock()
	defer sub.mu.Unlock()

	live := make(map[svc.PortHandle]bool, len(pubs))
	sc := sub.service.Static
	for _, info := range pubs {
		live[info.Handle] = true
		if _, ok := sub.channels[info.Handle]; ok {
			continue
		}

		poolPath := ncr.Resolve(poolName(sub.service.Name, info.Handle), poolConfig(sub.service.Config()))
		p, err := pool.Open(poolPath, sc.PoolCapacity, sc.PayloadSize, sc.PayloadAlign)
		if err != nil && !cos.IsErrDoesNotExist(err) {
			return err
		}
		if err != nil {
			// publisher registered but hasn't finished creating its pool yet.
			continue
		}

		ch, err := openOrCreateChannel(sub.service.Name, info.Handle, sub.handle, sc, sub.service.Config())
		if err != nil {
			p.Close()
			return err
		}
		sub.pools[info.Handle] = p
		sub.channels[info.Handle] = ch
	}
	for h := range sub.channels {
		if !live[h] {
			sub.channels[h].Close()
			sub.pools[h].Close()
			delete(sub.channels, h)
			delete(sub.pools, h)
		}
	}
	return nil
}

// LossCount reports how many samples have been lost on the channel from
// pub to this subscriber, either rejected outright or dropped to make
// room under DropOldest (spec §4.F Scenario 2). ok is false if pub is
// not currently connected.
func (sub *Subscriber) LossCount(pub svc.PortHandle) (count uint32, ok bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	ch, ok := sub.channels[pub]
	if !ok {
		return 0, false
	}
	return ch.LossCount(), true
}

// Receive drains every connected publisher's channel once and returns
// whatever was queued. Each returned ReadLoan must eventually be
// Released.
func (sub *Subscriber) Receive() []*ReadLoan {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	var out []*ReadLoan
	for pubHandle, ch := range sub.channels {
		p := sub.pools[pubHandle]
		for {
			e, ok := ch.Dequeue()
			if !ok {
				break
			}
			out = append(out, &ReadLoan{pool: p, slot: pool.Slot{Index: e.SlotIndex}, seq: e.Seq})
		}
	}
	return out
}

// ReadLoan is a received, read-only reference to a sample slot.
type ReadLoan struct {
	pool *pool.Pool
	slot pool.Slot
	seq  uint64
	done bool
}

func (r *ReadLoan) Payload() []byte { return r.pool.Payload(r.slot) }

// Origin reports the publisher identity and sequence number the sample
// was sent with (spec §4.F: duplicate/ordering checks).
func (r *ReadLoan) Origin() (publisherIdHi, publisherIdLo, seq uint64) {
	hi, lo, _ := r.pool.Origin(r.slot)
	return hi, lo, r.seq
}

// Release drops the subscriber's reference; the slot returns to the
// publisher's pool once every holder (including the publisher's own
// history retention) has done the same.
func (r *ReadLoan) Release() {
	if r.done {
		return
	}
	r.done = true
	r.pool.Release(r.slot)
}

// RequestHeader and ResponseHeader are the header-only wire shapes for
// the request-response pattern; the pattern itself is out of scope, but
// its message framing is specified here so a later implementation can
// use the same Sample Slot Pool and port-discovery machinery without a
// breaking change to either. The client/server identifiers are port
// handles, not node identities - the same client node can hold several
// client ports against the same server, each with its own request
// sequence (spec §4.H: "client_port_id"/"server_port_id").
type RequestHeader struct {
	ClientPortId svc.PortHandle
	RequestId    uint64
}

type ResponseHeader struct {
	ServerPortId svc.PortHandle
	RequestId    uint64
}

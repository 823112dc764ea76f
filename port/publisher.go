// Package port implements the Publisher and Subscriber handles
// applications actually call into (spec §4.H): loaning and sending
// samples, receiving and releasing them, and the connection discovery
// that wires a publisher's Sample Slot Pool to every subscriber's
// Publish-Subscribe Channel as new peers show up in a service's Dynamic
// Config Arena.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package port

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/zerocopy-ipc/shmipc/cmn/cos"
	"github.com/zerocopy-ipc/shmipc/cmn/nlog"
	"github.com/zerocopy-ipc/shmipc/ncr"
	"github.com/zerocopy-ipc/shmipc/node"
	"github.com/zerocopy-ipc/shmipc/pool"
	"github.com/zerocopy-ipc/shmipc/psq"
	"github.com/zerocopy-ipc/shmipc/svc"
)

func poolConfig(cfg ncr.Config) ncr.Config {
	return ncr.Config{PathHint: cfg.PathHint, Prefix: "shmipc_pool_", Suffix: ".shm"}
}

func channelConfig(cfg ncr.Config) ncr.Config {
	return ncr.Config{PathHint: cfg.PathHint, Prefix: "shmipc_chan_", Suffix: ".shm"}
}

func poolName(serviceName string, pub svc.PortHandle) string {
	return serviceName + "_pub" + cos.FormatUint(uint64(pub.Index)) + "_" + cos.FormatUint(uint64(pub.Generation))
}

func channelName(serviceName string, pub, sub svc.PortHandle) string {
	return serviceName + "_p" + cos.FormatUint(uint64(pub.Index)) + "g" + cos.FormatUint(uint64(pub.Generation)) +
		"_s" + cos.FormatUint(uint64(sub.Index)) + "g" + cos.FormatUint(uint64(sub.Generation))
}

type histEntry struct {
	slot pool.Slot
	seq  uint64
}

// Publisher loans slots from its own Sample Slot Pool and fans each
// sent sample out to every connected subscriber's Publish-Subscribe
// Channel.
type Publisher struct {
	node    *node.Node
	service *node.Service
	handle  svc.PortHandle
	pool    *pool.Pool
	seq     atomic.Uint64

	mu       sync.Mutex
	channels map[svc.PortHandle]*psq.Channel
	history  []histEntry
}

// NewPublisher registers a new publisher port on s and creates its
// private sample pool, sized to the service's agreed-upon PoolCapacity
// so that any subscriber can open it without asking the publisher
// anything first.
func NewPublisher(n *node.Node, s *node.Service) (*Publisher, error) {
	h, err := n.Join(s, svc.KindPublisher)
	if err != nil {
		return nil, err
	}
	path := ncr.Resolve(poolName(s.Name, h), poolConfig(s.Config()))
	p, err := pool.Create(path, s.Static.PoolCapacity, s.Static.PayloadSize, s.Static.PayloadAlign)
	if err != nil {
		n.Leave(s, h)
		return nil, err
	}
	return &Publisher{
		node: n, service: s, handle: h, pool: p,
		channels: make(map[svc.PortHandle]*psq.Channel),
	}, nil
}

// Close releases the publisher's pool and port registration. It does
// not wait for subscribers to drain in-flight samples - those slots are
// reclaimed by refcount as subscribers release them, same as if the
// publisher had crashed (spec §5).
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, ch := range p.channels {
		ch.Close()
	}
	p.channels = nil
	p.mu.Unlock()

	var errs cos.Errs
	if err := p.node.Leave(p.service, p.handle); err != nil {
		errs.Add(err)
	}
	if err := p.pool.Unlink(); err != nil {
		errs.Add(err)
	}
	if err := p.pool.Close(); err != nil {
		errs.Add(err)
	}
	if cnt, err := errs.JoinErr(); cnt > 0 {
		return err
	}
	return nil
}

// Loan reserves one sample slot for writing. The caller must eventually
// call either Send or DropWithoutSend on the returned handle.
func (p *Publisher) Loan() (*Loan, error) {
	s, err := p.pool.Loan()
	if err != nil {
		return nil, err
	}
	return &Loan{pub: p, slot: s}, nil
}

// Loan is an exclusively held, writable reference to one reserved slot.
type Loan struct {
	pub  *Publisher
	slot pool.Slot
	done bool
}

// Payload exposes the slot's backing bytes for zero-copy writes.
func (l *Loan) Payload() []byte { return l.pub.pool.Payload(l.slot) }

// DropWithoutSend releases the slot back to the pool without publishing
// it, e.g. when the publisher decides mid-write that the sample should
// not go out.
func (l *Loan) DropWithoutSend() {
	if l.done {
		return
	}
	l.done = true
	l.pub.pool.Release(l.slot)
}

// Send publishes the loan to every currently connected subscriber,
// stamps it into the publisher's history ring for future late joiners,
// and drops the publisher's own reference. Per-subscriber overflow
// (Reject) failures are reported but do not stop delivery to the rest.
func (l *Loan) Send() error {
	if l.done {
		return cos.NewErrInternal("port.Send", errors.New("loan already finalized"))
	}
	l.done = true
	return l.pub.send(l.slot)
}

func (p *Publisher) send(slot pool.Slot) error {
	seq := p.seq.Add(1)
	p.pool.SetOrigin(slot, p.node.Id.Hi, p.node.Id.Lo, seq)

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs cos.Errs
	for subHandle, ch := range p.channels {
		p.pool.Acquire(slot)
		evicted, err := ch.Enqueue(psq.Entry{SlotIndex: slot.Index, Seq: seq})
		if err != nil {
			p.pool.Release(slot) // our speculative Acquire never made it into the channel
			nlog.Warnf("publisher: subscriber %v: %v", subHandle, err)
			errs.Add(err)
			continue
		}
		if evicted != nil {
			p.pool.Release(pool.Slot{Index: evicted.SlotIndex})
		}
	}

	p.pushHistory(histEntry{slot: slot, seq: seq})
	p.pool.Release(slot) // drop the publisher's own loan reference

	if cnt, err := errs.JoinErr(); cnt > 0 {
		return err
	}
	return nil
}

func (p *Publisher) pushHistory(e histEntry) {
	limit := int(p.service.Static.HistorySize)
	if limit == 0 {
		return
	}
	p.pool.Acquire(e.slot)
	p.history = append(p.history, e)
	if len(p.history) > limit {
		evicted := p.history[0]
		p.history = p.history[1:]
		p.pool.Release(evicted.slot)
	}
}

// UpdateConnections discovers subscribers that registered on the service
// since the last call and opens a channel to each, seeding it with the
// publisher's current history (spec §4.H: "update_connections is the
// only place new peers are discovered; send and receive never scan the
// arena themselves").
func (p *Publisher) UpdateConnections() error {
	subs := p.service.Dynamic.List(svc.KindSubscriber)

	p.mu.Lock()
	defer p.mu.Unlock()

	live := make(map[svc.PortHandle]bool, len(subs))
	for _, info := range subs {
		live[info.Handle] = true
		if _, ok := p.channels[info.Handle]; ok {
			continue
		}
		ch, err := openOrCreateChannel(p.service.Name, p.handle, info.Handle, p.service.Static, p.service.Config())
		if err != nil {
			return err
		}
		for _, e := range p.history {
			p.pool.Acquire(e.slot)
			if _, err := ch.Enqueue(psq.Entry{SlotIndex: e.slot.Index, Seq: e.seq}); err != nil {
				p.pool.Release(e.slot)
			}
		}
		p.channels[info.Handle] = ch
	}
	for h, ch := range p.channels {
		if !live[h] {
			ch.Close()
			delete(p.channels, h)
		}
	}
	return nil
}

func openOrCreateChannel(serviceName string, pub, sub svc.PortHandle, sc svc.StaticConfig, cfg ncr.Config) (*psq.Channel, error) {
	ccfg := channelConfig(cfg)
	path := ncr.Resolve(channelName(serviceName, pub, sub), ccfg)
	capacity := sc.HistorySize + 8
	if capacity == 0 {
		capacity = 8
	}

	ch, err := psq.Open(path, capacity, sc.HistorySize)
	if err == nil {
		return ch, nil
	}
	if !cos.IsErrDoesNotExist(err) {
		return nil, err
	}
	ch, err = psq.Create(path, capacity, sc.HistorySize, sc.Overflow)
	if err == nil {
		return ch, nil
	}
	if cos.IsErrAlreadyExists(err) {
		return psq.Open(path, capacity, sc.HistorySize)
	}
	return nil, err
}

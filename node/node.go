// Package node implements Node & Service Orchestration (spec §4.G): the
// process-level handle applications hold, the open-or-create protocol
// that lets two racing processes agree on a single service instance, and
// the dead-peer cleanup sweep that reclaims ports left behind by a node
// that exited without a chance to unregister them.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/zerocopy-ipc/shmipc/cmn/cos"
	"github.com/zerocopy-ipc/shmipc/cmn/mono"
	"github.com/zerocopy-ipc/shmipc/cmn/nlog"
	"github.com/zerocopy-ipc/shmipc/mon"
	"github.com/zerocopy-ipc/shmipc/ncr"
	"github.com/zerocopy-ipc/shmipc/svc"
)

// Id is a process-unique, machine-unique node identity (spec §4.G:
// "UniqueNodeId"), used both as the liveness-token name and as the
// owner tag stamped into every port a node registers.
type Id struct {
	Hi, Lo uint64
}

func NewId() Id {
	return Id{Hi: cos.NewMachineID(), Lo: cos.NewMachineID()}
}

func (id Id) String() string { return fmt.Sprintf("%016x%016x", id.Hi, id.Lo) }

func livenessConfig(cfg ncr.Config) ncr.Config {
	return ncr.Config{PathHint: cfg.PathHint, Prefix: "shmipc_node_", Suffix: ".alive"}
}

// Node is the handle an application process holds for its entire
// lifetime: it owns exactly one liveness token (so any other process can
// tell, via mon, whether this node is still running) and tracks every
// port it has registered across every service it has joined, so Close
// can unregister all of them deterministically rather than relying
// purely on a future stranger's stale-resource sweep.
type Node struct {
	Id        Id
	displayId string // short, human-friendly label for log lines only
	cfg       ncr.Config
	startedAt int64 // mono.NanoTime at New

	token *mon.Token

	mu    sync.Mutex
	ports map[*Service][]svc.PortHandle
}

// New creates a node and publishes its liveness token under cfg's
// path_hint. cfg is also the default registry used for any service this
// node opens or creates unless a different one is supplied explicitly.
func New(cfg ncr.Config) (*Node, error) {
	id := NewId()
	tok, err := mon.Create(id.String(), livenessConfig(cfg))
	if err != nil {
		return nil, cos.NewErrInternal("node.New", err)
	}
	displayId := cos.GenDisplayID()
	n := &Node{Id: id, displayId: displayId, cfg: cfg, startedAt: mono.NanoTime(), token: tok, ports: make(map[*Service][]svc.PortHandle)}
	nlog.Infof("node[%s] %s: started", displayId, id)
	return n, nil
}

// Uptime reports how long this node has held its liveness token.
func (n *Node) Uptime() time.Duration { return mono.Since(n.startedAt) }

// trackPort records that this node owns h on s, so Close can unregister
// it even if the caller never does so explicitly.
func (n *Node) trackPort(s *Service, h svc.PortHandle) {
	n.mu.Lock()
	n.ports[s] = append(n.ports[s], h)
	n.mu.Unlock()
}

func (n *Node) untrackPort(s *Service, h svc.PortHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.ports[s]
	for i, have := range list {
		if have == h {
			n.ports[s] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Close unregisters every port this node owns on every service it
// touched, then releases and removes its own liveness token. It is the
// graceful-shutdown path; a process that crashes instead relies entirely
// on mon's kernel-enforced liveness semantics plus another node's later
// RemoveStaleResources sweep (spec's crash-safety guarantee does not
// depend on Close ever running).
func (n *Node) Close() error {
	n.mu.Lock()
	ports := n.ports
	n.ports = nil
	n.mu.Unlock()

	var errs cos.Errs
	for s, handles := range ports {
		for _, h := range handles {
			if err := s.Dynamic.Unregister(h); err != nil && !cos.IsErrDoesNotExist(err) {
				errs.Add(err)
			}
		}
	}

	if err := n.token.Close(); err != nil {
		errs.Add(err)
	}
	if _, err := n.token.Remove(); err != nil {
		errs.Add(err)
	}

	if cnt, err := errs.JoinErr(); cnt > 0 {
		return err
	}
	nlog.Infof("node[%s] %s: closed", n.displayId, n.Id)
	return nil
}

// Join registers a port of kind on s for this node and remembers it for
// Close.
func (n *Node) Join(s *Service, kind svc.PortKind) (svc.PortHandle, error) {
	var limit uint32
	var what string
	switch kind {
	case svc.KindPublisher:
		limit, what = s.Static.MaxPublishers, "Publishers"
	case svc.KindSubscriber:
		limit, what = s.Static.MaxSubscribers, "Subscribers"
	}
	if limit > 0 && uint32(len(s.Dynamic.List(kind))) >= limit {
		return svc.PortHandle{}, cos.NewErrExceedsMax(what, int(limit))
	}
	h, err := s.Dynamic.Register(kind, n.Id.Hi, n.Id.Lo)
	if err != nil {
		return svc.PortHandle{}, err
	}
	n.trackPort(s, h)
	return h, nil
}

// Leave unregisters a single port ahead of Close, e.g. when an
// application drops one publisher but keeps the node running.
func (n *Node) Leave(s *Service, h svc.PortHandle) error {
	if err := s.Dynamic.Unregister(h); err != nil {
		return err
	}
	n.untrackPort(s, h)
	return nil
}

// WaitAlive blocks until the node's own token is observably Alive to an
// independent Monitor, or the deadline passes. Primarily a test helper
// for cross-process scenarios where a second process must not proceed
// until it can see the first.
func WaitAlive(id Id, cfg ncr.Config, timeout time.Duration) bool {
	m := mon.Open(id.String(), livenessConfig(cfg))
	defer m.Close()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if state, err := m.State(); err == nil && state == mon.Alive {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

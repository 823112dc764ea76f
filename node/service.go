package node

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zerocopy-ipc/shmipc/cmn/cos"
	"github.com/zerocopy-ipc/shmipc/cmn/nlog"
	"github.com/zerocopy-ipc/shmipc/hk"
	"github.com/zerocopy-ipc/shmipc/mon"
	"github.com/zerocopy-ipc/shmipc/ncr"
	"github.com/zerocopy-ipc/shmipc/svc"
)

// Service is a process's handle onto one named service instance: its
// agreed-upon StaticConfig plus an attached DynamicConfig arena of live
// ports.
type Service struct {
	Name    string
	Static  svc.StaticConfig
	Dynamic *svc.DynamicConfig

	cfg       ncr.Config
	capacity  uint32
	arenaPath string
}

func creationLockConfig(cfg ncr.Config) ncr.Config {
	return ncr.Config{PathHint: cfg.PathHint, Prefix: "shmipc_creating_", Suffix: ".lock"}
}

func arenaConfig(cfg ncr.Config) ncr.Config {
	return ncr.Config{PathHint: cfg.PathHint, Prefix: "shmipc_arena_", Suffix: ".shm"}
}

// capacityPerKind takes the largest of a StaticConfig's per-role maximums as the one
// dynamic-arena table size shared uniformly by all four port kinds -
// simple and slightly wasteful, but keeps the arena layout kind-agnostic
// (spec §4.D makes no capacity distinction between kinds at the storage
// layer, only at the API layer via StaticConfig's separate maximums).
func capacityPerKind(sc svc.StaticConfig) uint32 {
	n := sc.MaxPublishers
	if sc.MaxSubscribers > n {
		n = sc.MaxSubscribers
	}
	if sc.MaxNodes > n {
		n = sc.MaxNodes
	}
	return n
}

// OpenOrCreate resolves the race between two processes independently
// deciding to stand up the same service name for the first time (spec
// §4.G: "open-or-create is atomic with respect to other openers and
// creators"). It does so with a short-lived named creation lock: whoever
// wins the lock either creates the service (if no static config exists
// yet) or simply discovers one already there; everyone else waits for
// the static config to appear and then attaches to it.
func OpenOrCreate(name string, want svc.StaticConfig, cfg ncr.Config) (*Service, error) {
	lockCfg := creationLockConfig(cfg)
	lockName := name

	tok, err := mon.Create(lockName, lockCfg)
	if err == nil {
		defer func() {
			tok.Close()
			tok.Remove()
		}()
		return createOrAttach(name, want, cfg)
	}
	if !cos.IsErrAlreadyExists(err) {
		return nil, cos.NewErrInternal("node.OpenOrCreate", err)
	}

	// Someone else holds the creation lock; wait for them to publish the
	// static config, then attach to whatever they created.
	deadline := time.Now().Add(5 * time.Second)
	for {
		sc, err := svc.OpenStaticConfig(name, cfg)
		if err == nil {
			return attach(name, sc, want, cfg)
		}
		if !cos.IsErrDoesNotExist(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, cos.NewErrInternal("node.OpenOrCreate", errCreationLockTimeout(name))
		}
		time.Sleep(time.Millisecond)
	}
}

func errCreationLockTimeout(name string) error {
	return cos.NewErrDoesNotExist("service %q: creation lock held too long", name)
}

func createOrAttach(name string, want svc.StaticConfig, cfg ncr.Config) (*Service, error) {
	existing, err := svc.OpenStaticConfig(name, cfg)
	switch {
	case err == nil:
		return attach(name, existing, want, cfg)
	case cos.IsErrDoesNotExist(err):
		if perr := svc.PublishStaticConfig(name, cfg, want); perr != nil {
			return nil, perr
		}
		arenaCfg := arenaConfig(cfg)
		arenaPath := ncr.Resolve(name, arenaCfg)
		dc, derr := svc.CreateDynamicConfig(arenaPath, want.ServiceId, capacityPerKind(want))
		if derr != nil {
			return nil, derr
		}
		nlog.Infof("service %q: created", name)
		return &Service{Name: name, Static: want, Dynamic: dc, cfg: cfg, capacity: capacityPerKind(want), arenaPath: arenaPath}, nil
	default:
		return nil, err
	}
}

func attach(name string, existing, want svc.StaticConfig, cfg ncr.Config) (*Service, error) {
	if existing != want {
		return nil, &cos.ErrIncompatibleServiceConfig{Fields: []string{"static_config"}}
	}
	arenaCfg := arenaConfig(cfg)
	arenaPath := ncr.Resolve(name, arenaCfg)
	dc, err := svc.OpenDynamicConfig(arenaPath, existing.ServiceId, capacityPerKind(existing))
	if err != nil {
		return nil, err
	}
	nlog.Infof("service %q: attached", name)
	return &Service{Name: name, Static: existing, Dynamic: dc, cfg: cfg, capacity: capacityPerKind(existing), arenaPath: arenaPath}, nil
}

// Config exposes the registry configuration this service was
// opened/created with, for port-layer code that must derive further
// artifact names (pools, channels) in the same namespace.
func (s *Service) Config() ncr.Config { return s.cfg }

// Close detaches from the service's dynamic-config arena without
// touching any port registered on it - callers remove their own ports
// via Node.Leave/Node.Close first if they want a clean departure.
func (s *Service) Close() error { return s.Dynamic.Close() }

// RemoveStaleResources sweeps every port kind's table and unregisters
// any port whose owning node is observably Dead, reclaiming slots a
// crashed process never got a chance to release itself (spec §4.G:
// "remove_stale_resources ... safe to call concurrently from multiple
// observers, and idempotent"). The four kinds are independent tables, so
// they are swept concurrently via errgroup.
func (s *Service) RemoveStaleResources() (removed int, err error) {
	var (
		errs   cos.Errs
		count  atomic.Int64
		eg, _  = errgroup.WithContext(context.Background())
	)
	for kind := svc.PortKind(0); kind < 4; kind++ {
		kind := kind
		eg.Go(func() error {
			n, kerr := s.sweepKind(kind)
			count.Add(int64(n))
			if kerr != nil {
				errs.Add(kerr)
			}
			return nil
		})
	}
	_ = eg.Wait()
	removed = int(count.Load())
	if cnt, jerr := errs.JoinErr(); cnt > 0 {
		return removed, jerr
	}
	return removed, nil
}

func (s *Service) sweepKind(kind svc.PortKind) (removed int, err error) {
	var errs cos.Errs
	for _, info := range s.Dynamic.List(kind) {
		id := Id{Hi: info.NodeIdHi, Lo: info.NodeIdLo}
		m := mon.Open(id.String(), livenessConfig(s.cfg))
		state, serr := m.State()
		m.Close()
		if serr != nil {
			errs.Add(serr)
			continue
		}
		if state != mon.Dead && state != mon.DoesNotExist {
			continue
		}
		if uerr := s.Dynamic.Unregister(info.Handle); uerr != nil {
			if !cos.IsErrDoesNotExist(uerr) {
				errs.Add(uerr)
			}
			continue
		}
		removed++
	}
	if cnt, jerr := errs.JoinErr(); cnt > 0 {
		return removed, jerr
	}
	return removed, nil
}

// ScheduleCleanup registers a recurring CleanupAll pass against the
// default housekeeper, so a process hosting many services doesn't need
// its own sweep timer. Call the returned func to cancel it.
func ScheduleCleanup(services []*Service, every time.Duration) (cancel func()) {
	name := "node.cleanup." + cos.FormatUint(uint64(time.Now().UnixNano()))
	hk.DefaultHK.Reg(name, func() time.Duration {
		if removed, err := CleanupAll(services); err != nil {
			nlog.Warnf("node: scheduled cleanup: %v", err)
		} else if removed > 0 {
			nlog.Infof("node: scheduled cleanup reclaimed %d stale port(s)", removed)
		}
		return every
	}, every)
	return func() { hk.DefaultHK.Unreg(name) }
}

// CleanupAll runs RemoveStaleResources across many services concurrently
// - the fan-out a housekeeping timer (hk) would drive periodically
// across every service a process happens to be hosting.
func CleanupAll(services []*Service) (removed int, err error) {
	var (
		errs  cos.Errs
		count atomic.Int64
	)
	eg, _ := errgroup.WithContext(context.Background())
	for _, service := range services {
		service := service
		eg.Go(func() error {
			n, serr := service.RemoveStaleResources()
			count.Add(int64(n))
			if serr != nil {
				errs.Add(serr)
			}
			return nil
		})
	}
	_ = eg.Wait()
	removed = int(count.Load())
	if cnt, jerr := errs.JoinErr(); cnt > 0 {
		return removed, jerr
	}
	return removed, nil
}

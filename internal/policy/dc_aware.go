package policy

import (
	"fmt"
	"sync/atomic"

	"github.com/devrev/pairdb/queryrouter/internal/model"
	"go.uber.org/zap"
)

// dcClassifier computes datacenter-aware distances against a snapshot.
// An empty localDC classifies every host as LOCAL.
type dcClassifier struct {
	localDC              string
	usedHostsPerRemoteDC int
}

func (c dcClassifier) distance(snap *model.Snapshot, host *model.Host) model.Distance {
	if c.localDC == "" || host.Datacenter == c.localDC {
		return model.DistanceLocal
	}
	if c.usedHostsPerRemoteDC <= 0 {
		return model.DistanceIgnored
	}
	// Only the first live hosts of a remote datacenter are used, so the
	// selection stays stable while those hosts stay up
	for i, h := range snap.LiveInDatacenter(host.Datacenter) {
		if i >= c.usedHostsPerRemoteDC {
			break
		}
		if h.Address == host.Address {
			return model.DistanceRemote
		}
	}
	return model.DistanceIgnored
}

// local returns the live LOCAL hosts in first-seen order
func (c dcClassifier) local(snap *model.Snapshot) []*model.Host {
	if c.localDC == "" {
		return snap.Live()
	}
	return snap.LiveInDatacenter(c.localDC)
}

// remote returns the live REMOTE hosts, datacenters in first-seen order and
// each capped at usedHostsPerRemoteDC
func (c dcClassifier) remote(snap *model.Snapshot) []*model.Host {
	if c.localDC == "" || c.usedHostsPerRemoteDC <= 0 {
		return nil
	}
	var hosts []*model.Host
	for _, dc := range snap.Datacenters() {
		if dc == c.localDC {
			continue
		}
		live := snap.LiveInDatacenter(dc)
		hosts = append(hosts, live[:min(len(live), c.usedHostsPerRemoteDC)]...)
	}
	return hosts
}

// DCAwareRoundRobinPolicy prefers hosts of the local datacenter, rotating
// over them, then falls back to a bounded number of hosts per remote
// datacenter. Local and remote hosts rotate on independent counters.
//
// When no local datacenter is configured, the Init hint is used, then the
// datacenter of the first known host, then that of the first host reported
// up. It is resolved once.
type DCAwareRoundRobinPolicy struct {
	localDC              atomic.Pointer[string]
	usedHostsPerRemoteDC int
	hosts                model.HostSource

	localCounter  atomic.Uint64
	remoteCounter atomic.Uint64

	logger *zap.Logger
}

// NewDCAwareRoundRobinPolicy creates a datacenter-aware policy. localDC may be
// empty to discover it at Init.
func NewDCAwareRoundRobinPolicy(localDC string, usedHostsPerRemoteDC int, logger *zap.Logger) *DCAwareRoundRobinPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if usedHostsPerRemoteDC < 0 {
		usedHostsPerRemoteDC = 0
	}
	p := &DCAwareRoundRobinPolicy{
		usedHostsPerRemoteDC: usedHostsPerRemoteDC,
		logger:               logger,
	}
	if localDC != "" {
		p.localDC.Store(&localDC)
	}
	return p
}

func (p *DCAwareRoundRobinPolicy) Name() string { return "DCAwareRoundRobin" }

// LocalDC returns the resolved local datacenter, empty until known
func (p *DCAwareRoundRobinPolicy) LocalDC() string {
	if dc := p.localDC.Load(); dc != nil {
		return *dc
	}
	return ""
}

func (p *DCAwareRoundRobinPolicy) Init(hosts model.HostSource, localDCHint string) error {
	if hosts == nil {
		return fmt.Errorf("%s: host source is required", p.Name())
	}
	p.hosts = hosts

	switch {
	case localDCHint != "":
		p.resolveLocalDC(localDCHint, "hint")
	default:
		for _, h := range hosts.AllHosts().Hosts() {
			if h.Datacenter != "" {
				p.resolveLocalDC(h.Datacenter, "first known host")
				break
			}
		}
	}
	return nil
}

// resolveLocalDC sets the local datacenter unless it is already known
func (p *DCAwareRoundRobinPolicy) resolveLocalDC(dc, source string) {
	if dc == "" {
		return
	}
	if p.localDC.CompareAndSwap(nil, &dc) {
		p.logger.Info("Resolved local datacenter",
			zap.String("policy", p.Name()),
			zap.String("datacenter", dc),
			zap.String("source", source))
	}
}

func (p *DCAwareRoundRobinPolicy) classifier() dcClassifier {
	return dcClassifier{localDC: p.LocalDC(), usedHostsPerRemoteDC: p.usedHostsPerRemoteDC}
}

func (p *DCAwareRoundRobinPolicy) Distance(host *model.Host) model.Distance {
	snap := model.EmptySnapshot()
	if p.hosts != nil {
		snap = p.hosts.AllHosts()
	}
	return p.distanceIn(snap, host)
}

func (p *DCAwareRoundRobinPolicy) distanceIn(snap *model.Snapshot, host *model.Host) model.Distance {
	return p.classifier().distance(snap, host)
}

// NewQueryPlan yields the live local hosts in rotation, then the remote ones.
// The remote part is only computed if the local hosts are exhausted.
func (p *DCAwareRoundRobinPolicy) NewQueryPlan(string, []byte) QueryPlan {
	if p.hosts == nil {
		return EmptyPlan()
	}
	snap := p.hosts.AllHosts()
	c := p.classifier()

	var local QueryPlan = EmptyPlan()
	if hosts := c.local(snap); len(hosts) > 0 {
		local = newRotatedPlan(hosts, p.localCounter.Add(1)-1)
	}
	if c.usedHostsPerRemoteDC == 0 || c.localDC == "" {
		return local
	}

	remote := &deferredPlan{build: func() QueryPlan {
		hosts := c.remote(snap)
		if len(hosts) == 0 {
			return EmptyPlan()
		}
		return newRotatedPlan(hosts, p.remoteCounter.Add(1)-1)
	}}
	return &chainPlan{plans: []QueryPlan{local, remote}}
}

func (p *DCAwareRoundRobinPolicy) OnAdd(host *model.Host) { p.OnUp(host) }

// OnUp settles the local datacenter if nothing else did
func (p *DCAwareRoundRobinPolicy) OnUp(host *model.Host) {
	if p.localDC.Load() == nil {
		p.resolveLocalDC(host.Datacenter, "first host up")
	}
}

func (p *DCAwareRoundRobinPolicy) OnDown(*model.Host)   {}
func (p *DCAwareRoundRobinPolicy) OnRemove(*model.Host) {}

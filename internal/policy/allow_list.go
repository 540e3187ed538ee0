package policy

import (
	"sync/atomic"

	"github.com/devrev/pairdb/queryrouter/internal/model"
)

// AllowListPolicy restricts a child policy to a fixed set of addresses.
//
// The child is initialized with a view of the cluster that only contains
// allowed hosts, so its rotation is spread over those hosts alone. Other
// hosts are IGNORED and never reach the child's hooks.
type AllowListPolicy struct {
	child   Policy
	allowed map[string]struct{}
	view    *allowedHosts
}

// NewAllowListPolicy wraps child. The address list is copied.
func NewAllowListPolicy(child Policy, addrs []string) *AllowListPolicy {
	allowed := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		allowed[a] = struct{}{}
	}
	return &AllowListPolicy{child: child, allowed: allowed}
}

func (p *AllowListPolicy) Name() string { return "AllowList(" + p.child.Name() + ")" }

// Child returns the wrapped policy
func (p *AllowListPolicy) Child() Policy { return p.child }

// Allowed reports whether addr is on the allow-list
func (p *AllowListPolicy) Allowed(addr string) bool {
	_, ok := p.allowed[addr]
	return ok
}

func (p *AllowListPolicy) Init(hosts model.HostSource, localDCHint string) error {
	p.view = &allowedHosts{source: hosts, allowed: p.Allowed}
	return p.child.Init(p.view, localDCHint)
}

func (p *AllowListPolicy) Distance(host *model.Host) model.Distance {
	if !p.Allowed(host.Address) {
		return model.DistanceIgnored
	}
	return p.child.Distance(host)
}

// distanceIn hands the child the allowed part of snap, which is the view it
// was initialized with
func (p *AllowListPolicy) distanceIn(snap *model.Snapshot, host *model.Host) model.Distance {
	if !p.Allowed(host.Address) {
		return model.DistanceIgnored
	}
	if p.view == nil {
		return p.child.Distance(host)
	}
	return distanceIn(p.child, p.view.filter(snap), host)
}

// NewQueryPlan filters the child's plan to allowed hosts, keeping its order
func (p *AllowListPolicy) NewQueryPlan(keyspace string, routingKey []byte) QueryPlan {
	return &filterPlan{
		source: p.child.NewQueryPlan(keyspace, routingKey),
		keep:   func(h *model.Host) bool { return p.Allowed(h.Address) },
	}
}

func (p *AllowListPolicy) OnAdd(host *model.Host) {
	if p.Allowed(host.Address) {
		p.child.OnAdd(host)
	}
}

func (p *AllowListPolicy) OnUp(host *model.Host) {
	if p.Allowed(host.Address) {
		p.child.OnUp(host)
	}
}

func (p *AllowListPolicy) OnDown(host *model.Host) {
	if p.Allowed(host.Address) {
		p.child.OnDown(host)
	}
}

func (p *AllowListPolicy) OnRemove(host *model.Host) {
	if p.Allowed(host.Address) {
		p.child.OnRemove(host)
	}
}

// allowedHosts is a host source restricted to allowed addresses. The
// filtered snapshot is cached per source snapshot.
type allowedHosts struct {
	source  model.HostSource
	allowed func(string) bool
	cache   atomic.Pointer[filteredSnapshot]
}

type filteredSnapshot struct {
	from *model.Snapshot
	view *model.Snapshot
}

func (a *allowedHosts) AllHosts() *model.Snapshot {
	return a.filter(a.source.AllHosts())
}

func (a *allowedHosts) filter(snap *model.Snapshot) *model.Snapshot {
	if c := a.cache.Load(); c != nil && c.from == snap {
		return c.view
	}

	hosts := make([]*model.Host, 0, snap.Len())
	for _, h := range snap.Hosts() {
		if a.allowed(h.Address) {
			hosts = append(hosts, h)
		}
	}
	view := model.NewSnapshot(snap.Version(), hosts)
	a.cache.Store(&filteredSnapshot{from: snap, view: view})
	return view
}

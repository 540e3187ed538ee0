package policy

import (
	"sync/atomic"

	"github.com/devrev/pairdb/queryrouter/internal/model"
	"github.com/devrev/pairdb/queryrouter/internal/ring"
)

// RingSource exposes the published token ring. ring.Metadata implements it.
type RingSource interface {
	Partitioner() ring.Partitioner
	TokenRing() *ring.TokenRing
}

// TokenAwarePolicy puts the replicas of a query's routing key first.
//
// Live replicas are ordered by the child's distance (local, then remote;
// ignored replicas are dropped) and rotated within each group. The child's
// own plan follows with the replicas already yielded skipped. Queries
// without a keyspace or routing key, and keys whose token has no replicas
// on the current ring, use the child's plan unchanged.
type TokenAwarePolicy struct {
	child   Policy
	ring    RingSource
	hosts   model.HostSource
	counter atomic.Uint64
}

// NewTokenAwarePolicy wraps child. source must not be a typed nil.
func NewTokenAwarePolicy(child Policy, source RingSource) *TokenAwarePolicy {
	return &TokenAwarePolicy{child: child, ring: source}
}

func (p *TokenAwarePolicy) Name() string { return "TokenAware(" + p.child.Name() + ")" }

// Child returns the wrapped policy
func (p *TokenAwarePolicy) Child() Policy { return p.child }

// Init fails with ErrNoPartitioner when there is no ring to route with
func (p *TokenAwarePolicy) Init(hosts model.HostSource, localDCHint string) error {
	if p.ring == nil || p.ring.Partitioner() == nil {
		return ErrNoPartitioner
	}
	p.hosts = hosts
	return p.child.Init(hosts, localDCHint)
}

func (p *TokenAwarePolicy) Distance(host *model.Host) model.Distance {
	return p.child.Distance(host)
}

func (p *TokenAwarePolicy) distanceIn(snap *model.Snapshot, host *model.Host) model.Distance {
	return distanceIn(p.child, snap, host)
}

func (p *TokenAwarePolicy) NewQueryPlan(keyspace string, routingKey []byte) QueryPlan {
	if keyspace == "" || len(routingKey) == 0 || p.hosts == nil {
		return p.child.NewQueryPlan(keyspace, routingKey)
	}
	// One ring and one snapshot serve the whole call
	r := p.ring.TokenRing()
	if r == nil {
		return p.child.NewQueryPlan(keyspace, routingKey)
	}
	replicas := r.ReplicasForKey(keyspace, routingKey)
	if len(replicas) == 0 {
		return p.child.NewQueryPlan(keyspace, routingKey)
	}

	snap := p.hosts.AllHosts()
	var local, remote []*model.Host
	for _, addr := range replicas {
		h, ok := snap.Get(addr)
		if !ok || !h.IsLive() {
			continue
		}
		switch distanceIn(p.child, snap, h) {
		case model.DistanceLocal:
			local = append(local, h)
		case model.DistanceRemote:
			remote = append(remote, h)
		}
	}
	if len(local)+len(remote) == 0 {
		return p.child.NewQueryPlan(keyspace, routingKey)
	}

	yielded := make(map[string]struct{}, len(local)+len(remote))
	for _, h := range local {
		yielded[h.Address] = struct{}{}
	}
	for _, h := range remote {
		yielded[h.Address] = struct{}{}
	}

	start := p.counter.Add(1) - 1
	return &chainPlan{plans: []QueryPlan{
		newRotatedPlan(local, start),
		newRotatedPlan(remote, start),
		&filterPlan{
			source: &deferredPlan{build: func() QueryPlan {
				return p.child.NewQueryPlan(keyspace, routingKey)
			}},
			keep: func(h *model.Host) bool {
				_, seen := yielded[h.Address]
				return !seen
			},
		},
	}}
}

func (p *TokenAwarePolicy) OnAdd(host *model.Host)    { p.child.OnAdd(host) }
func (p *TokenAwarePolicy) OnUp(host *model.Host)     { p.child.OnUp(host) }
func (p *TokenAwarePolicy) OnDown(host *model.Host)   { p.child.OnDown(host) }
func (p *TokenAwarePolicy) OnRemove(host *model.Host) { p.child.OnRemove(host) }

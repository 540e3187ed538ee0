package policy

import (
	"sync/atomic"

	"github.com/devrev/pairdb/queryrouter/internal/model"
)

// RoundRobinPolicy rotates over every live host, ignoring datacenters
type RoundRobinPolicy struct {
	hosts   model.HostSource
	counter atomic.Uint64
}

// NewRoundRobinPolicy creates a round-robin policy
func NewRoundRobinPolicy() *RoundRobinPolicy {
	return &RoundRobinPolicy{}
}

func (p *RoundRobinPolicy) Name() string { return "RoundRobin" }

func (p *RoundRobinPolicy) Init(hosts model.HostSource, _ string) error {
	p.hosts = hosts
	return nil
}

// Distance is LOCAL for every host
func (p *RoundRobinPolicy) Distance(*model.Host) model.Distance {
	return model.DistanceLocal
}

// NewQueryPlan yields every live host once, starting one position further
// than the previous plan
func (p *RoundRobinPolicy) NewQueryPlan(string, []byte) QueryPlan {
	if p.hosts == nil {
		return EmptyPlan()
	}
	live := p.hosts.AllHosts().Live()
	if len(live) == 0 {
		return EmptyPlan()
	}
	return newRotatedPlan(live, p.counter.Add(1)-1)
}

// Topology hooks are no-ops: every plan reads the current snapshot.

func (p *RoundRobinPolicy) OnAdd(host *model.Host) { p.OnUp(host) }
func (p *RoundRobinPolicy) OnUp(*model.Host)       {}
func (p *RoundRobinPolicy) OnDown(*model.Host)     {}
func (p *RoundRobinPolicy) OnRemove(*model.Host)   {}

package policy

import "github.com/devrev/pairdb/queryrouter/internal/model"

// QueryPlan is a lazy, single-pass sequence of candidate hosts.
//
// Next returns nil once the plan is exhausted. A plan is not safe for
// concurrent use and cannot be restarted; abandoning it early has no side
// effects.
type QueryPlan interface {
	Next() *model.Host
}

type emptyPlan struct{}

func (emptyPlan) Next() *model.Host { return nil }

// EmptyPlan returns a plan with no candidates
func EmptyPlan() QueryPlan { return emptyPlan{} }

// Drain consumes up to limit hosts from p. A limit <= 0 drains everything.
func Drain(p QueryPlan, limit int) []*model.Host {
	var hosts []*model.Host
	for limit <= 0 || len(hosts) < limit {
		h := p.Next()
		if h == nil {
			break
		}
		hosts = append(hosts, h)
	}
	return hosts
}

// rotatedPlan yields every host once, starting at offset start
type rotatedPlan struct {
	hosts []*model.Host
	start int
	i     int
}

func newRotatedPlan(hosts []*model.Host, counter uint64) *rotatedPlan {
	p := &rotatedPlan{hosts: hosts}
	if len(hosts) > 0 {
		p.start = int(counter % uint64(len(hosts)))
	}
	return p
}

func (p *rotatedPlan) Next() *model.Host {
	if p.i >= len(p.hosts) {
		return nil
	}
	h := p.hosts[(p.start+p.i)%len(p.hosts)]
	p.i++
	return h
}

// chainPlan yields each plan in turn
type chainPlan struct {
	plans []QueryPlan
}

func (p *chainPlan) Next() *model.Host {
	for len(p.plans) > 0 {
		if h := p.plans[0].Next(); h != nil {
			return h
		}
		p.plans = p.plans[1:]
	}
	return nil
}

// deferredPlan builds its underlying plan on the first call to Next, so work
// for hosts that are never consulted is never done
type deferredPlan struct {
	build func() QueryPlan
	plan  QueryPlan
}

func (p *deferredPlan) Next() *model.Host {
	if p.plan == nil {
		p.plan = p.build()
		p.build = nil
	}
	return p.plan.Next()
}

// filterPlan skips hosts rejected by keep
type filterPlan struct {
	source QueryPlan
	keep   func(*model.Host) bool
}

func (p *filterPlan) Next() *model.Host {
	for {
		h := p.source.Next()
		if h == nil || p.keep(h) {
			return h
		}
	}
}

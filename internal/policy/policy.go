// Package policy implements the routing policies that turn the current
// cluster view into an ordered query plan.
//
// Policies are long-lived and shared by every query. Their only mutable
// state is a set of atomic rotation counters and, for the datacenter-aware
// policy, the resolved local datacenter, so NewQueryPlan never takes a lock.
// Wrapping policies (token-aware, allow-list) delegate to a child policy
// explicitly.
package policy

import (
	"errors"

	"github.com/devrev/pairdb/queryrouter/internal/model"
)

// ErrNoPartitioner is returned by Init when token-aware routing is configured
// without a partitioner or token metadata to route with
var ErrNoPartitioner = errors.New("token-aware routing requires a partitioner")

// Policy decides which hosts a query may use and in which order
type Policy interface {
	// Name identifies the policy in logs and metrics
	Name() string
	// Init binds the policy to its host source. It is called once, before
	// any other method.
	Init(hosts model.HostSource, localDCHint string) error
	// Distance classifies a host against the current cluster view
	Distance(host *model.Host) model.Distance
	// NewQueryPlan returns the candidate hosts for one query. routingKey may
	// be nil when the statement carries no partition key.
	NewQueryPlan(keyspace string, routingKey []byte) QueryPlan

	OnAdd(host *model.Host)
	OnUp(host *model.Host)
	OnDown(host *model.Host)
	OnRemove(host *model.Host)
}

// snapshotDistancer is implemented by policies whose distance depends on the
// cluster view, so that a wrapper can classify against the snapshot it is
// already working from
type snapshotDistancer interface {
	distanceIn(snap *model.Snapshot, host *model.Host) model.Distance
}

// distanceIn classifies host with p against snap, or against p's own view
// when p does not depend on one
func distanceIn(p Policy, snap *model.Snapshot, host *model.Host) model.Distance {
	if d, ok := p.(snapshotDistancer); ok {
		return d.distanceIn(snap, host)
	}
	return p.Distance(host)
}

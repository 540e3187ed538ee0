// Package registry holds the authoritative set of known hosts.
//
// The host set is copy-on-write: every accepted mutation builds a new
// model.Snapshot and publishes it with a single atomic store. Readers load
// the current snapshot without locking; writers serialize on a mutex and
// never block readers.
//
// Accepted changes are delivered to subscribed listeners asynchronously.
// Events for the same host arrive in the order they were applied; events for
// different hosts may interleave.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/queryrouter/internal/metrics"
	"github.com/devrev/pairdb/queryrouter/internal/model"
	"github.com/devrev/pairdb/queryrouter/internal/workerpool"
	"go.uber.org/zap"
)

// Listener receives topology changes. Policies and the token ring metadata
// implement it.
type Listener interface {
	OnAdd(host *model.Host)
	OnUp(host *model.Host)
	OnDown(host *model.Host)
	OnRemove(host *model.Host)
}

// Outcomes reported for every event handed to Apply
const (
	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
	OutcomeStale   = "stale"
	OutcomeUnknown = "unknown"
)

// Config holds registry configuration
type Config struct {
	EventWorkers   int
	EventQueueSize int
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Registry is the thread-safe set of known hosts
type Registry struct {
	snapshot atomic.Pointer[model.Snapshot]
	// mu serializes writers; readers never take it
	mu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []Listener

	dispatcher *workerpool.Pool
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// New creates an empty registry
func New(cfg *Config) *Registry {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		dispatcher: workerpool.New("registry-events", cfg.EventWorkers, cfg.EventQueueSize, logger),
		logger:     logger,
		metrics:    cfg.Metrics,
	}
	r.snapshot.Store(model.EmptySnapshot())
	return r
}

// AllHosts returns the current snapshot
func (r *Registry) AllHosts() *model.Snapshot {
	return r.snapshot.Load()
}

// Subscribe registers a listener for subsequent events
func (r *Registry) Subscribe(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Add registers a host, or refreshes the metadata of a known one
func (r *Registry) Add(host model.Host) bool {
	return r.Apply(model.HostEvent{Type: model.EventAdd, Host: host})
}

// Remove forgets a host. Removing an unknown host is a no-op.
func (r *Registry) Remove(addr string) bool {
	return r.Apply(model.HostEvent{Type: model.EventRemove, Host: model.Host{Address: addr}})
}

// MarkUp marks a known host as up
func (r *Registry) MarkUp(addr string) bool {
	return r.Apply(model.HostEvent{Type: model.EventUp, Host: model.Host{Address: addr}})
}

// MarkDown marks a known host as down. Repeating it is a no-op.
func (r *Registry) MarkDown(addr string) bool {
	return r.Apply(model.HostEvent{Type: model.EventDown, Host: model.Host{Address: addr}})
}

// Apply applies a topology event and reports whether it changed the registry.
// Duplicate, stale and unknown-host events are absorbed.
func (r *Registry) Apply(ev model.HostEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot.Load()
	next, changed, outcome := transition(cur, ev)
	r.metrics.RecordTopologyEvent(ev.Type, outcome)

	if !changed {
		if outcome != OutcomeNoop {
			r.logger.Debug("Ignoring topology event",
				zap.String("type", string(ev.Type)),
				zap.String("address", ev.Host.Address),
				zap.Uint64("generation", ev.Host.Generation),
				zap.String("reason", outcome))
		}
		return false
	}

	snap := buildSnapshot(cur, next, cur.Version()+1)
	r.snapshot.Store(snap)
	r.metrics.SetHostCounts(snap.CountByState())

	r.logger.Info("Topology changed",
		zap.String("type", string(ev.Type)),
		zap.String("address", next.Address),
		zap.String("datacenter", next.Datacenter),
		zap.String("state", string(next.State)),
		zap.Uint64("version", snap.Version()))

	// Enqueued under mu so per-host delivery order matches apply order
	r.dispatch(ev.Type, next)
	return true
}

// transition computes the host that results from ev. The returned host is a
// fresh value; published hosts are never mutated.
func transition(cur *model.Snapshot, ev model.HostEvent) (*model.Host, bool, string) {
	existing, known := cur.Get(ev.Host.Address)

	if known && ev.Host.Generation != 0 && ev.Host.Generation < existing.Generation {
		return nil, false, OutcomeStale
	}

	switch ev.Type {
	case model.EventAdd:
		next := ev.Host.Clone()
		if !known {
			next.State = model.HostStateAdded
			return next, true, OutcomeApplied
		}
		if next.Generation < existing.Generation {
			next.Generation = existing.Generation
		}
		restarted := next.Generation > existing.Generation
		if existing.IsLive() && !restarted && existing.SameMetadata(next) {
			return nil, false, OutcomeNoop
		}
		// A metadata refresh keeps an up host up; a restart or a revived
		// down host starts over as added.
		if existing.State == model.HostStateUp && !restarted {
			next.State = model.HostStateUp
		} else {
			next.State = model.HostStateAdded
		}
		return next, true, OutcomeApplied

	case model.EventUp, model.EventDown:
		if !known {
			return nil, false, OutcomeUnknown
		}
		target := model.HostStateUp
		if ev.Type == model.EventDown {
			target = model.HostStateDown
		}
		if existing.State == target && ev.Host.Generation <= existing.Generation {
			return nil, false, OutcomeNoop
		}
		next := existing.Clone()
		next.State = target
		if ev.Host.Generation > next.Generation {
			next.Generation = ev.Host.Generation
		}
		return next, true, OutcomeApplied

	case model.EventRemove:
		if !known {
			return nil, false, OutcomeUnknown
		}
		next := existing.Clone()
		next.State = model.HostStateRemoved
		return next, true, OutcomeApplied

	default:
		return nil, false, OutcomeUnknown
	}
}

// buildSnapshot copies cur with next applied. Hosts keep their first-seen
// position; removed hosts drop out.
func buildSnapshot(cur *model.Snapshot, next *model.Host, version uint64) *model.Snapshot {
	hosts := make([]*model.Host, 0, cur.Len()+1)
	replaced := false
	for _, h := range cur.Hosts() {
		if h.Address != next.Address {
			hosts = append(hosts, h)
			continue
		}
		replaced = true
		if next.State != model.HostStateRemoved {
			hosts = append(hosts, next)
		}
	}
	if !replaced && next.State != model.HostStateRemoved {
		hosts = append(hosts, next)
	}
	return model.NewSnapshot(version, hosts)
}

func (r *Registry) dispatch(eventType model.EventType, host *model.Host) {
	err := r.dispatcher.Go(context.Background(), host.Address, func() {
		r.notify(eventType, host)
	})
	if err != nil {
		r.logger.Warn("Dropping topology event for listeners",
			zap.String("type", string(eventType)),
			zap.String("address", host.Address),
			zap.Error(err))
	}
}

func (r *Registry) notify(eventType model.EventType, host *model.Host) {
	r.listenersMu.RLock()
	listeners := r.listeners
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		switch eventType {
		case model.EventAdd:
			l.OnAdd(host)
		case model.EventUp:
			l.OnUp(host)
		case model.EventDown:
			l.OnDown(host)
		case model.EventRemove:
			l.OnRemove(host)
		}
	}
}

// Flush waits until every event accepted so far has reached the listeners
func (r *Registry) Flush(ctx context.Context) error {
	return r.dispatcher.Wait(ctx)
}

// Close delivers pending events and stops dispatching
func (r *Registry) Close() error {
	return r.dispatcher.Close(5 * time.Second)
}

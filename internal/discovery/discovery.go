// Package discovery keeps the host registry in line with the cluster
// metadata store. A Poller lists the storage nodes on a fixed interval and
// turns the difference with what it saw last time into registry events.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/queryrouter/internal/config"
	"github.com/devrev/pairdb/queryrouter/internal/model"
	"go.uber.org/zap"
)

// Node statuses as stored in the metadata store
const (
	StatusActive   = "active"
	StatusDraining = "draining"
	StatusDown     = "down"
	StatusInactive = "inactive"
)

// Node is one storage node row of the metadata store
type Node struct {
	Address    string   `json:"address"`
	Datacenter string   `json:"datacenter"`
	Rack       string   `json:"rack,omitempty"`
	Tokens     []string `json:"tokens,omitempty"`
	Status     string   `json:"status"`
}

// Host returns the registry view of the node
func (n Node) Host() model.Host {
	return model.Host{
		Address:    n.Address,
		Datacenter: n.Datacenter,
		Rack:       n.Rack,
		Tokens:     n.Tokens,
	}
}

// Routable reports whether queries may be sent to the node
func (n Node) Routable() bool { return n.Status == StatusActive }

// Store lists the storage nodes of the cluster. Inactive nodes are not
// returned.
type Store interface {
	ListNodes(ctx context.Context) ([]Node, error)
	Close()
}

// NewStore connects to the configured metadata store backend
func NewStore(ctx context.Context, cfg config.DiscoveryConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case config.DiscoveryPostgres:
		return NewPostgresStore(ctx, cfg.Postgres, logger)
	case config.DiscoveryRedis:
		return NewRedisStore(ctx, cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unknown discovery backend %q", cfg.Backend)
	}
}

// Registry is what the poller reads and updates. *registry.Registry
// implements it.
type Registry interface {
	model.HostSource
	Apply(ev model.HostEvent) bool
}

// Poller periodically reconciles the registry with a Store
type Poller struct {
	store    Store
	registry Registry
	interval time.Duration
	logger   *zap.Logger

	mu sync.Mutex
	// known holds the addresses whose Add this poller applied. Hosts that
	// were already registered with the same metadata are never removed.
	known map[string]struct{}
}

// NewPoller creates a poller. Nothing is listed until Refresh or Run.
func NewPoller(store Store, reg Registry, interval time.Duration, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:    store,
		registry: reg,
		interval: interval,
		logger:   logger,
		known:    make(map[string]struct{}),
	}
}

// Run refreshes immediately and then on every tick until ctx is done.
// Failed refreshes are logged and leave the registry untouched.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Refresh(ctx); err != nil {
		p.logger.Error("Failed initial node discovery", zap.Error(err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Error("Failed to refresh nodes", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Refresh lists the nodes once and applies the changes. Nodes that
// disappeared since the previous refresh are removed, but only if this
// poller registered them.
func (p *Poller) Refresh(ctx context.Context) error {
	nodes, err := p.store.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list storage nodes: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.registry.AllHosts()
	seen := make(map[string]struct{}, len(nodes))
	owned := make(map[string]struct{}, len(p.known))
	changed := 0
	for _, node := range nodes {
		if node.Address == "" {
			p.logger.Warn("Skipping storage node without address", zap.String("datacenter", node.Datacenter))
			continue
		}
		if _, dup := seen[node.Address]; dup {
			p.logger.Warn("Skipping duplicate storage node", zap.String("address", node.Address))
			continue
		}
		seen[node.Address] = struct{}{}

		// Re-adding a down host would revive it, so only new or moved
		// hosts are added
		host := node.Host()
		if existing, ok := snap.Get(node.Address); !ok || !existing.SameMetadata(&host) {
			if p.registry.Apply(model.HostEvent{Type: model.EventAdd, Host: host}) {
				owned[node.Address] = struct{}{}
				changed++
			}
		}
		if _, ok := p.known[node.Address]; ok {
			owned[node.Address] = struct{}{}
		}
		state := model.EventDown
		if node.Routable() {
			state = model.EventUp
		}
		if p.registry.Apply(model.HostEvent{Type: state, Host: model.Host{Address: node.Address}}) {
			changed++
		}
	}

	for addr := range p.known {
		if _, ok := seen[addr]; ok {
			continue
		}
		if p.registry.Apply(model.HostEvent{Type: model.EventRemove, Host: model.Host{Address: addr}}) {
			changed++
		}
	}
	p.known = owned

	if changed > 0 {
		p.logger.Info("Storage nodes refreshed",
			zap.Int("nodes", len(seen)),
			zap.Int("changes", changed))
	}
	return nil
}

// Close releases the store
func (p *Poller) Close() {
	p.store.Close()
}

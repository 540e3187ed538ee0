package router

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairdb/queryrouter/internal/config"
	"github.com/devrev/pairdb/queryrouter/internal/metrics"
	"github.com/devrev/pairdb/queryrouter/internal/policy"
	"github.com/devrev/pairdb/queryrouter/internal/registry"
	"github.com/devrev/pairdb/queryrouter/internal/ring"
	"github.com/devrev/pairdb/queryrouter/internal/topology"
	"go.uber.org/zap"
)

// BuildPolicy composes the configured policy. The allow-list wraps the base
// policy and token awareness wraps everything, so replicas are ordered by
// the allow-listed child's distances.
func BuildPolicy(cfg config.PolicyConfig, meta *ring.Metadata, logger *zap.Logger) (policy.Policy, error) {
	var p policy.Policy
	switch cfg.Type {
	case config.PolicyRoundRobin:
		p = policy.NewRoundRobinPolicy()
	case config.PolicyDCAware:
		p = policy.NewDCAwareRoundRobinPolicy(cfg.LocalDatacenter, cfg.UsedHostsPerRemoteDC, logger)
	default:
		return nil, fmt.Errorf("unknown policy type %q", cfg.Type)
	}

	if len(cfg.AllowList) > 0 {
		p = policy.NewAllowListPolicy(p, cfg.AllowList)
	}

	if cfg.TokenAware {
		// A nil *ring.Metadata must reach the policy as a nil interface
		var source policy.RingSource
		if meta != nil {
			source = meta
		}
		p = policy.NewTokenAwarePolicy(p, source)
	}
	return p, nil
}

// FromConfig builds a router with its registry and token metadata, and
// seeds it from the configured topology file
func FromConfig(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var partitioner ring.Partitioner
	if cfg.Ring.Partitioner != "" {
		p, err := ring.PartitionerByName(cfg.Ring.Partitioner)
		if err != nil {
			return nil, err
		}
		partitioner = p
	}

	reg := registry.New(&registry.Config{
		EventWorkers:   cfg.Registry.EventWorkers,
		EventQueueSize: cfg.Registry.EventQueueSize,
		Logger:         logger.Named("registry"),
		Metrics:        m,
	})

	meta := ring.NewMetadata(reg, &ring.Config{
		Partitioner:  partitioner,
		VirtualNodes: cfg.Ring.VirtualNodes,
		Logger:       logger.Named("ring"),
		Metrics:      m,
	})

	pol, err := BuildPolicy(cfg.Policy, meta, logger.Named("policy"))
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	r, err := New(Options{
		Registry:    reg,
		Metadata:    meta,
		Policy:      pol,
		LocalDCHint: cfg.Gossip.Datacenter,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	if cfg.Topology.File != "" {
		f, err := topology.Load(cfg.Topology.File)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		if err := r.ApplyTopology(f); err != nil {
			_ = r.Close()
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Flush(ctx); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("failed to settle static topology: %w", err)
		}
	}

	return r, nil
}

// Package router wires the host registry, token metadata and routing policy
// together and hands out query plans to the execution layer.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/devrev/pairdb/queryrouter/internal/metrics"
	"github.com/devrev/pairdb/queryrouter/internal/model"
	"github.com/devrev/pairdb/queryrouter/internal/policy"
	"github.com/devrev/pairdb/queryrouter/internal/registry"
	"github.com/devrev/pairdb/queryrouter/internal/ring"
	"github.com/devrev/pairdb/queryrouter/internal/topology"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options holds the collaborators of a Router
type Options struct {
	Registry *registry.Registry
	// Metadata may be nil when no policy routes by token
	Metadata    *ring.Metadata
	Policy      policy.Policy
	LocalDCHint string
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Router is the entry point of the execution layer
type Router struct {
	registry *registry.Registry
	metadata *ring.Metadata
	policy   policy.Policy
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New initializes the policy and subscribes it, after the token metadata,
// to registry events
func New(opts Options) (*Router, error) {
	if opts.Registry == nil {
		return nil, errors.New("router: registry is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("router: policy is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := opts.Policy.Init(opts.Registry, opts.LocalDCHint); err != nil {
		return nil, fmt.Errorf("failed to initialize policy %s: %w", opts.Policy.Name(), err)
	}

	// The ring is rebuilt before the policy hears about the same event
	if opts.Metadata != nil {
		opts.Registry.Subscribe(opts.Metadata)
	}
	opts.Registry.Subscribe(opts.Policy)

	logger.Info("Router initialized",
		zap.String("policy", opts.Policy.Name()),
		zap.Int("hosts", opts.Registry.AllHosts().Len()))

	return &Router{
		registry: opts.Registry,
		metadata: opts.Metadata,
		policy:   opts.Policy,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// Registry returns the host registry
func (r *Router) Registry() *registry.Registry { return r.registry }

// Metadata returns the token metadata, nil when not configured
func (r *Router) Metadata() *ring.Metadata { return r.metadata }

// Policy returns the routing policy
func (r *Router) Policy() policy.Policy { return r.policy }

// Ready reports whether at least one host can be routed to
func (r *Router) Ready() bool {
	return len(r.registry.AllHosts().Live()) > 0
}

// QueryPlan returns the candidate hosts for one query
func (r *Router) QueryPlan(keyspace string, routingKey []byte) policy.QueryPlan {
	routing := "unkeyed"
	if keyspace != "" && len(routingKey) > 0 {
		routing = "keyed"
	}
	name := r.policy.Name()
	r.metrics.RecordPlan(name, routing)
	return &instrumentedPlan{
		plan:    r.policy.NewQueryPlan(keyspace, routingKey),
		name:    name,
		metrics: r.metrics,
	}
}

type instrumentedPlan struct {
	plan    policy.QueryPlan
	name    string
	metrics *metrics.Metrics
	yielded int
}

func (p *instrumentedPlan) Next() *model.Host {
	h := p.plan.Next()
	if h == nil {
		if p.yielded == 0 {
			p.metrics.RecordEmptyPlan(p.name)
			// Count an empty plan once
			p.yielded = -1
		}
		return nil
	}
	p.yielded++
	p.metrics.RecordHostYielded(p.name)
	return h
}

// AttemptFunc sends a query to one host
type AttemptFunc func(ctx context.Context, host *model.Host) error

// NoHostAvailableError is returned by Execute when the plan runs out of
// hosts. It carries the error of every host that was tried.
type NoHostAvailableError struct {
	Keyspace  string
	Attempted []string
	errs      error
}

func (e *NoHostAvailableError) Error() string {
	if len(e.Attempted) == 0 {
		return "no host available: query plan is empty"
	}
	return fmt.Sprintf("no host available: tried %d hosts: %v", len(e.Attempted), e.errs)
}

// Unwrap exposes the per-host errors to errors.Is and errors.As
func (e *NoHostAvailableError) Unwrap() []error {
	return multierr.Errors(e.errs)
}

// Execute walks a fresh plan and calls attempt on each host until one
// succeeds. Every host is tried at most once; retry policy stays with the
// caller. It returns the host that served the query.
func (r *Router) Execute(ctx context.Context, keyspace string, routingKey []byte, attempt AttemptFunc) (*model.Host, error) {
	plan := r.QueryPlan(keyspace, routingKey)
	noHost := &NoHostAvailableError{Keyspace: keyspace}

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("query aborted after %d attempts: %w", len(noHost.Attempted), err)
		}
		h := plan.Next()
		if h == nil {
			return nil, noHost
		}

		noHost.Attempted = append(noHost.Attempted, h.Address)
		err := attempt(ctx, h)
		r.metrics.RecordAttempt(err == nil)
		if err == nil {
			return h, nil
		}

		r.logger.Debug("Host attempt failed",
			zap.String("address", h.Address),
			zap.String("keyspace", keyspace),
			zap.Error(err))
		noHost.errs = multierr.Append(noHost.errs, fmt.Errorf("%s: %w", h.Address, err))
	}
}

// ApplyTopology registers the keyspaces and hosts of a static topology
func (r *Router) ApplyTopology(f *topology.File) error {
	for _, ks := range f.Keyspaces {
		meta, err := ks.Metadata()
		if err != nil {
			return err
		}
		if r.metadata == nil {
			r.logger.Warn("Ignoring keyspace without token metadata", zap.String("keyspace", ks.Name))
			continue
		}
		if err := r.metadata.SetKeyspace(meta); err != nil {
			return fmt.Errorf("failed to register keyspace %s: %w", ks.Name, err)
		}
	}

	for _, spec := range f.Hosts {
		r.registry.Add(spec.Host())
		if spec.Down() {
			r.registry.MarkDown(spec.Address)
		} else {
			r.registry.MarkUp(spec.Address)
		}
	}

	r.logger.Info("Applied static topology",
		zap.Int("hosts", len(f.Hosts)),
		zap.Int("keyspaces", len(f.Keyspaces)))
	return nil
}

// Flush waits until listeners have seen every applied topology change
func (r *Router) Flush(ctx context.Context) error {
	return r.registry.Flush(ctx)
}

// Close stops event dispatch
func (r *Router) Close() error {
	return r.registry.Close()
}

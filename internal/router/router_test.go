package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/devrev/pairdb/queryrouter/internal/config"
	"github.com/devrev/pairdb/queryrouter/internal/metrics"
	"github.com/devrev/pairdb/queryrouter/internal/model"
	"github.com/devrev/pairdb/queryrouter/internal/policy"
	"github.com/devrev/pairdb/queryrouter/internal/registry"
	"github.com/devrev/pairdb/queryrouter/internal/ring"
	"github.com/devrev/pairdb/queryrouter/internal/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	reg     *registry.Registry
	meta    *ring.Metadata
	router  *Router
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, build func(meta *ring.Metadata) policy.Policy) *fixture {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	reg := registry.New(&registry.Config{Logger: zap.NewNop(), Metrics: m})
	meta := ring.NewMetadata(reg, &ring.Config{Partitioner: ring.Murmur3Partitioner{}, VirtualNodes: 16, Metrics: m})

	r, err := New(Options{Registry: reg, Metadata: meta, Policy: build(meta), Logger: zap.NewNop(), Metrics: m})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return &fixture{reg: reg, meta: meta, router: r, metrics: m}
}

func (f *fixture) addHost(t *testing.T, addr, dc string) {
	t.Helper()
	f.reg.Add(model.Host{Address: addr, Datacenter: dc})
	f.reg.MarkUp(addr)
	f.flush(t)
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, f.router.Flush(context.Background()))
}

// query runs n successful queries and counts the host that served each
func (f *fixture) query(t *testing.T, n int, keyspace string, key []byte) map[string]int {
	t.Helper()
	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		h, err := f.router.Execute(context.Background(), keyspace, key, func(context.Context, *model.Host) error {
			return nil
		})
		require.NoError(t, err)
		counts[h.Address]++
	}
	return counts
}

func TestRouter_DCAwareEndToEnd(t *testing.T) {
	f := newFixture(t, func(*ring.Metadata) policy.Policy {
		return policy.NewDCAwareRoundRobinPolicy("dc1", 0, nil)
	})
	f.addHost(t, "10.0.1.1:9042", "dc1")
	f.addHost(t, "10.0.1.2:9042", "dc1")
	f.addHost(t, "10.0.2.1:9042", "dc2")
	f.addHost(t, "10.0.2.2:9042", "dc2")

	assert.Equal(t, map[string]int{"10.0.1.1:9042": 6, "10.0.1.2:9042": 6}, f.query(t, 12, "", nil))

	f.reg.Remove("10.0.1.1:9042")
	f.flush(t)
	for i := 0; i < 12; i++ {
		assert.Equal(t, "10.0.1.2:9042", f.router.QueryPlan("", nil).Next().Address)
	}
}

func TestRouter_RoundRobinFollowsMembership(t *testing.T) {
	f := newFixture(t, func(*ring.Metadata) policy.Policy { return policy.NewRoundRobinPolicy() })
	f.addHost(t, "n1", "dc1")
	f.addHost(t, "n2", "dc1")
	assert.Equal(t, map[string]int{"n1": 6, "n2": 6}, f.query(t, 12, "", nil))

	f.addHost(t, "n3", "dc1")
	assert.Equal(t, map[string]int{"n1": 4, "n2": 4, "n3": 4}, f.query(t, 12, "", nil))

	f.reg.Remove("n1")
	f.flush(t)
	assert.Equal(t, map[string]int{"n2": 6, "n3": 6}, f.query(t, 12, "", nil))
}

func TestRouter_AllowListEmptiesAfterRemoval(t *testing.T) {
	f := newFixture(t, func(*ring.Metadata) policy.Policy {
		return policy.NewAllowListPolicy(policy.NewRoundRobinPolicy(), []string{"n2"})
	})
	f.addHost(t, "n1", "dc1")
	f.addHost(t, "n2", "dc1")
	f.addHost(t, "n3", "dc1")
	assert.Equal(t, map[string]int{"n2": 12}, f.query(t, 12, "", nil))

	f.reg.Remove("n2")
	f.flush(t)

	_, err := f.router.Execute(context.Background(), "", nil, func(context.Context, *model.Host) error { return nil })
	var noHost *NoHostAvailableError
	require.ErrorAs(t, err, &noHost)
	assert.Empty(t, noHost.Attempted)
	assert.Equal(t, "no host available: query plan is empty", err.Error())
}

func TestRouter_TokenAwareFollowsOwner(t *testing.T) {
	f := newFixture(t, func(meta *ring.Metadata) policy.Policy {
		return policy.NewTokenAwarePolicy(policy.NewRoundRobinPolicy(), meta)
	})
	require.NoError(t, f.meta.SetKeyspace(ring.KeyspaceMetadata{Name: "ks", Strategy: ring.SimpleStrategy{ReplicationFactor: 1}}))
	f.addHost(t, "n1", "dc1")
	f.addHost(t, "n2", "dc1")
	f.addHost(t, "n3", "dc1")

	key := []byte("user:1")
	owner := f.meta.TokenRing().ReplicasForKey("ks", key)[0]
	assert.Equal(t, map[string]int{owner: 12}, f.query(t, 12, "ks", key))

	f.reg.Remove(owner)
	f.flush(t)
	newOwner := f.meta.TokenRing().ReplicasForKey("ks", key)[0]
	require.NotEqual(t, owner, newOwner)
	assert.Equal(t, map[string]int{newOwner: 12}, f.query(t, 12, "ks", key))
}

func TestRouter_ExecuteTriesEachHostOnce(t *testing.T) {
	f := newFixture(t, func(*ring.Metadata) policy.Policy { return policy.NewRoundRobinPolicy() })
	f.addHost(t, "n1", "dc1")
	f.addHost(t, "n2", "dc1")
	f.addHost(t, "n3", "dc1")

	errTimeout := errors.New("timeout")
	var mu sync.Mutex
	var tried []string
	h, err := f.router.Execute(context.Background(), "", nil, func(_ context.Context, h *model.Host) error {
		mu.Lock()
		defer mu.Unlock()
		tried = append(tried, h.Address)
		if len(tried) < 3 {
			return errTimeout
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, tried[2], h.Address)
	assert.Len(t, tried, 3)

	tried = nil
	_, err = f.router.Execute(context.Background(), "", nil, func(_ context.Context, h *model.Host) error {
		tried = append(tried, h.Address)
		return fmt.Errorf("attempt %d: %w", len(tried), errTimeout)
	})
	var noHost *NoHostAvailableError
	require.ErrorAs(t, err, &noHost)
	assert.ElementsMatch(t, []string{"n1", "n2", "n3"}, noHost.Attempted)
	assert.Len(t, noHost.Unwrap(), 3)
	assert.ErrorIs(t, err, errTimeout)
	assert.Contains(t, err.Error(), "tried 3 hosts")

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ExecuteAttemptsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(5), testutil.ToFloat64(f.metrics.ExecuteAttemptsTotal.WithLabelValues("failure")))
}

func TestRouter_ExecuteStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, func(*ring.Metadata) policy.Policy { return policy.NewRoundRobinPolicy() })
	f.addHost(t, "n1", "dc1")
	f.addHost(t, "n2", "dc1")

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	_, err := f.router.Execute(ctx, "", nil, func(context.Context, *model.Host) error {
		attempts++
		cancel()
		return errors.New("unavailable")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRouter_PlanMetrics(t *testing.T) {
	f := newFixture(t, func(*ring.Metadata) policy.Policy { return policy.NewRoundRobinPolicy() })

	assert.Nil(t, f.router.QueryPlan("", nil).Next())
	assert.False(t, f.router.Ready())

	f.addHost(t, "n1", "dc1")
	f.addHost(t, "n2", "dc1")
	assert.True(t, f.router.Ready())
	plan := f.router.QueryPlan("ks", []byte("k"))
	assert.Len(t, policy.Drain(plan, 0), 2)
	assert.Nil(t, plan.Next())

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PlansTotal.WithLabelValues("RoundRobin", "unkeyed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PlansTotal.WithLabelValues("RoundRobin", "keyed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EmptyPlansTotal.WithLabelValues("RoundRobin")))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.PlanHostsYielded.WithLabelValues("RoundRobin")))
}

func TestNew_Validation(t *testing.T) {
	reg := registry.New(nil)
	t.Cleanup(func() { _ = reg.Close() })

	_, err := New(Options{Policy: policy.NewRoundRobinPolicy()})
	assert.Error(t, err)

	_, err = New(Options{Registry: reg})
	assert.Error(t, err)

	_, err = New(Options{Registry: reg, Policy: policy.NewTokenAwarePolicy(policy.NewRoundRobinPolicy(), nil)})
	assert.ErrorIs(t, err, policy.ErrNoPartitioner)
}

func TestBuildPolicy(t *testing.T) {
	reg := registry.New(nil)
	t.Cleanup(func() { _ = reg.Close() })
	meta := ring.NewMetadata(reg, &ring.Config{Partitioner: ring.Murmur3Partitioner{}})

	tests := []struct {
		name     string
		cfg      config.PolicyConfig
		meta     *ring.Metadata
		expected string
		wantErr  bool
	}{
		{name: "round robin", cfg: config.PolicyConfig{Type: config.PolicyRoundRobin}, expected: "RoundRobin"},
		{name: "dc aware", cfg: config.PolicyConfig{Type: config.PolicyDCAware, LocalDatacenter: "dc1"}, expected: "DCAwareRoundRobin"},
		{
			name:     "token aware",
			cfg:      config.PolicyConfig{Type: config.PolicyDCAware, TokenAware: true},
			meta:     meta,
			expected: "TokenAware(DCAwareRoundRobin)",
		},
		{
			name:     "full stack",
			cfg:      config.PolicyConfig{Type: config.PolicyRoundRobin, TokenAware: true, AllowList: []string{"n1"}},
			meta:     meta,
			expected: "TokenAware(AllowList(RoundRobin))",
		},
		{name: "unknown", cfg: config.PolicyConfig{Type: "latency"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := BuildPolicy(tt.cfg, tt.meta, zap.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, p.Name())
		})
	}

	// Token awareness without metadata fails at Init rather than panicking
	p, err := BuildPolicy(config.PolicyConfig{Type: config.PolicyRoundRobin, TokenAware: true}, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Init(reg, ""), policy.ErrNoPartitioner)
}

func TestFromConfig_WithTopologyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hosts:
  - {address: "10.0.1.1:9042", datacenter: dc1}
  - {address: "10.0.1.2:9042", datacenter: dc1, state: down}
  - {address: "10.0.2.1:9042", datacenter: dc2}
keyspaces:
  - {name: ks, class: NetworkTopologyStrategy, datacenters: {dc1: 2, dc2: 1}}
`), 0o600))

	cfg := &config.Config{
		Policy:   config.PolicyConfig{Type: config.PolicyDCAware, LocalDatacenter: "dc1", UsedHostsPerRemoteDC: 1, TokenAware: true},
		Ring:     config.RingConfig{Partitioner: "murmur3", VirtualNodes: 8},
		Registry: config.RegistryConfig{EventWorkers: 2, EventQueueSize: 64},
		Topology: config.TopologyConfig{File: path},
	}
	r, err := FromConfig(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	snap := r.Registry().AllHosts()
	require.Equal(t, 3, snap.Len())
	down, _ := snap.Get("10.0.1.2:9042")
	assert.Equal(t, model.HostStateDown, down.State)
	up, _ := snap.Get("10.0.1.1:9042")
	assert.Equal(t, model.HostStateUp, up.State)

	require.NotNil(t, r.Metadata().TokenRing())
	assert.True(t, r.Metadata().TokenRing().HasKeyspace("ks"))
	assert.Equal(t, 24, r.Metadata().TokenRing().Len())

	plan := model.Addresses(policy.Drain(r.QueryPlan("ks", []byte("k")), 0))
	assert.Equal(t, []string{"10.0.1.1:9042", "10.0.2.1:9042"}, plan)
}

func TestFromConfig_Errors(t *testing.T) {
	base := func() *config.Config {
		return &config.Config{
			Policy:   config.PolicyConfig{Type: config.PolicyRoundRobin, TokenAware: true},
			Ring:     config.RingConfig{Partitioner: "murmur3", VirtualNodes: 8},
			Registry: config.RegistryConfig{EventWorkers: 1, EventQueueSize: 8},
		}
	}

	cfg := base()
	cfg.Ring.Partitioner = "ordered"
	_, err := FromConfig(cfg, nil, nil)
	assert.ErrorIs(t, err, ring.ErrUnknownPartitioner)

	cfg = base()
	cfg.Ring.Partitioner = ""
	_, err = FromConfig(cfg, nil, nil)
	assert.ErrorIs(t, err, policy.ErrNoPartitioner)

	cfg = base()
	cfg.Topology.File = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = FromConfig(cfg, nil, nil)
	assert.Error(t, err)
}

func TestApplyTopology_WithoutMetadataSkipsKeyspaces(t *testing.T) {
	reg := registry.New(nil)
	r, err := New(Options{Registry: reg, Policy: policy.NewRoundRobinPolicy()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	f, err := topology.Parse([]byte("hosts:\n  - address: n1\n    datacenter: dc1\nkeyspaces:\n  - name: ks\n    replication_factor: 1\n"))
	require.NoError(t, err)
	require.NoError(t, r.ApplyTopology(f))
	assert.Nil(t, r.Metadata())
	assert.Equal(t, 1, r.Registry().AllHosts().Len())
}

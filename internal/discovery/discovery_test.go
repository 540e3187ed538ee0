package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/queryrouter/internal/config"
	"github.com/devrev/pairdb/queryrouter/internal/model"
	"github.com/devrev/pairdb/queryrouter/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu     sync.Mutex
	nodes  []Node
	err    error
	calls  int
	closed bool
}

func (f *fakeStore) set(nodes ...Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = nodes
	f.err = nil
}

func (f *fakeStore) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeStore) ListNodes(context.Context) ([]Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]Node(nil), f.nodes...), nil
}

func (f *fakeStore) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(&registry.Config{Logger: zap.NewNop()})
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func state(t *testing.T, reg *registry.Registry, addr string) model.HostState {
	t.Helper()
	h, ok := reg.AllHosts().Get(addr)
	require.True(t, ok, "host %s not registered", addr)
	return h.State
}

func TestPoller_Refresh(t *testing.T) {
	reg := newRegistry(t)
	store := &fakeStore{}
	p := NewPoller(store, reg, time.Minute, nil)

	store.set(
		Node{Address: "10.0.1.1:9042", Datacenter: "dc1", Rack: "r1", Tokens: []string{"10"}, Status: StatusActive},
		Node{Address: "10.0.1.2:9042", Datacenter: "dc1", Status: StatusDraining},
		Node{Address: "10.0.2.1:9042", Datacenter: "dc2", Status: StatusActive},
	)
	require.NoError(t, p.Refresh(context.Background()))

	assert.Equal(t, []string{"10.0.1.1:9042", "10.0.1.2:9042", "10.0.2.1:9042"}, model.Addresses(reg.AllHosts().Hosts()))
	assert.Equal(t, model.HostStateUp, state(t, reg, "10.0.1.1:9042"))
	assert.Equal(t, model.HostStateDown, state(t, reg, "10.0.1.2:9042"))
	h, _ := reg.AllHosts().Get("10.0.1.1:9042")
	assert.Equal(t, "r1", h.Rack)
	assert.Equal(t, []string{"10"}, h.Tokens)

	// A refresh with nothing new changes nothing
	version := reg.AllHosts().Version()
	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, version, reg.AllHosts().Version())

	// Drained node comes back, dc2 node disappears
	store.set(
		Node{Address: "10.0.1.1:9042", Datacenter: "dc1", Rack: "r1", Tokens: []string{"10"}, Status: StatusActive},
		Node{Address: "10.0.1.2:9042", Datacenter: "dc1", Status: StatusActive},
	)
	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, model.HostStateUp, state(t, reg, "10.0.1.2:9042"))
	_, ok := reg.AllHosts().Get("10.0.2.1:9042")
	assert.False(t, ok)
}

func TestPoller_FailedRefreshKeepsHosts(t *testing.T) {
	reg := newRegistry(t)
	store := &fakeStore{}
	p := NewPoller(store, reg, time.Minute, nil)

	store.set(Node{Address: "10.0.1.1:9042", Datacenter: "dc1", Status: StatusActive})
	require.NoError(t, p.Refresh(context.Background()))

	store.fail(errors.New("connection refused"))
	err := p.Refresh(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, model.HostStateUp, state(t, reg, "10.0.1.1:9042"))
}

func TestPoller_LeavesForeignHostsAlone(t *testing.T) {
	reg := newRegistry(t)
	reg.Add(model.Host{Address: "10.0.9.9:9042", Datacenter: "dc1"})

	store := &fakeStore{}
	p := NewPoller(store, reg, time.Minute, nil)
	store.set(
		Node{Address: "10.0.1.1:9042", Datacenter: "dc1", Status: StatusActive},
		Node{Address: "", Datacenter: "dc1", Status: StatusActive},
		Node{Address: "10.0.1.1:9042", Datacenter: "dc2", Status: StatusDown},
	)
	require.NoError(t, p.Refresh(context.Background()))

	h, _ := reg.AllHosts().Get("10.0.1.1:9042")
	assert.Equal(t, "dc1", h.Datacenter, "first row wins")
	assert.Equal(t, model.HostStateUp, h.State)

	store.set()
	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, []string{"10.0.9.9:9042"}, model.Addresses(reg.AllHosts().Hosts()))
}

func TestPoller_KeepsPreregisteredHosts(t *testing.T) {
	reg := newRegistry(t)
	// Seeded from a topology file with the same placement the store reports
	reg.Add(model.Host{Address: "10.0.1.1:9042", Datacenter: "dc1", Rack: "r1"})

	store := &fakeStore{}
	p := NewPoller(store, reg, time.Minute, nil)
	store.set(
		Node{Address: "10.0.1.1:9042", Datacenter: "dc1", Rack: "r1", Status: StatusActive},
		Node{Address: "10.0.1.2:9042", Datacenter: "dc1", Rack: "r1", Status: StatusActive},
	)
	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, model.HostStateUp, state(t, reg, "10.0.1.1:9042"))

	// Still listed, unchanged: the discovered host stays owned by the poller
	require.NoError(t, p.Refresh(context.Background()))

	store.set()
	require.NoError(t, p.Refresh(context.Background()))
	assert.Equal(t, []string{"10.0.1.1:9042"}, model.Addresses(reg.AllHosts().Hosts()))
}

func TestPoller_Run(t *testing.T) {
	reg := newRegistry(t)
	store := &fakeStore{}
	store.set(Node{Address: "10.0.1.1:9042", Datacenter: "dc1", Status: StatusActive})
	p := NewPoller(store, reg, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return store.callCount() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.HostStateUp, state(t, reg, "10.0.1.1:9042"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}

	p.Close()
	assert.True(t, store.closed)
}

func TestNewStore_UnknownBackend(t *testing.T) {
	_, err := NewStore(context.Background(), config.DiscoveryConfig{Backend: "consul"}, nil)
	assert.ErrorContains(t, err, "consul")
}

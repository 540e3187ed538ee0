package policy

import (
	"sync"

	"github.com/devrev/pairdb/queryrouter/internal/model"
	"github.com/stretchr/testify/mock"
)

// testHosts is a host source tests mutate directly
type testHosts struct {
	mu   sync.Mutex
	snap *model.Snapshot
}

func newTestHosts(hosts ...*model.Host) *testHosts {
	return &testHosts{snap: model.NewSnapshot(1, hosts)}
}

func (s *testHosts) AllHosts() *model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// set replaces the host list
func (s *testHosts) set(hosts ...*model.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = model.NewSnapshot(s.snap.Version()+1, hosts)
}

// setState republishes the snapshot with addr in state
func (s *testHosts) setState(addr string, state model.HostState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := make([]*model.Host, 0, s.snap.Len())
	for _, h := range s.snap.Hosts() {
		if h.Address == addr {
			h = h.Clone()
			h.State = state
		}
		hosts = append(hosts, h)
	}
	s.snap = model.NewSnapshot(s.snap.Version()+1, hosts)
}

// remove republishes the snapshot without addr
func (s *testHosts) remove(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := make([]*model.Host, 0, s.snap.Len())
	for _, h := range s.snap.Hosts() {
		if h.Address != addr {
			hosts = append(hosts, h)
		}
	}
	s.snap = model.NewSnapshot(s.snap.Version()+1, hosts)
}

func upHost(addr, dc string, tokens ...string) *model.Host {
	return &model.Host{Address: addr, Datacenter: dc, State: model.HostStateUp, Tokens: tokens}
}

func addrs(p QueryPlan) []string {
	return model.Addresses(Drain(p, 0))
}

// firstHostCounts generates n plans and counts the first host of each
func firstHostCounts(p Policy, n int, keyspace string, key []byte) map[string]int {
	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		if h := p.NewQueryPlan(keyspace, key).Next(); h != nil {
			counts[h.Address]++
		}
	}
	return counts
}

// sliceSource is a fixed plan handed out by mocks
type sliceSource struct {
	hosts []*model.Host
}

func (s *sliceSource) Next() *model.Host {
	if len(s.hosts) == 0 {
		return nil
	}
	h := s.hosts[0]
	s.hosts = s.hosts[1:]
	return h
}

// MockPolicy is a mock implementation of Policy
type MockPolicy struct {
	mock.Mock
}

func (m *MockPolicy) Name() string { return "Mock" }

func (m *MockPolicy) Init(hosts model.HostSource, localDCHint string) error {
	args := m.Called(hosts, localDCHint)
	return args.Error(0)
}

func (m *MockPolicy) Distance(host *model.Host) model.Distance {
	args := m.Called(host)
	return args.Get(0).(model.Distance)
}

func (m *MockPolicy) NewQueryPlan(keyspace string, routingKey []byte) QueryPlan {
	args := m.Called(keyspace, routingKey)
	return args.Get(0).(QueryPlan)
}

func (m *MockPolicy) OnAdd(host *model.Host)    { m.Called(host) }
func (m *MockPolicy) OnUp(host *model.Host)     { m.Called(host) }
func (m *MockPolicy) OnDown(host *model.Host)   { m.Called(host) }
func (m *MockPolicy) OnRemove(host *model.Host) { m.Called(host) }

package ring

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/queryrouter/internal/metrics"
	"github.com/devrev/pairdb/queryrouter/internal/model"
	"go.uber.org/zap"
)

const defaultVirtualNodes = 16

// Config holds token metadata configuration
type Config struct {
	// Partitioner may be nil, in which case no ring is ever built
	Partitioner  Partitioner
	VirtualNodes int
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Metadata owns the keyspace definitions and the published token ring.
//
// The ring is rebuilt wholesale from the current host snapshot whenever
// membership or keyspaces change, and swapped in with a single atomic store.
// Down hosts stay on the ring since they still own their ranges; removed
// hosts drop off. Metadata implements registry.Listener.
type Metadata struct {
	partitioner Partitioner
	vnodes      int
	hosts       model.HostSource

	// mu serializes rebuilds and guards keyspaces
	mu        sync.Mutex
	keyspaces map[string]KeyspaceMetadata

	ring    atomic.Pointer[TokenRing]
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewMetadata creates token metadata over hosts and builds the initial ring
func NewMetadata(hosts model.HostSource, cfg *Config) *Metadata {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	vnodes := cfg.VirtualNodes
	if vnodes <= 0 {
		vnodes = defaultVirtualNodes
	}

	m := &Metadata{
		partitioner: cfg.Partitioner,
		vnodes:      vnodes,
		hosts:       hosts,
		keyspaces:   make(map[string]KeyspaceMetadata),
		logger:      logger,
		metrics:     cfg.Metrics,
	}
	m.Rebuild()
	return m
}

// Partitioner returns the configured partitioner, nil when none is set
func (m *Metadata) Partitioner() Partitioner { return m.partitioner }

// TokenRing returns the current ring, nil when no partitioner is set
func (m *Metadata) TokenRing() *TokenRing { return m.ring.Load() }

// SetKeyspace creates or replaces a keyspace definition and rebuilds the ring
func (m *Metadata) SetKeyspace(ks KeyspaceMetadata) error {
	if ks.Name == "" {
		return fmt.Errorf("keyspace name is required")
	}
	if ks.Strategy == nil {
		return fmt.Errorf("keyspace %q has no replication strategy", ks.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyspaces[ks.Name] = ks
	m.rebuildLocked()
	return nil
}

// DropKeyspace forgets a keyspace. Dropping an unknown keyspace is a no-op.
func (m *Metadata) DropKeyspace(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keyspaces[name]; !ok {
		return
	}
	delete(m.keyspaces, name)
	m.rebuildLocked()
}

// Keyspaces returns the keyspace definitions sorted by name
func (m *Metadata) Keyspaces() []KeyspaceMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]KeyspaceMetadata, 0, len(m.keyspaces))
	for _, ks := range m.keyspaces {
		out = append(out, ks)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Rebuild recomputes the ring from the current host snapshot
func (m *Metadata) Rebuild() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuildLocked()
}

func (m *Metadata) rebuildLocked() {
	if m.partitioner == nil {
		return
	}
	start := time.Now()
	snap := m.hosts.AllHosts()
	r := buildRing(m.partitioner, snap, m.keyspaces, m.vnodes, m.logger)
	m.ring.Store(r)

	elapsed := time.Since(start)
	m.metrics.RecordRingRebuild(r.Len(), elapsed)
	m.logger.Debug("Token ring rebuilt",
		zap.String("partitioner", m.partitioner.Name()),
		zap.Int("tokens", r.Len()),
		zap.Int("hosts", snap.Len()),
		zap.Int("keyspaces", len(m.keyspaces)),
		zap.Uint64("snapshot_version", snap.Version()),
		zap.Duration("duration", elapsed))
}

// OnAdd rebuilds the ring, covering both joins and token changes
func (m *Metadata) OnAdd(*model.Host) { m.Rebuild() }

// OnUp is a no-op: liveness does not change ownership
func (m *Metadata) OnUp(*model.Host) {}

// OnDown is a no-op: liveness does not change ownership
func (m *Metadata) OnDown(*model.Host) {}

// OnRemove rebuilds the ring without the removed host
func (m *Metadata) OnRemove(*model.Host) { m.Rebuild() }

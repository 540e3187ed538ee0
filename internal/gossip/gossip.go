// Package gossip turns memberlist cluster membership into registry events.
//
// Database nodes advertise their placement in memberlist node metadata. The
// router joins the same gossip cluster with metadata that carries no
// database address, so it never shows up as a routable host itself.
package gossip

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/devrev/pairdb/queryrouter/internal/model"
	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// NodeMeta is the metadata every member advertises
type NodeMeta struct {
	// Address is the database address of the member, empty for routers
	Address    string   `json:"address,omitempty"`
	Datacenter string   `json:"datacenter,omitempty"`
	Rack       string   `json:"rack,omitempty"`
	Tokens     []string `json:"tokens,omitempty"`
	// Generation identifies the member's incarnation, usually its start time
	Generation uint64 `json:"generation,omitempty"`
}

// EventSink receives the translated events. The registry implements it.
type EventSink interface {
	Apply(ev model.HostEvent) bool
}

// Config holds gossip configuration
type Config struct {
	NodeName       string
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	Meta           NodeMeta
}

// Service manages cluster membership through memberlist
type Service struct {
	config     *Config
	memberlist *memberlist.Memberlist
	sink       EventSink
	meta       NodeMeta
	logger     *zap.Logger
}

// New joins the gossip cluster and starts forwarding membership changes
func New(cfg *Config, sink EventSink, logger *zap.Logger) (*Service, error) {
	s := newService(cfg, sink, logger)

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = s.config.NodeName
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.Delegate = s
	mlConfig.Events = &eventDelegate{service: s}
	mlConfig.Logger = zap.NewStdLog(s.logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		n, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			s.logger.Warn("Failed to join some seed nodes",
				zap.Strings("seeds", cfg.SeedNodes),
				zap.Int("joined", n),
				zap.Error(err))
		}
	}

	s.logger.Info("Gossip started",
		zap.String("node_name", s.config.NodeName),
		zap.Int("bind_port", cfg.BindPort),
		zap.Int("members", ml.NumMembers()))
	return s, nil
}

func newService(cfg *Config, sink EventSink, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := *cfg
	if c.NodeName == "" {
		c.NodeName = "queryrouter-" + uuid.NewString()
	}
	meta := c.Meta
	if meta.Address != "" && meta.Generation == 0 {
		meta.Generation = uint64(time.Now().UnixNano())
	}
	return &Service{config: &c, sink: sink, meta: meta, logger: logger}
}

// NodeName returns the name this member gossips under
func (s *Service) NodeName() string { return s.config.NodeName }

// NumMembers returns the number of alive members, including this one
func (s *Service) NumMembers() int {
	if s.memberlist == nil {
		return 0
	}
	return s.memberlist.NumMembers()
}

// Leave announces departure and shuts memberlist down
func (s *Service) Leave(timeout time.Duration) error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Failed to leave gossip cluster cleanly", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate. Tokens are dropped when the
// metadata does not fit; such a member gets virtual tokens on the ring.
func (s *Service) NodeMeta(limit int) []byte {
	data, err := json.Marshal(s.meta)
	if err == nil && len(data) <= limit {
		return data
	}

	trimmed := s.meta
	trimmed.Tokens = nil
	data, err = json.Marshal(trimmed)
	if err != nil || len(data) > limit {
		s.logger.Error("Node metadata does not fit gossip limit", zap.Int("limit", limit))
		return nil
	}
	s.logger.Warn("Dropping tokens from gossip metadata",
		zap.Int("tokens", len(s.meta.Tokens)),
		zap.Int("limit", limit))
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *Service) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate
func (s *Service) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

// decodeMeta returns the member's metadata, or false for members that are
// not database nodes
func (s *Service) decodeMeta(node *memberlist.Node) (NodeMeta, bool) {
	var meta NodeMeta
	if len(node.Meta) == 0 {
		return meta, false
	}
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		s.logger.Warn("Ignoring member with unreadable metadata",
			zap.String("node_name", node.Name),
			zap.Error(err))
		return meta, false
	}
	return meta, meta.Address != ""
}

// handleAlive registers a joined or updated member and marks it up
func (s *Service) handleAlive(node *memberlist.Node) {
	meta, ok := s.decodeMeta(node)
	if !ok {
		return
	}
	host := model.Host{
		Address:    meta.Address,
		Datacenter: meta.Datacenter,
		Rack:       meta.Rack,
		Tokens:     meta.Tokens,
		Generation: meta.Generation,
	}
	s.sink.Apply(model.HostEvent{Type: model.EventAdd, Host: host})
	s.sink.Apply(model.HostEvent{Type: model.EventUp, Host: model.Host{Address: meta.Address, Generation: meta.Generation}})
}

// handleLeave removes members that left on purpose and marks failed ones down
func (s *Service) handleLeave(node *memberlist.Node) {
	meta, ok := s.decodeMeta(node)
	if !ok {
		return
	}
	eventType := model.EventDown
	if node.State == memberlist.StateLeft {
		eventType = model.EventRemove
	}
	s.sink.Apply(model.HostEvent{Type: eventType, Host: model.Host{Address: meta.Address, Generation: meta.Generation}})
}

// eventDelegate handles memberlist events
type eventDelegate struct {
	service *Service
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_name", node.Name),
		zap.String("addr", node.Address()))
	d.service.handleAlive(node)
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_name", node.Name),
		zap.Bool("graceful", node.State == memberlist.StateLeft))
	d.service.handleLeave(node)
}

// NotifyUpdate is called when a node's metadata changes
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_name", node.Name))
	d.service.handleAlive(node)
}

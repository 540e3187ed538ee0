package gossip

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/devrev/pairdb/queryrouter/internal/model"
	"github.com/devrev/pairdb/queryrouter/internal/registry"
	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingSink keeps every event it receives
type recordingSink struct {
	events []model.HostEvent
}

func (r *recordingSink) Apply(ev model.HostEvent) bool {
	r.events = append(r.events, ev)
	return true
}

func node(t *testing.T, name string, meta NodeMeta, state memberlist.NodeStateType) *memberlist.Node {
	t.Helper()
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	return &memberlist.Node{Name: name, Addr: net.ParseIP("10.0.0.1"), Port: 7946, Meta: data, State: state}
}

func TestEventDelegate_TranslatesMembership(t *testing.T) {
	sink := &recordingSink{}
	s := newService(&Config{NodeName: "router-1"}, sink, zap.NewNop())
	d := &eventDelegate{service: s}

	meta := NodeMeta{Address: "10.0.0.1:9042", Datacenter: "dc1", Rack: "r1", Tokens: []string{"42"}, Generation: 7}

	d.NotifyJoin(node(t, "db-1", meta, memberlist.StateAlive))
	require.Len(t, sink.events, 2)
	assert.Equal(t, model.EventAdd, sink.events[0].Type)
	assert.Equal(t, model.Host{Address: "10.0.0.1:9042", Datacenter: "dc1", Rack: "r1", Tokens: []string{"42"}, Generation: 7}, sink.events[0].Host)
	assert.Equal(t, model.EventUp, sink.events[1].Type)
	assert.Equal(t, uint64(7), sink.events[1].Host.Generation)

	d.NotifyUpdate(node(t, "db-1", meta, memberlist.StateAlive))
	require.Len(t, sink.events, 4)
	assert.Equal(t, model.EventAdd, sink.events[2].Type)

	d.NotifyLeave(node(t, "db-1", meta, memberlist.StateDead))
	require.Len(t, sink.events, 5)
	assert.Equal(t, model.EventDown, sink.events[4].Type)

	d.NotifyLeave(node(t, "db-1", meta, memberlist.StateLeft))
	require.Len(t, sink.events, 6)
	assert.Equal(t, model.EventRemove, sink.events[5].Type)
	assert.Equal(t, "10.0.0.1:9042", sink.events[5].Host.Address)
}

func TestEventDelegate_IgnoresNonDatabaseMembers(t *testing.T) {
	sink := &recordingSink{}
	s := newService(&Config{}, sink, nil)
	d := &eventDelegate{service: s}

	d.NotifyJoin(node(t, "router-2", NodeMeta{Datacenter: "dc1"}, memberlist.StateAlive))
	d.NotifyJoin(&memberlist.Node{Name: "bare"})
	d.NotifyJoin(&memberlist.Node{Name: "garbage", Meta: []byte("{not json")})
	d.NotifyLeave(&memberlist.Node{Name: "garbage", Meta: []byte("{not json"), State: memberlist.StateLeft})

	assert.Empty(t, sink.events)
}

func TestEventDelegate_DrivesRegistry(t *testing.T) {
	reg := registry.New(&registry.Config{Logger: zap.NewNop()})
	t.Cleanup(func() { _ = reg.Close() })
	d := &eventDelegate{service: newService(&Config{}, reg, zap.NewNop())}

	first := NodeMeta{Address: "10.0.0.1:9042", Datacenter: "dc1", Generation: 100}
	d.NotifyJoin(node(t, "db-1", first, memberlist.StateAlive))
	h, ok := reg.AllHosts().Get("10.0.0.1:9042")
	require.True(t, ok)
	assert.Equal(t, model.HostStateUp, h.State)

	// The node restarts; the failure notice of the old incarnation arrives late
	second := first
	second.Generation = 200
	d.NotifyJoin(node(t, "db-1", second, memberlist.StateAlive))
	d.NotifyLeave(node(t, "db-1", first, memberlist.StateDead))

	h, _ = reg.AllHosts().Get("10.0.0.1:9042")
	assert.Equal(t, model.HostStateUp, h.State)
	assert.Equal(t, uint64(200), h.Generation)

	d.NotifyLeave(node(t, "db-1", second, memberlist.StateDead))
	h, _ = reg.AllHosts().Get("10.0.0.1:9042")
	assert.Equal(t, model.HostStateDown, h.State)

	d.NotifyLeave(node(t, "db-1", second, memberlist.StateLeft))
	_, ok = reg.AllHosts().Get("10.0.0.1:9042")
	assert.False(t, ok)
}

func TestService_NodeMeta(t *testing.T) {
	meta := NodeMeta{Address: "10.0.0.1:9042", Datacenter: "dc1", Tokens: []string{"1", "2"}}
	s := newService(&Config{Meta: meta}, &recordingSink{}, nil)

	var decoded NodeMeta
	require.NoError(t, json.Unmarshal(s.NodeMeta(memberlist.MetaMaxSize), &decoded))
	assert.Equal(t, []string{"1", "2"}, decoded.Tokens)
	assert.NotZero(t, decoded.Generation, "database members get a generation")

	tokens := make([]string, 100)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("%d", -9000000000000000000+int64(i))
	}
	meta.Tokens = tokens
	s = newService(&Config{Meta: meta}, &recordingSink{}, nil)
	data := s.NodeMeta(memberlist.MetaMaxSize)
	require.NotNil(t, data)
	assert.LessOrEqual(t, len(data), memberlist.MetaMaxSize)
	decoded = NodeMeta{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Empty(t, decoded.Tokens)
	assert.Equal(t, "10.0.0.1:9042", decoded.Address)

	s = newService(&Config{Meta: NodeMeta{Address: strings.Repeat("x", 600)}}, &recordingSink{}, nil)
	assert.Nil(t, s.NodeMeta(memberlist.MetaMaxSize))
}

func TestNewService_Defaults(t *testing.T) {
	s := newService(&Config{}, &recordingSink{}, nil)
	assert.True(t, strings.HasPrefix(s.NodeName(), "queryrouter-"))
	assert.Zero(t, s.meta.Generation, "routers advertise no generation")
	assert.Equal(t, 0, s.NumMembers())
	assert.NoError(t, s.Leave(0))

	named := newService(&Config{NodeName: "router-a"}, &recordingSink{}, nil)
	assert.Equal(t, "router-a", named.NodeName())
}

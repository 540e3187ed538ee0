package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStrategy(t *testing.T) {
	tests := []struct {
		name     string
		class    string
		rf       int
		dcs      map[string]int
		expected string
		wantErr  bool
	}{
		{name: "simple", class: "SimpleStrategy", rf: 3, expected: "SimpleStrategy"},
		{name: "qualified simple", class: "org.apache.cassandra.locator.SimpleStrategy", rf: 1, expected: "SimpleStrategy"},
		{name: "simple without rf", class: "simple", rf: 0, wantErr: true},
		{name: "network topology", class: "NetworkTopologyStrategy", dcs: map[string]int{"dc1": 3}, expected: "NetworkTopologyStrategy"},
		{name: "network topology without dcs", class: "NetworkTopologyStrategy", wantErr: true},
		{name: "negative dc rf", class: "NetworkTopologyStrategy", dcs: map[string]int{"dc1": -1}, wantErr: true},
		{name: "local", class: "LocalStrategy", expected: "LocalStrategy"},
		{name: "unknown", class: "EverywhereStrategy", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStrategy(tt.class, tt.rf, tt.dcs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, s.Name())
		})
	}

	_, err := NewStrategy("EverywhereStrategy", 1, nil)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestNewStrategy_CopiesDatacenterMap(t *testing.T) {
	dcs := map[string]int{"dc1": 2}
	s, err := NewStrategy("NetworkTopologyStrategy", 0, dcs)
	require.NoError(t, err)
	dcs["dc1"] = 5
	assert.Equal(t, 2, s.(NetworkTopologyStrategy).DatacenterReplicas["dc1"])
}

func TestSimpleStrategy_DistinctHostsClockwise(t *testing.T) {
	// b owns two tokens: it must appear once in every replica set
	r := build(t, map[string]KeyspaceMetadata{
		"ks":  {Name: "ks", Strategy: SimpleStrategy{ReplicationFactor: 2}},
		"rf5": {Name: "rf5", Strategy: SimpleStrategy{ReplicationFactor: 5}},
	},
		host("a", "dc1", "", "0"),
		host("b", "dc1", "", "10", "20"),
		host("c", "dc1", "", "30"),
	)

	assert.Equal(t, []string{"a", "b"}, r.Replicas("ks", tok(t, "-5")))
	assert.Equal(t, []string{"b", "c"}, r.Replicas("ks", tok(t, "5")))
	assert.Equal(t, []string{"b", "c"}, r.Replicas("ks", tok(t, "15")))
	assert.Equal(t, []string{"c", "a"}, r.Replicas("ks", tok(t, "25")))
	// More replicas than hosts: every host once
	assert.Equal(t, []string{"b", "c", "a"}, r.Replicas("rf5", tok(t, "5")))
}

func TestNetworkTopologyStrategy_PrefersDistinctRacks(t *testing.T) {
	r := build(t, map[string]KeyspaceMetadata{
		"ks": {Name: "ks", Strategy: NetworkTopologyStrategy{DatacenterReplicas: map[string]int{"dc1": 2, "dc2": 1}}},
	},
		host("a", "dc1", "r1", "0"),
		host("b", "dc1", "r1", "10"),
		host("c", "dc1", "r2", "20"),
		host("d", "dc2", "r1", "30"),
		host("e", "dc2", "r1", "40"),
	)

	// b shares a's rack and is passed over for c
	assert.Equal(t, []string{"a", "c", "d"}, r.Replicas("ks", tok(t, "0")))
	// starting at b: b covers r1, c covers r2
	assert.Equal(t, []string{"b", "c", "d"}, r.Replicas("ks", tok(t, "5")))
	// starting at d: d for dc2, then a (r1) and c (r2) for dc1
	assert.Equal(t, []string{"d", "a", "c"}, r.Replicas("ks", tok(t, "25")))
}

func TestNetworkTopologyStrategy_SingleRackFallsBackToRingOrder(t *testing.T) {
	r := build(t, map[string]KeyspaceMetadata{
		"ks": {Name: "ks", Strategy: NetworkTopologyStrategy{DatacenterReplicas: map[string]int{"dc1": 2}}},
	},
		host("a", "dc1", "r1", "0"),
		host("b", "dc1", "r1", "10"),
		host("c", "dc1", "r1", "20"),
	)

	assert.Equal(t, []string{"a", "b"}, r.Replicas("ks", tok(t, "0")))
	assert.Equal(t, []string{"c", "a"}, r.Replicas("ks", tok(t, "15")))
}

func TestNetworkTopologyStrategy_SkippedHostsFillWhenRacksRunOut(t *testing.T) {
	// rf 3 with two racks: a and c cover both racks, then b fills from the skipped list
	r := build(t, map[string]KeyspaceMetadata{
		"ks": {Name: "ks", Strategy: NetworkTopologyStrategy{DatacenterReplicas: map[string]int{"dc1": 3}}},
	},
		host("a", "dc1", "r1", "0"),
		host("b", "dc1", "r1", "10"),
		host("c", "dc1", "r2", "20"),
		host("d", "dc1", "r2", "30"),
	)

	assert.Equal(t, []string{"a", "c", "b"}, r.Replicas("ks", tok(t, "0")))
}

func TestNetworkTopologyStrategy_UnknownAndEmptyDatacenters(t *testing.T) {
	r := build(t, map[string]KeyspaceMetadata{
		"ks": {Name: "ks", Strategy: NetworkTopologyStrategy{DatacenterReplicas: map[string]int{"dc1": 5, "dc9": 3, "dc2": 0}}},
	},
		host("a", "dc1", "r1", "0"),
		host("b", "dc1", "r2", "10"),
		host("d", "dc2", "r1", "30"),
	)

	// dc1 is capped at its host count, dc9 has no hosts, dc2 wants none
	assert.Equal(t, []string{"a", "b"}, r.Replicas("ks", tok(t, "0")))
}

func TestNetworkTopologyStrategy_Datacenters(t *testing.T) {
	s := NetworkTopologyStrategy{DatacenterReplicas: map[string]int{"dc2": 1, "dc1": 3}}
	assert.Equal(t, []string{"dc1", "dc2"}, s.Datacenters())
}

func TestLocalStrategy_OwnerOnly(t *testing.T) {
	r := build(t, map[string]KeyspaceMetadata{
		"system": {Name: "system", Strategy: LocalStrategy{}},
	},
		host("a", "dc1", "", "0"),
		host("b", "dc1", "", "10"),
	)

	assert.Equal(t, []string{"b"}, r.Replicas("system", tok(t, "5")))
	assert.Equal(t, []string{"a"}, r.Replicas("system", tok(t, "11")))
}

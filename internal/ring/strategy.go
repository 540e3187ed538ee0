package ring

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownStrategy is returned for a replication class we cannot resolve
var ErrUnknownStrategy = errors.New("unknown replication strategy")

// ReplicationStrategy decides which hosts hold copies of each token range
type ReplicationStrategy interface {
	Name() string
	// replicaMap returns, for every token index of r, the replica addresses
	// in placement order. The owner of the range always comes first.
	replicaMap(r *TokenRing) [][]string
}

// KeyspaceMetadata binds a keyspace to its replication strategy
type KeyspaceMetadata struct {
	Name     string
	Strategy ReplicationStrategy
}

// NewStrategy resolves a replication class name. rf is used by
// SimpleStrategy, dcs by NetworkTopologyStrategy.
func NewStrategy(class string, rf int, dcs map[string]int) (ReplicationStrategy, error) {
	short := strings.ToLower(class)
	if i := strings.LastIndex(short, "."); i >= 0 {
		short = short[i+1:]
	}
	short = strings.TrimSuffix(short, "strategy")

	switch short {
	case "simple":
		if rf < 1 {
			return nil, fmt.Errorf("simple strategy requires a replication factor >= 1, got %d", rf)
		}
		return SimpleStrategy{ReplicationFactor: rf}, nil
	case "networktopology":
		if len(dcs) == 0 {
			return nil, errors.New("network topology strategy requires at least one datacenter")
		}
		copied := make(map[string]int, len(dcs))
		for dc, n := range dcs {
			if n < 0 {
				return nil, fmt.Errorf("negative replication factor %d for datacenter %q", n, dc)
			}
			copied[dc] = n
		}
		return NetworkTopologyStrategy{DatacenterReplicas: copied}, nil
	case "local":
		return LocalStrategy{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, class)
	}
}

// SimpleStrategy places replicas on the next distinct hosts clockwise,
// ignoring datacenters and racks
type SimpleStrategy struct {
	ReplicationFactor int
}

func (s SimpleStrategy) Name() string { return "SimpleStrategy" }

func (s SimpleStrategy) replicaMap(r *TokenRing) [][]string {
	n := len(r.tokens)
	out := make([][]string, n)
	for i := 0; i < n; i++ {
		replicas := make([]string, 0, s.ReplicationFactor)
		seen := make(map[string]struct{}, s.ReplicationFactor)
		for j := 0; j < n && len(replicas) < s.ReplicationFactor; j++ {
			owner := r.owners[(i+j)%n]
			if _, dup := seen[owner]; dup {
				continue
			}
			seen[owner] = struct{}{}
			replicas = append(replicas, owner)
		}
		out[i] = replicas
	}
	return out
}

// NetworkTopologyStrategy places a configured number of replicas in each
// datacenter. Within a datacenter it walks the ring clockwise and prefers
// hosts on racks it has not used yet; hosts on repeated racks are only taken
// once every rack of the datacenter holds a replica.
type NetworkTopologyStrategy struct {
	DatacenterReplicas map[string]int
}

func (s NetworkTopologyStrategy) Name() string { return "NetworkTopologyStrategy" }

type dcPlacement struct {
	want    int
	got     int
	racks   map[string]struct{}
	skipped []string
}

func (s NetworkTopologyStrategy) replicaMap(r *TokenRing) [][]string {
	// Hosts and racks that own at least one token, per datacenter
	dcHosts := make(map[string]map[string]struct{})
	dcRacks := make(map[string]map[string]struct{})
	for _, owner := range r.owners {
		h := r.hosts[owner]
		if dcHosts[h.Datacenter] == nil {
			dcHosts[h.Datacenter] = make(map[string]struct{})
			dcRacks[h.Datacenter] = make(map[string]struct{})
		}
		dcHosts[h.Datacenter][owner] = struct{}{}
		dcRacks[h.Datacenter][h.Rack] = struct{}{}
	}

	n := len(r.tokens)
	out := make([][]string, n)
	for i := 0; i < n; i++ {
		placements := make(map[string]*dcPlacement, len(s.DatacenterReplicas))
		pending := 0
		for dc, rf := range s.DatacenterReplicas {
			want := min(rf, len(dcHosts[dc]))
			if want == 0 {
				continue
			}
			placements[dc] = &dcPlacement{want: want, racks: make(map[string]struct{})}
			pending += want
		}

		var replicas []string
		visited := make(map[string]struct{})
		for j := 0; j < n && pending > 0; j++ {
			owner := r.owners[(i+j)%n]
			if _, dup := visited[owner]; dup {
				continue
			}
			visited[owner] = struct{}{}

			h := r.hosts[owner]
			p := placements[h.Datacenter]
			if p == nil || p.got >= p.want {
				continue
			}
			allRacks := len(dcRacks[h.Datacenter])
			if _, used := p.racks[h.Rack]; used && len(p.racks) < allRacks {
				p.skipped = append(p.skipped, owner)
				continue
			}

			p.racks[h.Rack] = struct{}{}
			replicas = append(replicas, owner)
			p.got++
			pending--

			// Every rack is covered: fall back to the hosts we passed over
			if len(p.racks) == allRacks {
				for len(p.skipped) > 0 && p.got < p.want {
					replicas = append(replicas, p.skipped[0])
					p.skipped = p.skipped[1:]
					p.got++
					pending--
				}
			}
		}
		out[i] = replicas
	}
	return out
}

// Datacenters returns the configured datacenters in name order
func (s NetworkTopologyStrategy) Datacenters() []string {
	dcs := make([]string, 0, len(s.DatacenterReplicas))
	for dc := range s.DatacenterReplicas {
		dcs = append(dcs, dc)
	}
	sort.Strings(dcs)
	return dcs
}

// LocalStrategy keeps a single copy on the owner of the range
type LocalStrategy struct{}

func (LocalStrategy) Name() string { return "LocalStrategy" }

func (LocalStrategy) replicaMap(r *TokenRing) [][]string {
	out := make([][]string, len(r.owners))
	for i, owner := range r.owners {
		out[i] = []string{owner}
	}
	return out
}

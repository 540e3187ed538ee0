package model

// HostSource exposes the current cluster view
type HostSource interface {
	AllHosts() *Snapshot
}

// Snapshot is an immutable point-in-time view of the known hosts.
//
// Hosts are kept in first-seen order, which is the stable order every
// rotation is computed against. Derived views (live hosts, live hosts per
// datacenter) are computed once at construction so plan generation never
// has to rescan the host set. Nothing returned by a Snapshot may be modified.
type Snapshot struct {
	version     uint64
	hosts       []*Host
	index       map[string]int
	live        []*Host
	liveByDC    map[string][]*Host
	datacenters []string
}

// NewSnapshot builds a snapshot over hosts. The slice and the hosts it points
// to are owned by the snapshot afterwards.
func NewSnapshot(version uint64, hosts []*Host) *Snapshot {
	s := &Snapshot{
		version:  version,
		hosts:    hosts,
		index:    make(map[string]int, len(hosts)),
		liveByDC: make(map[string][]*Host),
	}
	for i, h := range hosts {
		s.index[h.Address] = i
		if _, seen := s.liveByDC[h.Datacenter]; !seen {
			s.datacenters = append(s.datacenters, h.Datacenter)
			s.liveByDC[h.Datacenter] = nil
		}
		if h.IsLive() {
			s.live = append(s.live, h)
			s.liveByDC[h.Datacenter] = append(s.liveByDC[h.Datacenter], h)
		}
	}
	return s
}

// EmptySnapshot returns a snapshot with no hosts
func EmptySnapshot() *Snapshot {
	return NewSnapshot(0, nil)
}

// Version increases with every published change
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of known hosts, live or not
func (s *Snapshot) Len() int { return len(s.hosts) }

// Hosts returns every known host in first-seen order
func (s *Snapshot) Hosts() []*Host { return s.hosts }

// Live returns the live hosts in first-seen order
func (s *Snapshot) Live() []*Host { return s.live }

// Datacenters returns datacenter labels in first-seen order
func (s *Snapshot) Datacenters() []string { return s.datacenters }

// LiveInDatacenter returns the live hosts of dc in first-seen order
func (s *Snapshot) LiveInDatacenter(dc string) []*Host { return s.liveByDC[dc] }

// Get looks a host up by address
func (s *Snapshot) Get(addr string) (*Host, bool) {
	i, ok := s.index[addr]
	if !ok {
		return nil, false
	}
	return s.hosts[i], true
}

// CountByState returns the number of hosts in each state
func (s *Snapshot) CountByState() map[HostState]int {
	counts := make(map[HostState]int, 3)
	for _, h := range s.hosts {
		counts[h.State]++
	}
	return counts
}

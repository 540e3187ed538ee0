package model

// Distance classifies how a policy wants to treat a host. It controls both
// connection pooling in the execution layer and routing eligibility.
type Distance int

const (
	// DistanceLocal hosts are preferred and tried first
	DistanceLocal Distance = iota
	// DistanceRemote hosts are tried after every local host
	DistanceRemote
	// DistanceIgnored hosts are never routed to
	DistanceIgnored
)

func (d Distance) String() string {
	switch d {
	case DistanceLocal:
		return "LOCAL"
	case DistanceRemote:
		return "REMOTE"
	case DistanceIgnored:
		return "IGNORED"
	default:
		return "UNKNOWN"
	}
}

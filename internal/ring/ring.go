// Package ring maps routing keys to tokens and tokens to replica hosts.
package ring

import (
	"sort"

	"github.com/devrev/pairdb/queryrouter/internal/model"
	"go.uber.org/zap"
)

// TokenRing is an immutable view of token ownership and, per keyspace, the
// replicas of every token range.
//
// Token i owns the range (tokens[i-1], tokens[i]]; the first token also owns
// everything after the last one, so the ranges cover the whole token space
// without gaps or overlaps. A ring is never patched: membership or keyspace
// changes produce a new ring.
type TokenRing struct {
	partitioner Partitioner
	tokens      []Token
	owners      []string
	hosts       map[string]*model.Host
	// replicas[keyspace][i] lists the replicas of the range ending at tokens[i]
	replicas map[string][][]string
}

// TokenRange is one contiguous slice of the ring
type TokenRange struct {
	Start Token
	End   Token
	Owner string
}

// Partitioner returns the partitioner the ring was built with
func (r *TokenRing) Partitioner() Partitioner { return r.partitioner }

// Len returns the number of tokens on the ring
func (r *TokenRing) Len() int { return len(r.tokens) }

// HasKeyspace reports whether replicas were computed for keyspace
func (r *TokenRing) HasKeyspace(keyspace string) bool {
	_, ok := r.replicas[keyspace]
	return ok
}

// Host returns the host metadata the ring was built from
func (r *TokenRing) Host(addr string) (*model.Host, bool) {
	h, ok := r.hosts[addr]
	return h, ok
}

// index returns the position of the token owning t
func (r *TokenRing) index(t Token) int {
	i := sort.Search(len(r.tokens), func(i int) bool {
		return !r.tokens[i].Less(t)
	})
	if i >= len(r.tokens) {
		i = 0
	}
	return i
}

// Owner returns the primary owner of t
func (r *TokenRing) Owner(t Token) (string, bool) {
	if len(r.tokens) == 0 {
		return "", false
	}
	return r.owners[r.index(t)], true
}

// Replicas returns the replica addresses of t in keyspace, nil when unknown
func (r *TokenRing) Replicas(keyspace string, t Token) []string {
	perToken, ok := r.replicas[keyspace]
	if !ok || len(r.tokens) == 0 {
		return nil
	}
	return perToken[r.index(t)]
}

// ReplicasForKey hashes key and returns its replicas in keyspace
func (r *TokenRing) ReplicasForKey(keyspace string, key []byte) []string {
	return r.Replicas(keyspace, r.partitioner.Hash(key))
}

// Ranges lists every token range with its owner
func (r *TokenRing) Ranges() []TokenRange {
	ranges := make([]TokenRange, 0, len(r.tokens))
	for i := range r.tokens {
		prev := len(r.tokens) - 1
		if i > 0 {
			prev = i - 1
		}
		ranges = append(ranges, TokenRange{Start: r.tokens[prev], End: r.tokens[i], Owner: r.owners[i]})
	}
	return ranges
}

type ownedToken struct {
	token Token
	owner string
}

// buildRing computes a new ring from the hosts of snap. Hosts advertising no
// tokens get vnodes virtual tokens. Unparseable tokens are skipped.
func buildRing(p Partitioner, snap *model.Snapshot, keyspaces map[string]KeyspaceMetadata, vnodes int, logger *zap.Logger) *TokenRing {
	r := &TokenRing{
		partitioner: p,
		hosts:       make(map[string]*model.Host, snap.Len()),
		replicas:    make(map[string][][]string, len(keyspaces)),
	}

	var owned []ownedToken
	for _, h := range snap.Hosts() {
		r.hosts[h.Address] = h
		if len(h.Tokens) == 0 {
			for _, t := range VirtualTokens(p, h.Address, vnodes) {
				owned = append(owned, ownedToken{token: t, owner: h.Address})
			}
			continue
		}
		for _, s := range h.Tokens {
			t, err := p.ParseToken(s)
			if err != nil {
				logger.Warn("Skipping unparseable token",
					zap.String("address", h.Address),
					zap.String("partitioner", p.Name()),
					zap.Error(err))
				continue
			}
			owned = append(owned, ownedToken{token: t, owner: h.Address})
		}
	}

	// Stable sort keeps first-seen hosts first among equal tokens
	sort.SliceStable(owned, func(i, j int) bool { return owned[i].token.Less(owned[j].token) })

	r.tokens = make([]Token, 0, len(owned))
	r.owners = make([]string, 0, len(owned))
	for i, o := range owned {
		if i > 0 && !owned[i-1].token.Less(o.token) {
			logger.Warn("Duplicate token on ring",
				zap.String("token", o.token.String()),
				zap.String("kept", r.owners[len(r.owners)-1]),
				zap.String("dropped", o.owner))
			continue
		}
		r.tokens = append(r.tokens, o.token)
		r.owners = append(r.owners, o.owner)
	}

	for name, ks := range keyspaces {
		r.replicas[name] = ks.Strategy.replicaMap(r)
	}
	return r
}

package ring

import (
	"crypto/md5"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrUnknownPartitioner is returned for a partitioner name we cannot resolve
	ErrUnknownPartitioner = errors.New("unknown partitioner")
	// ErrInvalidToken is returned when a token string does not parse
	ErrInvalidToken = errors.New("invalid token")
)

// Token is a position on the partitioner's hash ring
type Token interface {
	fmt.Stringer
	// Less orders tokens of the same partitioner
	Less(other Token) bool
}

// Partitioner maps routing keys to tokens
type Partitioner interface {
	Name() string
	Hash(key []byte) Token
	ParseToken(s string) (Token, error)
}

// PartitionerByName resolves a partitioner from its short or fully
// qualified name ("murmur3", "Murmur3Partitioner",
// "org.apache.cassandra.dht.Murmur3Partitioner").
func PartitionerByName(name string) (Partitioner, error) {
	short := strings.ToLower(name)
	if i := strings.LastIndex(short, "."); i >= 0 {
		short = short[i+1:]
	}
	short = strings.TrimSuffix(short, "partitioner")

	switch short {
	case "murmur3":
		return Murmur3Partitioner{}, nil
	case "random":
		return RandomPartitioner{}, nil
	case "xxhash":
		return XXHashPartitioner{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPartitioner, name)
	}
}

// int64Token is used by the 64-bit partitioners
type int64Token int64

func (t int64Token) String() string { return strconv.FormatInt(int64(t), 10) }

func (t int64Token) Less(other Token) bool { return t < other.(int64Token) }

func parseInt64Token(s string) (Token, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidToken, s, err)
	}
	return int64Token(v), nil
}

// Murmur3Partitioner places keys the way Cassandra's Murmur3Partitioner
// does, so tokens advertised by the cluster line up with routing keys
type Murmur3Partitioner struct{}

func (Murmur3Partitioner) Name() string { return "Murmur3Partitioner" }

func (Murmur3Partitioner) Hash(key []byte) Token {
	v := murmur3H1(key)
	// The minimum token is reserved as the ring's lower bound
	if v == math.MinInt64 {
		v = math.MaxInt64
	}
	return int64Token(v)
}

func (Murmur3Partitioner) ParseToken(s string) (Token, error) { return parseInt64Token(s) }

// XXHashPartitioner places keys with 64-bit xxHash
type XXHashPartitioner struct{}

func (XXHashPartitioner) Name() string { return "XXHashPartitioner" }

func (XXHashPartitioner) Hash(key []byte) Token {
	return int64Token(int64(xxhash.Sum64(key)))
}

func (XXHashPartitioner) ParseToken(s string) (Token, error) { return parseInt64Token(s) }

// bigToken is used by RandomPartitioner, tokens lie in [0, 2^127]
type bigToken struct {
	v *big.Int
}

func (t bigToken) String() string { return t.v.String() }

func (t bigToken) Less(other Token) bool { return t.v.Cmp(other.(bigToken).v) < 0 }

var twoTo128 = new(big.Int).Lsh(big.NewInt(1), 128)

// RandomPartitioner places keys with the absolute value of the MD5 digest
// read as a signed 128-bit integer
type RandomPartitioner struct{}

func (RandomPartitioner) Name() string { return "RandomPartitioner" }

func (RandomPartitioner) Hash(key []byte) Token {
	sum := md5.Sum(key)
	v := new(big.Int).SetBytes(sum[:])
	if sum[0]&0x80 != 0 {
		v.Sub(v, twoTo128)
		v.Abs(v)
	}
	return bigToken{v: v}
}

func (RandomPartitioner) ParseToken(s string) (Token, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w %q", ErrInvalidToken, s)
	}
	return bigToken{v: v}, nil
}

// VirtualTokens derives n tokens for a host that advertises none
func VirtualTokens(p Partitioner, addr string, n int) []Token {
	tokens := make([]Token, 0, n)
	for i := 0; i < n; i++ {
		tokens = append(tokens, p.Hash([]byte(fmt.Sprintf("%s-vnode-%d", addr, i))))
	}
	return tokens
}

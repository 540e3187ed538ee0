package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/devrev/pairdb/queryrouter/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// hashReader is the part of redis.Client the store uses
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisStore lists storage nodes from a Redis hash. Each field is a node
// address and each value the JSON encoded Node.
type RedisStore struct {
	client hashReader
	key    string
	close  func() error
	logger *zap.Logger
}

// NewRedisStore connects to Redis
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis metadata store",
		zap.String("addr", client.Options().Addr),
		zap.String("key", cfg.Key))

	return &RedisStore{client: client, key: cfg.Key, close: client.Close, logger: logger}, nil
}

// ListNodes implements Store
func (s *RedisStore) ListNodes(ctx context.Context) ([]Node, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	return decodeNodes(fields)
}

// decodeNodes turns hash fields into nodes ordered by address. A single
// unreadable entry fails the whole listing so that a partial view never
// removes hosts.
func decodeNodes(fields map[string]string) ([]Node, error) {
	nodes := make([]Node, 0, len(fields))
	for addr, raw := range fields {
		var node Node
		if err := json.Unmarshal([]byte(raw), &node); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node %s: %w", addr, err)
		}
		if node.Address == "" {
			node.Address = addr
		}
		if node.Status == StatusInactive {
			continue
		}
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })
	return nodes, nil
}

// Close closes the client
func (s *RedisStore) Close() {
	if s.close == nil {
		return
	}
	if err := s.close(); err != nil {
		s.logger.Warn("Failed to close Redis client", zap.Error(err))
	}
}

package discovery

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/queryrouter/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const listNodesQuery = `
	SELECT address, datacenter, COALESCE(rack, ''), COALESCE(tokens, '{}'), status
	FROM storage_nodes
	WHERE status != 'inactive'
	ORDER BY address
`

// querier is the part of pgxpool.Pool the store uses
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore lists storage nodes from the metadata database
type PostgresStore struct {
	db     querier
	close  func()
	logger *zap.Logger
}

// NewPostgresStore connects to the metadata database
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(connString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to metadata database",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database))

	return &PostgresStore{db: pool, close: pool.Close, logger: logger}, nil
}

func connString(cfg config.PostgresConfig) string {
	s := fmt.Sprintf("host=%s port=%d dbname=%s user=%s", cfg.Host, cfg.Port, cfg.Database, cfg.User)
	if cfg.Password != "" {
		s += " password=" + cfg.Password
	}
	if cfg.MaxConns > 0 {
		s += fmt.Sprintf(" pool_max_conns=%d", cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		s += fmt.Sprintf(" pool_min_conns=%d", cfg.MinConns)
	}
	return s
}

// ListNodes implements Store
func (s *PostgresStore) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.db.Query(ctx, listNodesQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := make([]Node, 0)
	for rows.Next() {
		var node Node
		if err := rows.Scan(&node.Address, &node.Datacenter, &node.Rack, &node.Tokens, &node.Status); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	return nodes, rows.Err()
}

// Close closes the connection pool
func (s *PostgresStore) Close() {
	if s.close != nil {
		s.close()
	}
}

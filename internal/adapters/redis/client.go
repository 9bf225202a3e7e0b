package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/selivandex/pipeline-metrics/internal/adapters/config"
	"github.com/selivandex/pipeline-metrics/pkg/logger"
)

const lockPrefix = "pipeline-metrics"

// Client wraps a RedLock manager for provisioning locks plus a plain Redis
// client for health checks
type Client struct {
	lockManager *redlock.RedLock
	conn        *redis.Client
}

// New creates new Redis client with RedLock support
func New(cfg *config.RedisConfig) (*Client, error) {
	// single instance; list more addresses for a full Redlock quorum
	redisAddrs := []string{"tcp://" + cfg.RedisAddr()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lockManager, err := redlock.NewRedLock(ctx, redisAddrs)
	if err != nil {
		return nil, fmt.Errorf("failed to create redlock manager: %w", err)
	}

	logger.Info("redis redlock manager initialized",
		zap.Strings("addresses", redisAddrs),
	)

	conn := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})

	if err := conn.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis client initialized",
		zap.String("address", cfg.RedisAddr()),
		zap.Int("db", cfg.DB),
	)

	return &Client{
		lockManager: lockManager,
		conn:        conn,
	}, nil
}

// ProvisionLock returns a distributed lock for table provisioning
func (c *Client) ProvisionLock(ttl time.Duration) *DistributedLock {
	return NewDistributedLock(c.lockManager, lockPrefix, ttl)
}

// Close closes redis connections
func (c *Client) Close() error {
	if c.conn != nil {
		logger.Info("closing redis client")
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("failed to close redis client: %w", err)
		}
	}

	return nil
}

// Health checks redis health
func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.conn.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	return nil
}

// Package cache 提供链 -> 最优 RPC 节点的短 TTL 缓存
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrCacheMiss = errors.New("cache miss")
)

// SelectionCache 选路结果缓存接口
type SelectionCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// redisSelectionCache Redis 实现
type redisSelectionCache struct {
	client *redis.Client
}

// NewRedisSelectionCache 创建 Redis 选路缓存
func NewRedisSelectionCache(client *redis.Client) SelectionCache {
	return &redisSelectionCache{client: client}
}

func (c *redisSelectionCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *redisSelectionCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisSelectionCache) Remove(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// BestEndpointKey 生成缓存键
// 格式: rpc:best:{chain_id}, 带租户前缀时为 rpc:best:{chain_id}:{prefix}
func BestEndpointKey(chainID int64, prefix string) string {
	if prefix == "" {
		return fmt.Sprintf("rpc:best:%d", chainID)
	}
	return fmt.Sprintf("rpc:best:%d:%s", chainID, prefix)
}

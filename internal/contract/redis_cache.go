package contract

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	xerrors "IntentForge-Chain/internal/errors"
	"IntentForge-Chain/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// RedisCacheOptions 描述读穿透缓存的连接与过期参数。
type RedisCacheOptions struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache 在底层存储之上提供一层按键的读穿透缓存。
// 模糊检索不经过缓存，直接落到底层存储。
type RedisCache struct {
	inner  Store
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

// NewRedisCache 包装一个底层存储并建立 Redis 连接。
func NewRedisCache(inner Store, opts RedisCacheOptions) (*RedisCache, error) {
	if inner == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "底层存储不能为空")
	}
	if strings.TrimSpace(opts.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址不能为空")
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 Redis")
	}

	return &RedisCache{
		inner:  inner,
		client: client,
		ttl:    opts.TTL,
		log:    logger.Named("contract-cache"),
	}, nil
}

func cacheKey(networkID, address string) string {
	return "contract:" + networkID + ":" + strings.ToLower(address)
}

// Get 优先读取缓存，未命中时回源并异步可靠地写回。
func (c *RedisCache) Get(ctx context.Context, networkID, address string) (*Record, error) {
	key := cacheKey(networkID, address)

	payload, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var record Record
		if unmarshalErr := json.Unmarshal([]byte(payload), &record); unmarshalErr == nil {
			return &record, nil
		}
		// 缓存损坏按未命中处理并删除脏数据。
		_ = c.client.Del(ctx, key).Err()
	} else if !stdErrors.Is(err, redis.Nil) {
		c.log.Warn("读取合约缓存失败，回退到底层存储",
			slog.String("key", key), slog.String("error", err.Error()))
	}

	record, err := c.inner.Get(ctx, networkID, address)
	if err != nil {
		return nil, err
	}
	c.writeThrough(ctx, record)
	return record, nil
}

// Put 先写底层存储，成功后刷新缓存。
func (c *RedisCache) Put(ctx context.Context, record *Record) error {
	if err := c.inner.Put(ctx, record); err != nil {
		return err
	}
	c.writeThrough(ctx, record)
	return nil
}

// Search 不缓存，直接透传到底层存储。
func (c *RedisCache) Search(ctx context.Context, query Query) ([]*Record, error) {
	return c.inner.Search(ctx, query)
}

// Close 依次关闭 Redis 连接与底层存储。
func (c *RedisCache) Close() error {
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if innerErr := c.inner.Close(); innerErr != nil && err == nil {
		err = innerErr
	}
	return err
}

func (c *RedisCache) writeThrough(ctx context.Context, record *Record) {
	if record == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return
	}
	key := cacheKey(record.NetworkID, record.Address)
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.log.Warn("写入合约缓存失败",
			slog.String("key", key), slog.String("error", err.Error()))
	}
}

var _ Store = (*RedisCache)(nil)

package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// defaultIndexKey — sorted set: member = ключ, score = unix ms истечения
	defaultIndexKey = "expiry:index"
	// defaultPayloadKey — hash: ключ → payload элемента индекса
	defaultPayloadKey = "expiry:payload"
)

// RedisOptions — параметры подключения к Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix добавляется к служебным ключам индекса (не к ключам данных)
	Prefix string
}

// Redis — реализация Store поверх go-redis/v9.
type Redis struct {
	client     redis.UniversalClient
	indexKey   string
	payloadKey string
}

// NewRedis создаёт клиент Redis. Соединение ленивое,
// доступность проверяется через Ping.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisFromClient(client, opts.Prefix)
}

// NewRedisFromClient оборачивает существующий клиент.
func NewRedisFromClient(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{
		client:     client,
		indexKey:   prefix + defaultIndexKey,
		payloadKey: prefix + defaultPayloadKey,
	}
}

// Put — SET key value EX ttl.
func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// Get — GET key; redis.Nil превращается в ErrNotFound.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return data, nil
}

// Delete — DEL keys...
func (r *Redis) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis DEL: %w", err)
	}
	return int(n), nil
}

// Schedule — ZADD + HSET в одной транзакции (MULTI/EXEC).
func (r *Redis) Schedule(ctx context.Context, key string, at time.Time, payload []byte) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, r.indexKey, redis.Z{Score: float64(at.UnixMilli()), Member: key})
		pipe.HSet(ctx, r.payloadKey, key, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis ZADD %s: %w", key, err)
	}
	return nil
}

// Unschedule — ZREM + HDEL в одной транзакции.
func (r *Redis) Unschedule(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.indexKey, key)
		pipe.HDel(ctx, r.payloadKey, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis ZREM %s: %w", key, err)
	}
	return nil
}

// Expired — ZRANGEBYSCORE -inf before LIMIT 0 limit, затем HMGET payload.
func (r *Redis) Expired(ctx context.Context, before time.Time, limit int) ([]IndexEntry, error) {
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	zs, err := r.client.ZRangeByScoreWithScores(ctx, r.indexKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGEBYSCORE: %w", err)
	}
	if len(zs) == 0 {
		return []IndexEntry{}, nil
	}

	keys := make([]string, len(zs))
	for i, z := range zs {
		keys[i] = fmt.Sprint(z.Member)
	}
	payloads, err := r.client.HMGet(ctx, r.payloadKey, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HMGET: %w", err)
	}

	result := make([]IndexEntry, len(zs))
	for i, z := range zs {
		entry := IndexEntry{
			Key: keys[i],
			At:  time.UnixMilli(int64(z.Score)).UTC(),
		}
		if s, ok := payloads[i].(string); ok {
			entry.Payload = []byte(s)
		}
		result[i] = entry
	}
	return result, nil
}

// Ping — PING.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis PING: %w", err)
	}
	return nil
}

// Close закрывает пул соединений.
func (r *Redis) Close() error {
	return r.client.Close()
}

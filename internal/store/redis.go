package store

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisKV keeps tenant data in redis. List scans the matching keyspace and
// sorts in process; key counts per tenant are small enough for that.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV connects a redis-backed KV. prefix namespaces all keys and may
// be empty.
func NewRedisKV(addr, password string, db int, prefix string) *RedisKV {
	return &RedisKV{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix: prefix,
	}
}

// NewRedisKVFromClient wraps an existing client.
func NewRedisKVFromClient(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *RedisKV) List(ctx context.Context, prefix, cursor string, limit int) (*ListResult, error) {
	var keys []string
	match := r.prefix + prefix + "*"
	var scanCursor uint64
	for {
		page, next, err := r.client.Scan(ctx, scanCursor, match, 512).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range page {
			trimmed := k[len(r.prefix):]
			if trimmed > cursor {
				keys = append(keys, trimmed)
			}
		}
		if next == 0 {
			break
		}
		scanCursor = next
	}

	sort.Strings(keys)

	res := &ListResult{}
	if limit > 0 && len(keys) > limit {
		res.HasMore = true
		keys = keys[:limit]
	}
	for _, k := range keys {
		data, err := r.Get(ctx, k)
		if err == ErrKeyNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Pairs = append(res.Pairs, Pair{Key: k, Value: data})
		res.NextCursor = k
	}
	return res, nil
}

// Close releases the client.
func (r *RedisKV) Close() error {
	return r.client.Close()
}

// Ping verifies connectivity.
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "pce:"
	fieldValue         = "v"
	fieldRevision      = "rev"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix namespaces every key (default: "pce:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// Redis is a Substrate backed by Redis so several PCE instances can share
// one resource store. Each entry is a hash holding the encoded value and its
// revision; a per-family set indexes the keys. Conditional writes use
// WATCH/MULTI so a concurrent writer aborts the transaction.
type Redis struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisFromClient(client, cfg.Prefix), nil
}

// NewRedisFromClient wraps an existing client. Useful with miniredis.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) entryKey(family, key string) string {
	return r.prefix + "e:" + family + ":" + key
}

func (r *Redis) indexKey(family string) string {
	return r.prefix + "idx:" + family
}

func (r *Redis) revisionKey() string {
	return r.prefix + "rev"
}

func (r *Redis) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

func (r *Redis) nextRevision(ctx context.Context) (uint64, error) {
	rev, err := r.client.Incr(ctx, r.revisionKey()).Uint64()
	if err != nil {
		return 0, fmt.Errorf("allocate revision: %w", err)
	}
	return rev, nil
}

func (r *Redis) Get(ctx context.Context, family, key string) (Record, bool, error) {
	if err := r.checkOpen(); err != nil {
		return Record{}, false, err
	}
	if err := validKey(family, key); err != nil {
		return Record{}, false, err
	}
	return readRecord(ctx, r.client, r.entryKey(family, key))
}

func (r *Redis) Put(ctx context.Context, family, key string, value []byte) (uint64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	if err := validKey(family, key); err != nil {
		return 0, err
	}
	rev, err := r.nextRevision(ctx)
	if err != nil {
		return 0, err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.entryKey(family, key), fieldValue, value, fieldRevision, rev)
		pipe.SAdd(ctx, r.indexKey(family), key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("put %s/%s: %w", family, key, err)
	}
	return rev, nil
}

func (r *Redis) CompareAndPut(ctx context.Context, family, key string, value []byte, expected uint64) (uint64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	if err := validKey(family, key); err != nil {
		return 0, err
	}
	rev, err := r.nextRevision(ctx)
	if err != nil {
		return 0, err
	}
	entry := r.entryKey(family, key)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, ok, err := readRecord(ctx, tx, entry)
		if err != nil {
			return err
		}
		if (expected == 0 && ok) || (expected != 0 && (!ok || cur.Revision != expected)) {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, entry, fieldValue, value, fieldRevision, rev)
			pipe.SAdd(ctx, r.indexKey(family), key)
			return nil
		})
		return err
	}, entry)
	if err != nil {
		return 0, mapTxError(err, "compare-and-put", family, key)
	}
	return rev, nil
}

func (r *Redis) Remove(ctx context.Context, family, key string) (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	if err := validKey(family, key); err != nil {
		return false, err
	}
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.entryKey(family, key))
		pipe.SRem(ctx, r.indexKey(family), key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove %s/%s: %w", family, key, err)
	}
	return del.Val() > 0, nil
}

func (r *Redis) CompareAndRemove(ctx context.Context, family, key string, expected uint64) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := validKey(family, key); err != nil {
		return err
	}
	entry := r.entryKey(family, key)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, ok, err := readRecord(ctx, tx, entry)
		if err != nil {
			return err
		}
		if !ok || cur.Revision != expected {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, entry)
			pipe.SRem(ctx, r.indexKey(family), key)
			return nil
		})
		return err
	}, entry)
	return mapTxError(err, "compare-and-remove", family, key)
}

func (r *Redis) Range(ctx context.Context, family string, fn func(key string, rec Record) bool) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	keys, err := r.client.SMembers(ctx, r.indexKey(family)).Result()
	if err != nil {
		return fmt.Errorf("list %s: %w", family, err)
	}
	if len(keys) == 0 {
		return nil
	}

	cmds := make([]*redis.SliceCmd, len(keys))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HMGet(ctx, r.entryKey(family, k), fieldValue, fieldRevision)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read %s: %w", family, err)
	}
	for i, k := range keys {
		rec, ok, err := decodeRecord(cmds[i].Val())
		if err != nil {
			return err
		}
		// Removed between SMEMBERS and HMGET.
		if !ok {
			continue
		}
		if !fn(k, rec) {
			return nil
		}
	}
	return nil
}

func (r *Redis) Len(ctx context.Context, family string) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	n, err := r.client.SCard(ctx, r.indexKey(family)).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", family, err)
	}
	return int(n), nil
}

// Close releases the client's connection pool.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

// hashReader is satisfied by both *redis.Client and *redis.Tx.
type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func readRecord(ctx context.Context, c hashReader, entry string) (Record, bool, error) {
	vals, err := c.HMGet(ctx, entry, fieldValue, fieldRevision).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("read %s: %w", entry, err)
	}
	return decodeRecord(vals)
}

func decodeRecord(vals []interface{}) (Record, bool, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Record{}, false, nil
	}
	value, ok := vals[0].(string)
	if !ok {
		return Record{}, false, fmt.Errorf("unexpected value type %T", vals[0])
	}
	revRaw, ok := vals[1].(string)
	if !ok {
		return Record{}, false, fmt.Errorf("unexpected revision type %T", vals[1])
	}
	rev, err := strconv.ParseUint(revRaw, 10, 64)
	if err != nil {
		return Record{}, false, fmt.Errorf("parse revision %q: %w", revRaw, err)
	}
	return Record{Value: []byte(value), Revision: rev}, true, nil
}

func mapTxError(err error, op, family, key string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	default:
		return fmt.Errorf("%s %s/%s: %w", op, family, key, err)
	}
}

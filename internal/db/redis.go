package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"psychtrainer/pkg"
)

// DefaultRedisPrefix namespaces every key written by this package.
const DefaultRedisPrefix = "psychtrainer:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int
	// Prefix is the key prefix for all keys (default: "psychtrainer:").
	Prefix string
	// TTL expires idle checkpoints (0 = never expire).
	TTL time.Duration
}

// RedisStore keeps the latest checkpoint of each session in a hash with
// "version" and "state" fields. Put uses WATCH/MULTI so concurrent writers
// cannot both advance the same version. Sessions with a user are also
// indexed in a per-user sorted set scored by update time.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisStore dials Redis and returns a store that owns the client.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client, err := NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStoreFromClient creates a store from an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) checkpointKey(sessionID string) string {
	return s.prefix + "checkpoint:" + sessionID
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + "user:" + userID + ":sessions"
}

func (s *RedisStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*pkg.SessionState, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	data, err := s.client.HGet(ctx, s.checkpointKey(sessionID), "state").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	var state pkg.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &state, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, state *pkg.SessionState) error {
	if s.isClosed() {
		return ErrStorageClosed
	}
	if err := validateState(state); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	key := s.checkpointKey(state.SessionID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current := 0
		raw, err := tx.HGet(ctx, key, "version").Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("read checkpoint version: %w", err)
		default:
			if current, err = strconv.Atoi(raw); err != nil {
				return fmt.Errorf("parse checkpoint version: %w", err)
			}
		}
		if state.Version != current+1 {
			return fmt.Errorf("%w: have %d, got %d", ErrVersionConflict, current, state.Version)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "version", state.Version, "state", data)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			if state.UserID != "" {
				idx := s.userKey(state.UserID)
				pipe.ZAdd(ctx, idx, redis.Z{Score: float64(state.UpdatedAt.UnixMilli()), Member: state.SessionID})
				if s.ttl > 0 {
					pipe.Expire(ctx, idx, s.ttl)
				}
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: concurrent write", ErrVersionConflict)
	}
	return err
}

// List implements Store. Index entries whose checkpoint has expired are
// dropped from the index as they are found.
func (s *RedisStore) List(ctx context.Context, userID string, limit int) ([]pkg.SessionInfo, error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	idx := s.userKey(userID)
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, idx, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := []pkg.SessionInfo{}
	if len(ids) == 0 {
		return out, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, s.checkpointKey(id), "state")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	var stale []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", ids[i], err)
		}
		var state pkg.SessionState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
		out = append(out, state.Info())
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, idx, stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune session index: %w", err)
		}
	}
	pkg.SortSessionInfos(out)
	return out, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

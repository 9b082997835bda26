// Package conflicts caches pending sync conflicts and guards pulls with a per-source lock.
package conflicts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"estatecrm/api/internal/syncmap"
	"estatecrm/api/internal/util"
)

// ErrLocked is returned when another pull of the same data source is running.
var ErrLocked = errors.New("pull already running for data source")

// Entry is one pending conflict as shown in the resolution modal.
type Entry struct {
	ConflictID string `json:"conflict_id"`
	Position   int    `json:"position"`
	syncmap.Conflict
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "crm:"}
}

func (s *RedisStore) pendingKey(dataSourceID string) string {
	return s.prefix + "conflicts:" + dataSourceID
}

func (s *RedisStore) lockKey(dataSourceID string) string {
	return s.prefix + "pull-lock:" + dataSourceID
}

// SavePending replaces the pending set of a data source.
func (s *RedisStore) SavePending(ctx context.Context, dataSourceID string, entries []Entry, ttl time.Duration) error {
	key := s.pendingKey(dataSourceID)
	fields := make([]any, 0, len(entries)*2)
	for i, entry := range entries {
		entry.Position = i
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal conflict %s: %w", entry.RowID, err)
		}
		fields = append(fields, entry.RowID, raw)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields...)
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save pending conflicts: %w", err)
	}
	return nil
}

// Pending returns the cached conflicts in the order they were saved.
func (s *RedisStore) Pending(ctx context.Context, dataSourceID string) ([]Entry, error) {
	values, err := s.client.HGetAll(ctx, s.pendingKey(dataSourceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending conflicts: %w", err)
	}
	entries := make([]Entry, 0, len(values))
	for rowID, raw := range values {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal conflict %s: %w", rowID, err)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Position < entries[j].Position })
	return entries, nil
}

// RemovePending drops one row and reports how many stay pending.
func (s *RedisStore) RemovePending(ctx context.Context, dataSourceID, rowID string) (int, error) {
	key := s.pendingKey(dataSourceID)
	var remaining *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, key, rowID)
		remaining = pipe.HLen(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("remove pending conflict: %w", err)
	}
	return int(remaining.Val()), nil
}

func (s *RedisStore) ClearPending(ctx context.Context, dataSourceID string) error {
	if err := s.client.Del(ctx, s.pendingKey(dataSourceID)).Err(); err != nil {
		return fmt.Errorf("clear pending conflicts: %w", err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquirePullLock takes the per-source pull lock. The returned release only
// deletes the lock while this holder still owns it.
func (s *RedisStore) AcquirePullLock(ctx context.Context, dataSourceID string, ttl time.Duration) (func(), error) {
	key := s.lockKey(dataSourceID)
	token := util.NewID("lock")
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire pull lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		// The caller's context may already be cancelled when the pull ends.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, s.client, []string{key}, token).Err()
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/regionplacer/placer/internal/api"
)

// RedisBackend keeps each mode under its own key prefix.
//
// Keys:
//
//	<prefix>:<mode>:history        HASH  timestamp -> counts JSON
//	<prefix>:<mode>:history:index  ZSET  timestamp scored by unix microseconds
//	<prefix>:<mode>:state          STRING deployment state JSON
//	<prefix>:<mode>:removals       STRING removal log JSON
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to Redis.
//
// Args:
//   - addr: Redis address (e.g., "localhost:6379")
//   - password: Redis password (empty string if none)
//   - db: Redis database number
//   - prefix: key prefix shared by every key the backend writes
//
// Returns:
//   - *RedisBackend or error if connection fails
func NewRedisBackend(addr, password string, db int, prefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisBackendWithClient(client, prefix), nil
}

// NewRedisBackendWithClient wraps an existing client
func NewRedisBackendWithClient(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "placer"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(mode Mode, name string) string {
	return fmt.Sprintf("%s:%s:%s", b.prefix, mode, name)
}

func (b *RedisBackend) History(mode Mode) HistoryStore {
	return &redisHistory{
		client: b.client,
		hash:   b.key(mode, "history"),
		index:  b.key(mode, "history:index"),
	}
}

func (b *RedisBackend) State(mode Mode) StateStore {
	return &redisState{
		client:   b.client,
		state:    b.key(mode, "state"),
		removals: b.key(mode, "removals"),
	}
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

type redisHistory struct {
	client *redis.Client
	hash   string
	index  string
}

func (h *redisHistory) Load(ctx context.Context) ([]api.TrafficSnapshot, error) {
	entries, err := h.client.HGetAll(ctx, h.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL failed: %w", err)
	}

	out := make([]api.TrafficSnapshot, 0, len(entries))
	seen := make(map[int64]bool, len(entries))
	for field, raw := range entries {
		snap, err := decodeEntry(field, json.RawMessage(raw))
		if err != nil {
			logrus.WithError(err).WithField("entry", field).Warn("Skipping malformed history entry")
			continue
		}
		if seen[snap.Timestamp.UnixNano()] {
			continue
		}
		seen[snap.Timestamp.UnixNano()] = true
		out = append(out, snap)
	}
	sortNewestFirst(out)
	return out, nil
}

// Append writes the entry and evicts the overflow in one transaction.
// The index is watched so a concurrent writer forces a retry.
func (h *redisHistory) Append(ctx context.Context, snap api.TrafficSnapshot, maxEntries int) error {
	field := api.FormatTimestamp(snap.Timestamp)
	score := float64(snap.Timestamp.UnixMicro())
	counts, err := json.Marshal(encodeCounts(snap.Counts))
	if err != nil {
		return fmt.Errorf("failed to marshal counts: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		var stale []string
		if maxEntries > 0 {
			overflow, err := h.overflow(ctx, tx, redis.Z{Score: score, Member: field}, maxEntries)
			if err != nil {
				return err
			}
			stale = overflow
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, h.hash, field, counts)
			pipe.ZAdd(ctx, h.index, &redis.Z{Score: score, Member: field})
			if len(stale) > 0 {
				members := make([]interface{}, len(stale))
				for i, f := range stale {
					members[i] = f
				}
				pipe.HDel(ctx, h.hash, stale...)
				pipe.ZRem(ctx, h.index, members...)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		err = h.client.Watch(ctx, txf, h.index)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("redis history append failed: %w", err)
	}
	return nil
}

const maxAppendAttempts = 3

// overflow lists the fields ranked below the newest maxEntries once next is added
func (h *redisHistory) overflow(ctx context.Context, tx *redis.Tx, next redis.Z, maxEntries int) ([]string, error) {
	existing, err := tx.ZRangeWithScores(ctx, h.index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGE failed: %w", err)
	}

	entries := make([]redis.Z, 0, len(existing)+1)
	for _, z := range existing {
		if z.Member != next.Member {
			entries = append(entries, z)
		}
	}
	entries = append(entries, next)
	if len(entries) <= maxEntries {
		return nil, nil
	}

	// Same order as ZRANGE: score, then member
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score < entries[j].Score
		}
		return fmt.Sprint(entries[i].Member) < fmt.Sprint(entries[j].Member)
	})

	stale := make([]string, 0, len(entries)-maxEntries)
	for _, z := range entries[:len(entries)-maxEntries] {
		stale = append(stale, fmt.Sprint(z.Member))
	}
	return stale, nil
}

func (h *redisHistory) Delete(ctx context.Context, ts time.Time) error {
	return h.remove(ctx, api.FormatTimestamp(ts))
}

func (h *redisHistory) remove(ctx context.Context, fields ...string) error {
	members := make([]interface{}, len(fields))
	for i, f := range fields {
		members[i] = f
	}

	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, h.hash, fields...)
		pipe.ZRem(ctx, h.index, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis history delete failed: %w", err)
	}
	return nil
}

type redisState struct {
	client   *redis.Client
	state    string
	removals string
}

func (s *redisState) Load(ctx context.Context) (api.DeploymentState, error) {
	values, err := s.client.MGet(ctx, s.state, s.removals).Result()
	if err != nil {
		return api.DeploymentState{}, fmt.Errorf("redis MGET failed: %w", err)
	}

	regions, legacy, err := decodeState(stringBytes(values[0]))
	if err != nil {
		return api.DeploymentState{}, fmt.Errorf("%s: %w", s.state, err)
	}
	if legacy {
		logrus.WithField("key", s.state).Info("Loaded legacy list deployment state, it will be rewritten on next save")
	}

	state := api.NewDeploymentState()
	state.Regions = regions
	state.Removed = decodeRemovals(stringBytes(values[1]))
	return state, nil
}

func (s *redisState) Save(ctx context.Context, state api.DeploymentState) error {
	data, err := encodeState(state.Regions)
	if err != nil {
		return fmt.Errorf("failed to encode deployment state: %w", err)
	}
	removals, err := encodeRemovals(state.Removed)
	if err != nil {
		return fmt.Errorf("failed to encode removal log: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.state, data, 0)
		pipe.Set(ctx, s.removals, removals, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis state save failed: %w", err)
	}
	return nil
}

// stringBytes converts an MGET value, nil for a missing key
func stringBytes(v interface{}) []byte {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return []byte(s)
}

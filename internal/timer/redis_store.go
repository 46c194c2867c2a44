package timer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultIndexKey = "preorder:timers"
	memberSep       = "|"
)

// ackScript removes the index entry only when the generation still matches.
var ackScript = redis.NewScript(`
if redis.call("hget", KEYS[2], ARGV[1]) == ARGV[2] then
	redis.call("zrem", KEYS[1], ARGV[1])
	redis.call("hdel", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// restoreScript indexes a timer only when nothing is indexed for the member.
var restoreScript = redis.NewScript(`
if redis.call("hsetnx", KEYS[2], ARGV[1], ARGV[2]) == 1 then
	redis.call("zadd", KEYS[1], ARGV[3], ARGV[1])
	return 1
end
return 0
`)

// RedisStore keeps the timer index in a sorted set scored by fires_at in
// unix milliseconds, with the current generation in a companion hash.
type RedisStore struct {
	client  redis.Cmdable
	zsetKey string
	genKey  string
}

func NewRedisStore(client redis.Cmdable, key string) *RedisStore {
	if key == "" {
		key = defaultIndexKey
	}
	return &RedisStore{client: client, zsetKey: key, genKey: key + ":gen"}
}

func member(orderID string, purpose Purpose) string {
	return orderID + memberSep + string(purpose)
}

func parseMember(m string) (string, Purpose, error) {
	i := strings.LastIndex(m, memberSep)
	if i <= 0 || i == len(m)-1 {
		return "", "", fmt.Errorf("malformed timer member %q", m)
	}
	return m[:i], Purpose(m[i+1:]), nil
}

func (s *RedisStore) Schedule(ctx context.Context, f Firing) error {
	m := member(f.OrderID, f.Purpose)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.zsetKey, redis.Z{Score: float64(f.FiresAt.UnixMilli()), Member: m})
		p.HSet(ctx, s.genKey, m, strconv.FormatInt(f.Generation, 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule timer %s: %w", m, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, orderID string, purpose Purpose) error {
	m := member(orderID, purpose)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, s.zsetKey, m)
		p.HDel(ctx, s.genKey, m)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove timer %s: %w", m, err)
	}
	return nil
}

func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]Firing, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := s.client.ZRangeByScoreWithScores(ctx, s.zsetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	members := make([]string, len(entries))
	for i, e := range entries {
		members[i], _ = e.Member.(string)
	}
	gens, err := s.client.HMGet(ctx, s.genKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget: %w", err)
	}

	out := make([]Firing, 0, len(entries))
	for i, e := range entries {
		orderID, purpose, err := parseMember(members[i])
		if err != nil {
			continue
		}
		raw, ok := gens[i].(string)
		if !ok {
			continue
		}
		gen, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Firing{
			OrderID:    orderID,
			Purpose:    purpose,
			Generation: gen,
			FiresAt:    time.UnixMilli(int64(e.Score)).UTC(),
		})
	}
	return out, nil
}

func (s *RedisStore) Ack(ctx context.Context, f Firing) error {
	m := member(f.OrderID, f.Purpose)
	err := ackScript.Run(ctx, s.client, []string{s.zsetKey, s.genKey}, m, strconv.FormatInt(f.Generation, 10)).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("ack timer %s: %w", m, err)
	}
	return nil
}

// Restore indexes f unless the order already has an entry for its purpose,
// so a stale snapshot never replaces a newer generation. It reports whether
// f was added.
func (s *RedisStore) Restore(ctx context.Context, f Firing) (bool, error) {
	m := member(f.OrderID, f.Purpose)
	n, err := restoreScript.Run(ctx, s.client, []string{s.zsetKey, s.genKey},
		m, strconv.FormatInt(f.Generation, 10), strconv.FormatInt(f.FiresAt.UnixMilli(), 10)).Int()
	if err != nil {
		return false, fmt.Errorf("restore timer %s: %w", m, err)
	}
	return n == 1, nil
}

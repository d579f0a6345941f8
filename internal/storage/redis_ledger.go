package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/antigravity/keypool/internal/quota"
)

// RedisConfig configures the Redis client.
type RedisConfig struct {
	URL      string
	DB       int
	PoolSize int
}

// NewRedisClient builds a client from a redis:// URL, falling back to
// treating the URL as a plain address.
func NewRedisClient(cfg RedisConfig) *goredis.Client {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		opts = &goredis.Options{Addr: cfg.URL}
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return goredis.NewClient(opts)
}

// PingRedis verifies connectivity with a short timeout.
func PingRedis(ctx context.Context, client goredis.Cmdable) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("storage/redis: ping: %w", err)
	}
	return nil
}

// RedisLedger keeps the usage windows of every (key, model) pair in one
// Redis hash, so several pool processes share one authoritative count.
// Window limits still come from the in-process model records.
type RedisLedger struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ quota.Ledger = (*RedisLedger)(nil)

// RedisOption configures RedisLedger.
type RedisOption func(*RedisLedger)

// WithKeyPrefix sets the Redis key prefix (default "keypool:usage:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLedger) {
		if prefix != "" {
			l.keyPrefix = prefix
		}
	}
}

// NewRedisLedger creates a Redis-backed ledger.
func NewRedisLedger(client goredis.Cmdable, opts ...RedisOption) *RedisLedger {
	l := &RedisLedger{
		client:    client,
		keyPrefix: "keypool:usage:",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLedger) hashKey(keyID, modelID string) string {
	return l.keyPrefix + keyID + ":" + modelID
}

// windowScript resets expired windows, then reports the first exhausted
// horizon. When ARGV[8] is "1" and every horizon has capacity it also
// consumes one unit on all three.
//
// KEYS[1] = pair hash
// ARGV[1] = now (unix ms)
// ARGV[2..4] = rpm, rph, rpd limits
// ARGV[5..7] = horizon durations (ms)
// ARGV[8] = reserve flag
//
// Returns 0 when capacity is available (and reserved), or 1..3 naming
// the exhausted horizon.
var windowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local reserve = ARGV[8] == "1"
local names = {"rpm", "rph", "rpd"}
local used = {}
local started = {}

for i = 1, 3 do
	local u = tonumber(redis.call("HGET", key, names[i] .. "_used") or "0")
	local s = redis.call("HGET", key, names[i] .. "_start")
	if s then
		s = tonumber(s)
		if now > s + tonumber(ARGV[4 + i]) then
			u = 0
			s = now
			redis.call("HSET", key, names[i] .. "_used", 0, names[i] .. "_start", now)
		end
	end
	used[i] = u
	started[i] = s
end

for i = 1, 3 do
	if used[i] >= tonumber(ARGV[1 + i]) then
		return i
	end
end

if not reserve then
	return 0
end

for i = 1, 3 do
	if not started[i] then
		redis.call("HSET", key, names[i] .. "_start", now)
	end
	redis.call("HINCRBY", key, names[i] .. "_used", 1)
end
redis.call("PEXPIRE", key, tonumber(ARGV[7]) * 2)
return 0
`)

func (l *RedisLedger) run(ctx context.Context, keyID string, m *quota.Model, now time.Time, reserve bool) (int64, error) {
	limits := m.Limits()
	flag := "0"
	if reserve {
		flag = "1"
	}
	args := []interface{}{
		now.UnixMilli(),
		limits.RPM, limits.RPH, limits.RPD,
		quota.Minute.Duration().Milliseconds(),
		quota.Hour.Duration().Milliseconds(),
		quota.Day.Duration().Milliseconds(),
		flag,
	}
	return windowScript.Run(ctx, l.client, []string{l.hashKey(keyID, m.ID())}, args...).Int64()
}

// Available reports whether every window of the pair has capacity.
func (l *RedisLedger) Available(ctx context.Context, keyID string, m *quota.Model, now time.Time) (bool, error) {
	res, err := l.run(ctx, keyID, m, now, false)
	if err != nil {
		return false, fmt.Errorf("storage/redis: available: %w", err)
	}
	return res == 0, nil
}

// Reserve consumes one unit on every horizon in a single script call.
func (l *RedisLedger) Reserve(ctx context.Context, keyID string, m *quota.Model, now time.Time) error {
	if !m.Enabled() {
		return quota.ErrModelDisabled
	}
	res, err := l.run(ctx, keyID, m, now, true)
	if err != nil {
		return fmt.Errorf("storage/redis: reserve: %w", err)
	}
	if res == 0 {
		return nil
	}
	h := quota.Horizon(res - 1)
	limit := m.Limits().For(h)
	return &quota.WindowExhaustedError{Horizon: h, Used: limit, Limit: limit}
}

// Windows reads the pair's windows, applying expired resets to the
// returned copies only.
func (l *RedisLedger) Windows(ctx context.Context, keyID string, m *quota.Model, now time.Time) ([len(quota.Horizons)]quota.Window, error) {
	var out [len(quota.Horizons)]quota.Window
	fields := make([]string, 0, 2*len(quota.Horizons))
	for _, h := range quota.Horizons {
		fields = append(fields, h.String()+"_used", h.String()+"_start")
	}
	vals, err := l.client.HMGet(ctx, l.hashKey(keyID, m.ID()), fields...).Result()
	if err != nil {
		return out, fmt.Errorf("storage/redis: windows: %w", err)
	}

	limits := m.Limits()
	for i, h := range quota.Horizons {
		w := quota.NewWindow(h, limits.For(h))
		if used, ok := parseInt(vals[2*i]); ok {
			w.Used = used
		}
		if start, ok := parseInt(vals[2*i+1]); ok {
			w.Start = time.UnixMilli(start).UTC()
		}
		w.CheckAndReset(now)
		out[i] = w
	}
	return out, nil
}

// Forget deletes the pair's hash.
func (l *RedisLedger) Forget(ctx context.Context, keyID, modelID string) error {
	if err := l.client.Del(ctx, l.hashKey(keyID, modelID)).Err(); err != nil {
		return fmt.Errorf("storage/redis: forget: %w", err)
	}
	return nil
}

func parseInt(v interface{}) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

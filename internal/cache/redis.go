package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oggyb/muzz-connect/internal/config"
)

const (
	likeCountTTL = time.Hour
	unreadTTL    = 24 * time.Hour
	// PresenceTTL bounds how long a crashed instance can keep a user "online".
	PresenceTTL = 2 * time.Minute
)

type RedisCache struct {
	Client *redis.Client
}

// NewRedisCache initializes Redis client from config.
// Only Addr is mandatory, Password/DB are optional.
func NewRedisCache(cfg *config.Config) *RedisCache {
	opts := &redis.Options{
		Addr: cfg.Redis.Addr,
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	return &RedisCache{Client: redis.NewClient(opts)}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.Client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.Client.Set(ctx, key, value, ttl).Err()
}

// Get returns "" and no error on a cache miss.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.Client.Del(ctx, key).Err()
}

// --- like counters ---

// KeyForLikeCount generates Redis key for a user's like count
func (c *RedisCache) KeyForLikeCount(userID uint64) string {
	return fmt.Sprintf("likes:count:%d", userID)
}

// IncrLikeCount bumps a cached like count only when it is already cached, so a
// cold key is never initialised to a partial value.
func (c *RedisCache) IncrLikeCount(ctx context.Context, userID uint64) error {
	key := c.KeyForLikeCount(userID)
	n, err := c.Client.Exists(ctx, key).Result()
	if err != nil || n == 0 {
		return err
	}
	pipe := c.Client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, likeCountTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisCache) UpdateLikeCount(ctx context.Context, userID uint64, count int64) error {
	// Always refresh TTL when updating
	return c.Client.Set(ctx, c.KeyForLikeCount(userID), count, likeCountTTL).Err()
}

// GetLikeCount returns (count, true) on a hit and refreshes the TTL.
func (c *RedisCache) GetLikeCount(ctx context.Context, userID uint64) (int64, bool, error) {
	key := c.KeyForLikeCount(userID)
	val, err := c.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil // cache miss
	} else if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	// refresh TTL on access
	_ = c.Client.Expire(ctx, key, likeCountTTL).Err()
	return n, true, nil
}

// --- unread counters ---

func (c *RedisCache) KeyForUnread(conversationID, userID uint64) string {
	return fmt.Sprintf("unread:%d:%d", conversationID, userID)
}

// unreadFill marks a counter being rebuilt from the store. A send or read
// that touches the key meanwhile removes the marker, and the rebuilt value,
// already stale, is dropped.
const (
	unreadFill    = "fill"
	unreadFillTTL = 10 * time.Second
)

// incrIfPresent increments KEYS[1] and refreshes its TTL only when a count is
// cached. A pending fill marker is removed instead. Returns -1 when nothing
// was incremented.
var incrIfPresent = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return -1
end
if v == ARGV[2] then
	redis.call("DEL", KEYS[1])
	return -1
end
local n = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[1])
return n
`)

// commitFill replaces the fill marker with the counted value.
var commitFill = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
	return 1
end
return 0
`)

// IncrUnread bumps the unread counter if it is cached. A missing key is left
// missing; readers fall back to the store and repopulate it.
func (c *RedisCache) IncrUnread(ctx context.Context, conversationID, userID uint64) error {
	key := c.KeyForUnread(conversationID, userID)
	return incrIfPresent.Run(ctx, c.Client, []string{key}, int(unreadTTL/time.Second), unreadFill).Err()
}

// BeginUnreadFill claims an uncached counter for a rebuild. false means a
// count is cached or another rebuild holds the claim.
func (c *RedisCache) BeginUnreadFill(ctx context.Context, conversationID, userID uint64) (bool, error) {
	return c.Client.SetNX(ctx, c.KeyForUnread(conversationID, userID), unreadFill, unreadFillTTL).Result()
}

// CommitUnreadFill caches n if the claim from BeginUnreadFill is intact.
func (c *RedisCache) CommitUnreadFill(ctx context.Context, conversationID, userID uint64, n int64) (bool, error) {
	key := c.KeyForUnread(conversationID, userID)
	res, err := commitFill.Run(ctx, c.Client, []string{key}, unreadFill, n, int(unreadTTL/time.Second)).Int()
	return res == 1, err
}

func (c *RedisCache) SetUnread(ctx context.Context, conversationID, userID uint64, n int64) error {
	return c.Client.Set(ctx, c.KeyForUnread(conversationID, userID), n, unreadTTL).Err()
}

// GetUnread returns (count, true) on a hit. A pending fill is a miss.
func (c *RedisCache) GetUnread(ctx context.Context, conversationID, userID uint64) (int64, bool, error) {
	val, err := c.Client.Get(ctx, c.KeyForUnread(conversationID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

// --- presence mirror ---

func (c *RedisCache) KeyForPresence(userID uint64) string {
	return fmt.Sprintf("presence:sessions:%d", userID)
}

// MarkSessionOnline records a live session for the user, refreshing the TTL.
// Used on connect and on heartbeat.
func (c *RedisCache) MarkSessionOnline(ctx context.Context, userID uint64, sessionID string, at time.Time) error {
	key := c.KeyForPresence(userID)
	pipe := c.Client.TxPipeline()
	pipe.HSet(ctx, key, sessionID, at.UnixMilli())
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) MarkSessionOffline(ctx context.Context, userID uint64, sessionID string) error {
	return c.Client.HDel(ctx, c.KeyForPresence(userID), sessionID).Err()
}

// IsOnline reports whether any instance holds a live session for the user.
func (c *RedisCache) IsOnline(ctx context.Context, userID uint64) (bool, error) {
	n, err := c.Client.HLen(ctx, c.KeyForPresence(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the shared presence store
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// DefaultRedisConfig returns default Redis configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "relay:presence",
	}
}

// removeOwned deletes a registration only while it still belongs to the
// disconnecting connection.
var removeOwned = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	redis.call('HDEL', KEYS[1], ARGV[1])
	redis.call('ZREM', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// RedisPresence is a PresenceStore shared by every gateway instance.
// Owners live in a hash, last-seen times in a sorted set scored in unix millis.
type RedisPresence struct {
	client    redis.UniversalClient
	ownersKey string
	seenKey   string
}

// NewRedisPresence connects to Redis and verifies the connection.
func NewRedisPresence(ctx context.Context, config RedisConfig) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", config.Addr, err)
	}
	return NewRedisPresenceFromClient(client, config.KeyPrefix), nil
}

// NewRedisPresenceFromClient wraps an existing client.
func NewRedisPresenceFromClient(client redis.UniversalClient, prefix string) *RedisPresence {
	if prefix == "" {
		prefix = DefaultRedisConfig().KeyPrefix
	}
	return &RedisPresence{
		client:    client,
		ownersKey: prefix + ":owners",
		seenKey:   prefix + ":seen",
	}
}

func (r *RedisPresence) Register(ctx context.Context, p Presence) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.ownersKey, p.UserID, ownerValue(p.Instance, p.ConnID))
		pipe.ZAdd(ctx, r.seenKey, redis.Z{Score: float64(p.LastSeen.UnixMilli()), Member: p.UserID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", p.UserID, err)
	}
	return nil
}

func (r *RedisPresence) Touch(ctx context.Context, userID string, now time.Time) (bool, error) {
	if _, err := r.client.ZScore(ctx, r.seenKey, userID).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("touch %s: %w", userID, err)
	}
	if err := r.client.ZAddXX(ctx, r.seenKey, redis.Z{Score: float64(now.UnixMilli()), Member: userID}).Err(); err != nil {
		return false, fmt.Errorf("touch %s: %w", userID, err)
	}
	return true, nil
}

func (r *RedisPresence) Remove(ctx context.Context, userID, connID string) (bool, error) {
	owner, err := r.client.HGet(ctx, r.ownersKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", userID, err)
	}
	if _, id := parseOwner(owner); id != connID {
		return false, nil
	}

	n, err := removeOwned.Run(ctx, r.client, []string{r.ownersKey, r.seenKey}, userID, owner).Int()
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", userID, err)
	}
	return n == 1, nil
}

func (r *RedisPresence) Lookup(ctx context.Context, userID string) (Presence, bool, error) {
	var owner *redis.StringCmd
	var seen *redis.FloatCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		owner = pipe.HGet(ctx, r.ownersKey, userID)
		seen = pipe.ZScore(ctx, r.seenKey, userID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Presence{}, false, fmt.Errorf("lookup %s: %w", userID, err)
	}

	value, err := owner.Result()
	if errors.Is(err, redis.Nil) {
		return Presence{}, false, nil
	}
	if err != nil {
		return Presence{}, false, fmt.Errorf("lookup %s: %w", userID, err)
	}
	score, err := seen.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Presence{}, false, fmt.Errorf("lookup %s: %w", userID, err)
	}

	instance, connID := parseOwner(value)
	return Presence{
		UserID:   userID,
		Instance: instance,
		ConnID:   connID,
		LastSeen: time.UnixMilli(int64(score)),
	}, true, nil
}

func (r *RedisPresence) Online(ctx context.Context) ([]string, error) {
	users, err := r.client.ZRange(ctx, r.seenKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	return users, nil
}

func (r *RedisPresence) Sweep(ctx context.Context, cutoff time.Time) ([]string, error) {
	stale, err := r.client.ZRangeByScore(ctx, r.seenKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("find inactive users: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	members := make([]interface{}, len(stale))
	for i, id := range stale {
		members[i] = id
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.ownersKey, stale...)
		pipe.ZRem(ctx, r.seenKey, members...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("remove inactive users: %w", err)
	}
	return stale, nil
}

// Close releases the Redis client.
func (r *RedisPresence) Close() error {
	return r.client.Close()
}

func ownerValue(instance, connID string) string {
	return instance + "|" + connID
}

func parseOwner(value string) (instance, connID string) {
	instance, connID, _ = strings.Cut(value, "|")
	return instance, connID
}

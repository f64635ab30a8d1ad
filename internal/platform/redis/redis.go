package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"

	"crawlengine/internal/logger"
)

type Options struct {
	Addr     string
	Password string
}

type Service struct {
	client *redisv8.Client
	log    *logger.Logger
}

func New(opts Options) (*Service, error) {
	c := redisv8.NewClient(&redisv8.Options{Addr: opts.Addr, Password: opts.Password})
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Service{client: c, log: logger.New("Redis")}, nil
}

func (s *Service) Close() error            { return s.client.Close() }
func (s *Service) Client() *redisv8.Client { return s.client }

func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.LogErrorf("Redis health check failed: %v", err)
		return fmt.Errorf("redis ping failed: %v", err)
	}
	return nil
}

func (s *Service) AsynqRedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: s.client.Options().Addr, Password: s.client.Options().Password}
}

// Cache helpers

func (s *Service) CacheGet(ctx context.Context, key string, dest interface{}) error {
	b, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dest)
}

func (s *Service) CacheSet(ctx context.Context, key string, val interface{}, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, b, ttl).Err()
}

// Atomic coordination helpers. All cross-worker shared state goes through
// these; in-process locks do not serialize across instances.

// Incr atomically increments a counter key.
func (s *Service) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

// Decr atomically decrements a counter key.
func (s *Service) Decr(ctx context.Context, key string) (int64, error) {
	return s.client.Decr(ctx, key).Result()
}

// GetInt reads an integer counter, returning 0 for a missing key.
func (s *Service) GetInt(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if err == redisv8.Nil {
		return 0, nil
	}
	return v, err
}

// SetFlag performs a SETNX compare-and-swap on a boolean flag key.
// Returns true only for the single caller that set it first.
func (s *Service) SetFlag(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, "1", ttl).Result()
}

// AddToSet performs an atomic check-and-insert on a set member.
// Returns true when the member was newly added.
func (s *Service) AddToSet(ctx context.Context, key, member string) (bool, error) {
	added, err := s.client.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

// RemoveFromSet drops a set member, compensating a claim whose follow-up
// work failed.
func (s *Service) RemoveFromSet(ctx context.Context, key, member string) error {
	return s.client.SRem(ctx, key, member).Err()
}

// Expire sets a TTL on a key, used to archive crawl-scoped state.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// fixedWindowScript counts a hit in a fixed window and stamps the window TTL
// on first hit, in one atomic step.
var fixedWindowScript = redisv8.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// WindowIncr atomically increments a fixed-window counter, setting the
// window's expiry when the window opens. Returns the count after increment.
func (s *Service) WindowIncr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := fixedWindowScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// WindowTTL reports the remaining time of an open window.
func (s *Service) WindowTTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

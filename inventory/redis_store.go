package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "bookingsaga/errors"
	"bookingsaga/logging"
	"bookingsaga/patterns/retry"
)

// client go-redis 命令子集，便于测试替换
type client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisConfig Redis 名额存储配置
type RedisConfig struct {
	KeyPrefix string        // 默认 inventory:hold:
	TTL       time.Duration // 默认 DefaultHoldTTL
	Retry     retry.Config  // 网络抖动重试，默认 retry.DefaultConfig()
	Logger    logging.Logger
}

// RedisStore 以 inventory:hold:<bookingID> 键表示持有的名额
type RedisStore struct {
	rdb    client
	cfg    RedisConfig
	logger logging.Logger
	now    func() time.Time
}

var _ Service = (*RedisStore)(nil)

// NewRedisStore 创建 Redis 名额存储
func NewRedisStore(rdb redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "inventory:hold:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultHoldTTL
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = isTransient
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("inventory.redis")
	}
	return &RedisStore{rdb: rdb, cfg: cfg, logger: cfg.Logger, now: time.Now}
}

// Hold SET NX 占用名额；已持有时视为成功
func (s *RedisStore) Hold(ctx context.Context, bookingID string) error {
	if bookingID == "" {
		return apperrors.NewValidationError("booking id is required")
	}
	var created bool
	err := s.do(ctx, "hold", func(ctx context.Context) error {
		ok, err := s.rdb.SetNX(ctx, s.key(bookingID), s.value(), s.cfg.TTL).Result()
		created = ok
		return err
	})
	if err != nil {
		return err
	}
	if !created {
		s.logger.Debug(ctx, "inventory already held", logging.String("booking_id", bookingID))
	}
	return nil
}

// Release 删除名额；没有名额时返回 ErrNotHeld
func (s *RedisStore) Release(ctx context.Context, bookingID string) error {
	var n int64
	err := s.do(ctx, "release", func(ctx context.Context) error {
		var err error
		n, err = s.rdb.Del(ctx, s.key(bookingID)).Result()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.WrapError(ErrNotHeld, apperrors.ErrCodeNotFound, "release inventory "+bookingID)
	}
	return nil
}

// Rehold 无条件重新占用并刷新 TTL
func (s *RedisStore) Rehold(ctx context.Context, bookingID string) error {
	if bookingID == "" {
		return apperrors.NewValidationError("booking id is required")
	}
	return s.do(ctx, "rehold", func(ctx context.Context) error {
		return s.rdb.Set(ctx, s.key(bookingID), s.value(), s.cfg.TTL).Err()
	})
}

// IsHeld 名额是否存在
func (s *RedisStore) IsHeld(ctx context.Context, bookingID string) (bool, error) {
	var n int64
	err := s.do(ctx, "exists", func(ctx context.Context) error {
		var err error
		n, err = s.rdb.Exists(ctx, s.key(bookingID)).Result()
		return err
	})
	return n > 0, err
}

func (s *RedisStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := s.cfg.Retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.Warn(ctx, "inventory redis call failed, retrying",
			logging.String("op", op),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err))
	}
	err := retry.Do(ctx, func(ctx context.Context, _ int) error { return fn(ctx) }, cfg)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeDependency, "inventory "+op)
	}
	return nil
}

func (s *RedisStore) key(bookingID string) string {
	return s.cfg.KeyPrefix + bookingID
}

func (s *RedisStore) value() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, redis.Nil)
}

// Package idempotency 保证同一个幂等键的请求最多执行一次
//
// 第一个请求取得锁并执行；并发的重复请求等待其完成后拿到记录的终态结果；
// 完成之后再到达的重复请求直接回放。执行失败时释放锁且不记录结果，请求可以重试。
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "bookingsaga/errors"
	"bookingsaga/logging"
	"bookingsaga/patterns/retry"
)

var (
	// ErrInProgress 等待超时时同键请求仍在执行
	ErrInProgress = errors.New("request with the same idempotency key is still in progress")
	// ErrNotOwner 完成或释放时锁已不属于调用方（通常是锁过期后被他人获取）
	ErrNotOwner = errors.New("idempotency lock is not held by caller")
)

// Record 需要回放的终态响应
type Record struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Store 幂等存储
//
// Acquire 在已有终态记录时返回该记录；否则尝试以 owner 身份加锁，acquired 表示是否成功。
type Store interface {
	Acquire(ctx context.Context, key, owner string, lockTTL time.Duration) (rec *Record, acquired bool, err error)
	Complete(ctx context.Context, key, owner string, rec Record, ttl time.Duration) error
	Release(ctx context.Context, key, owner string) error
	// Extend 续期 owner 持有的锁；锁已过期或不属于 owner 时返回 ErrNotOwner
	Extend(ctx context.Context, key, owner string, lockTTL time.Duration) error
}

// Config 幂等门配置
type Config struct {
	LockTTL      time.Duration `mapstructure:"lock_ttl"`      // 执行锁过期时间，执行期间每 LockTTL/3 续期一次
	RecordTTL    time.Duration `mapstructure:"record_ttl"`    // 终态记录保留时间
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`  // 重复请求最长等待
	PollInterval time.Duration `mapstructure:"poll_interval"` // 等待时的初始轮询间隔
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		LockTTL:      30 * time.Second,
		RecordTTL:    24 * time.Hour,
		WaitTimeout:  10 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}
}

// Gate 幂等门
type Gate struct {
	store    Store
	cfg      Config
	logger   logging.Logger
	newOwner func() string
}

// NewGate 创建幂等门，cfg 零值字段使用默认值
func NewGate(store Store, cfg Config, logger logging.Logger) *Gate {
	def := DefaultConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = def.RecordTTL
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = logging.ComponentLogger("idempotency")
	}
	return &Gate{store: store, cfg: cfg, logger: logger, newOwner: uuid.NewString}
}

var errStillRunning = errors.New("still running")

// Do 在幂等键保护下执行 fn
//
// replayed 为 true 表示结果来自之前的执行。key 为空时直接执行 fn。
func (g *Gate) Do(ctx context.Context, key string, fn func(ctx context.Context) (Record, error)) (Record, bool, error) {
	if key == "" {
		rec, err := fn(ctx)
		return rec, false, err
	}

	owner := g.newOwner()
	rec, acquired, err := g.store.Acquire(ctx, key, owner, g.cfg.LockTTL)
	if err != nil {
		return Record{}, false, err
	}
	if rec != nil {
		g.logger.Info(ctx, "idempotent request replayed", logging.String("key", key))
		return *rec, true, nil
	}
	if !acquired {
		rec, err = g.wait(ctx, key, owner)
		if err != nil {
			return Record{}, false, err
		}
		if rec != nil {
			g.logger.Info(ctx, "idempotent request replayed after wait", logging.String("key", key))
			return *rec, true, nil
		}
	}
	return g.run(ctx, key, owner, fn)
}

func (g *Gate) run(ctx context.Context, key, owner string, fn func(ctx context.Context) (Record, error)) (rec Record, replayed bool, err error) {
	completed := false
	defer func() {
		if completed {
			return
		}
		// fn 失败或 panic 时释放锁，允许重试
		if relErr := g.store.Release(context.WithoutCancel(ctx), key, owner); relErr != nil {
			g.logger.Warn(ctx, "idempotency lock release failed",
				logging.String("key", key), logging.Error(relErr))
		}
	}()

	stop := g.keepAlive(ctx, key, owner)
	rec, err = fn(ctx)
	stop()
	if err != nil {
		return Record{}, false, err
	}
	completed = true
	if cErr := g.store.Complete(context.WithoutCancel(ctx), key, owner, rec, g.cfg.RecordTTL); cErr != nil {
		// 结果已经产生，只是未能记录；重复请求可能再次执行
		g.logger.Error(ctx, "idempotency record not stored",
			logging.String("key", key), logging.Error(cErr))
	}
	return rec, false, nil
}

// keepAlive 在 fn 执行期间续期锁，防止长时间执行时锁过期被重复请求接管
func (g *Gate) keepAlive(ctx context.Context, key, owner string) (stop func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(g.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := g.store.Extend(ctx, key, owner, g.cfg.LockTTL)
				if err == nil || ctx.Err() != nil {
					continue
				}
				g.logger.Warn(ctx, "idempotency lock extension failed",
					logging.String("key", key), logging.Error(err))
				if errors.Is(err, ErrNotOwner) {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// wait 轮询直到拿到终态记录（返回记录）或取得锁（返回 nil）
func (g *Gate) wait(ctx context.Context, key, owner string) (*Record, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.WaitTimeout)
	defer cancel()

	g.logger.Debug(ctx, "waiting for in-flight request", logging.String("key", key))

	var got *Record
	err := retry.Do(waitCtx, func(ctx context.Context, _ int) error {
		rec, acquired, err := g.store.Acquire(ctx, key, owner, g.cfg.LockTTL)
		if err != nil {
			return retry.Permanent(err)
		}
		if rec != nil {
			got = rec
			return nil
		}
		if acquired {
			return nil
		}
		return errStillRunning
	}, retry.Config{
		MaxAttempts:   1 << 30,
		InitialDelay:  g.cfg.PollInterval,
		BackoffFactor: 1.5,
		MaxDelay:      10 * g.cfg.PollInterval,
	})

	switch {
	case err == nil:
		return got, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, errStillRunning), errors.Is(err, context.DeadlineExceeded):
		return nil, apperrors.WrapError(ErrInProgress, apperrors.ErrCodeConflict, key)
	default:
		return nil, err
	}
}

package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookingsaga/cache"
	apperrors "bookingsaga/errors"
	"bookingsaga/logging"
)

// SandboxConfig 沙箱配置
type SandboxConfig struct {
	// ReplayTTL 幂等响应保留时长，默认 24h
	ReplayTTL time.Duration
	// ReplaySize 幂等响应最多保留条数，默认 10000
	ReplaySize int
	// AdoptUnknownCharges 退款遇到未知扣款时按已扣款接管
	// （模拟进程启动前由外部渠道完成的扣款）
	AdoptUnknownCharges bool
	Logger              logging.Logger
	Now                 func() time.Time
}

// Call 一次实际改变账本的调用（回放不计入）
type Call struct {
	Op       Operation
	ChargeID string
	Amount   int64
	Key      string
}

type replay struct {
	op          Operation
	fingerprint string
	charge      Charge
	refund      Refund
}

// SandboxGateway 进程内账本实现的 Gateway
type SandboxGateway struct {
	cfg     SandboxConfig
	logger  logging.Logger
	replays *cache.Cache[string, replay]

	mu       sync.Mutex
	charges  map[string]*Charge
	calls    []Call
	failures map[Operation]error
}

var _ Gateway = (*SandboxGateway)(nil)

// NewSandboxGateway 创建沙箱网关
func NewSandboxGateway(cfg SandboxConfig) *SandboxGateway {
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = 24 * time.Hour
	}
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("payment.sandbox")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SandboxGateway{
		cfg:    cfg,
		logger: cfg.Logger,
		replays: cache.New[string, replay](cache.Config{
			Name:    "payment_replay",
			MaxSize: cfg.ReplaySize,
			TTL:     cfg.ReplayTTL,
			Now:     cfg.Now,
		}),
		charges:  make(map[string]*Charge),
		failures: make(map[Operation]error),
	}
}

// FailOn 让后续的 op 调用返回 err，err 为 nil 时取消
func (g *SandboxGateway) FailOn(op Operation, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failures, op)
		return
	}
	g.failures[op] = err
}

// Calls 改变账本的调用记录
func (g *SandboxGateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// Charge 查询扣款
func (g *SandboxGateway) Charge(id string) (Charge, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[id]
	if !ok {
		return Charge{}, false
	}
	return *c, true
}

// ReplayCache 幂等响应缓存，用于导出指标
func (g *SandboxGateway) ReplayCache() cache.StatsSource { return g.replays }

// SeedCapturedCharge 直接登记一笔已扣款
func (g *SandboxGateway) SeedCapturedCharge(id string, amount int64, currency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges[id] = &Charge{ID: id, Amount: amount, Currency: currency, Status: ChargeCaptured, Created: g.cfg.Now()}
}

func (g *SandboxGateway) Authorize(ctx context.Context, req AuthorizeRequest) (Charge, error) {
	if req.Amount <= 0 {
		return Charge{}, apperrors.WrapError(ErrInvalidAmount, apperrors.ErrCodeValidation, "authorize")
	}
	fp := fmt.Sprintf("%d|%s|%s", req.Amount, req.Currency, req.Method)
	r, err := g.run(ctx, OpAuthorize, req.IdempotencyKey, fp, func() (replay, error) {
		c := &Charge{
			ID:       "ch_" + uuid.NewString(),
			Amount:   req.Amount,
			Currency: req.Currency,
			Method:   req.Method,
			Status:   ChargeAuthorized,
			Created:  g.cfg.Now(),
		}
		g.charges[c.ID] = c
		g.calls = append(g.calls, Call{Op: OpAuthorize, ChargeID: c.ID, Amount: c.Amount, Key: req.IdempotencyKey})
		return replay{charge: *c}, nil
	})
	return r.charge, err
}

func (g *SandboxGateway) Capture(ctx context.Context, chargeID, key string) (Charge, error) {
	r, err := g.run(ctx, OpCapture, key, chargeID, func() (replay, error) {
		return g.transition(OpCapture, chargeID, key, ChargeCaptured, ChargeAuthorized)
	})
	return r.charge, err
}

func (g *SandboxGateway) Void(ctx context.Context, chargeID, key string) (Charge, error) {
	r, err := g.run(ctx, OpVoid, key, chargeID, func() (replay, error) {
		return g.transition(OpVoid, chargeID, key, ChargeVoided, ChargeAuthorized, ChargeCaptured)
	})
	return r.charge, err
}

func (g *SandboxGateway) Refund(ctx context.Context, chargeID string, amount int64, key string) (Refund, error) {
	if amount <= 0 {
		return Refund{}, apperrors.WrapError(ErrInvalidAmount, apperrors.ErrCodeValidation, "refund")
	}
	fp := fmt.Sprintf("%s|%d", chargeID, amount)
	r, err := g.run(ctx, OpRefund, key, fp, func() (replay, error) {
		c, ok := g.charges[chargeID]
		if !ok && g.cfg.AdoptUnknownCharges {
			c = &Charge{ID: chargeID, Amount: amount, Status: ChargeCaptured, Created: g.cfg.Now()}
			g.charges[chargeID] = c
		}
		if c == nil {
			return replay{}, apperrors.WrapError(ErrChargeNotFound, apperrors.ErrCodeNotFound, "refund "+chargeID)
		}
		if c.Status != ChargeCaptured && c.Status != ChargeRefunded {
			return replay{}, transitionError(c, OpRefund)
		}
		if c.Refunded+amount > c.Amount {
			return replay{}, apperrors.WrapError(ErrInvalidAmount, apperrors.ErrCodeValidation,
				fmt.Sprintf("refund %d exceeds refundable %d", amount, c.Amount-c.Refunded))
		}
		c.Refunded += amount
		if c.Refunded == c.Amount {
			c.Status = ChargeRefunded
		}
		ref := Refund{
			ID:        "re_" + uuid.NewString(),
			ChargeID:  chargeID,
			Amount:    amount,
			Remaining: c.Amount - c.Refunded,
			Created:   g.cfg.Now(),
		}
		g.calls = append(g.calls, Call{Op: OpRefund, ChargeID: chargeID, Amount: amount, Key: key})
		return replay{refund: ref, charge: *c}, nil
	})
	return r.refund, err
}

// run 处理幂等回放与故障注入，apply 在持锁状态下执行
func (g *SandboxGateway) run(ctx context.Context, op Operation, key, fingerprint string, apply func() (replay, error)) (replay, error) {
	if err := ctx.Err(); err != nil {
		return replay{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if key != "" {
		if prev, ok := g.replays.Get(key); ok {
			if prev.op != op || prev.fingerprint != fingerprint {
				return replay{}, apperrors.WrapError(ErrKeyReused, apperrors.ErrCodeConflict, key)
			}
			g.logger.Debug(ctx, "payment replayed by idempotency key",
				logging.String("op", string(op)), logging.String("key", key))
			return prev, nil
		}
	}
	if err := g.failures[op]; err != nil {
		return replay{}, apperrors.WrapError(err, apperrors.ErrCodeDependency, "payment "+string(op))
	}

	r, err := apply()
	if err != nil {
		return replay{}, err
	}
	r.op, r.fingerprint = op, fingerprint
	if key != "" {
		g.replays.Set(key, r)
	}
	return r, nil
}

// transition 需持锁调用
func (g *SandboxGateway) transition(op Operation, chargeID, key string, to ChargeStatus, from ...ChargeStatus) (replay, error) {
	c, ok := g.charges[chargeID]
	if !ok {
		return replay{}, apperrors.WrapError(ErrChargeNotFound, apperrors.ErrCodeNotFound, string(op)+" "+chargeID)
	}
	allowed := false
	for _, s := range from {
		if c.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return replay{}, transitionError(c, op)
	}
	c.Status = to
	g.calls = append(g.calls, Call{Op: op, ChargeID: chargeID, Amount: c.Amount, Key: key})
	return replay{charge: *c}, nil
}

func transitionError(c *Charge, op Operation) error {
	return apperrors.WrapError(ErrInvalidTransition, apperrors.ErrCodeConflict,
		fmt.Sprintf("cannot %s charge %s in status %s", op, c.ID, c.Status))
}

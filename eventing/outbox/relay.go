package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bookingsaga/logging"
)

// Relay 按批拉取未发布记录并投递到 Sink
//
// 投递失败的记录按指数退避重试，达到 MaxRetries 后转为 dead。
// 投递是至少一次语义：标记已发布失败时记录可能被再次投递，
// 下游应依赖 dedupe key 去重（JetStream 使用 Nats-Msg-Id）。
type Relay struct {
	repo    Repository
	sink    Sink
	cfg     Config
	log     logging.Logger
	metrics *RelayMetrics
	now     func() time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// RelayMetrics 投递指标
type RelayMetrics struct {
	deliveries *prometheus.CounterVec
	backlog    *prometheus.GaugeVec
}

// NewRelayMetrics 创建并注册投递指标，reg 为 nil 时使用默认注册器
func NewRelayMetrics(reg prometheus.Registerer) (*RelayMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &RelayMetrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookingsaga", Subsystem: "outbox",
			Name: "deliveries_total",
			Help: "Outbox delivery attempts by topic and result (published, failed, dead)",
		}, []string{"topic", "result"}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bookingsaga", Subsystem: "outbox",
			Name: "entries",
			Help: "Outbox entries by status as of the last relay cycle",
		}, []string{"status"}),
	}
	for _, c := range []prometheus.Collector{m.deliveries, m.backlog} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *RelayMetrics) delivered(topic, result string) {
	if m != nil {
		m.deliveries.WithLabelValues(topic, result).Inc()
	}
}

// statusCounter 可选：仓储支持按状态计数时，Relay 每轮更新 backlog 指标
type statusCounter interface {
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// NewRelay 创建 Relay；cfg 中的零值使用默认配置补齐
func NewRelay(repo Repository, sink Sink, cfg Config, logger logging.Logger) *Relay {
	def := DefaultConfig()
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = def.PublishInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = def.RetentionPeriod
	}
	if logger == nil {
		logger = logging.ComponentLogger("eventing.outbox.relay")
	}
	return &Relay{
		repo:   repo,
		sink:   sink,
		cfg:    cfg,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// WithMetrics 设置指标（可选）
func (r *Relay) WithMetrics(m *RelayMetrics) *Relay {
	r.metrics = m
	return r
}

// Start 启动后台投递循环
func (r *Relay) Start(ctx context.Context) error {
	go r.loop(ctx)
	return nil
}

// Stop 停止后台循环并等待退出
func (r *Relay) Stop() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
	return nil
}

// PublishPending 手动触发一轮投递，返回本轮发布成功的数量
func (r *Relay) PublishPending(ctx context.Context) (int, error) {
	return r.processOnce(ctx)
}

func (r *Relay) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PublishInterval)
	defer func() { ticker.Stop(); close(r.doneCh) }()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.processOnce(ctx); err != nil {
				r.log.Error(ctx, "outbox relay cycle failed", logging.Error(err))
			}
			if _, err := r.repo.DeletePublished(ctx, r.now().Add(-r.cfg.RetentionPeriod)); err != nil {
				r.log.Error(ctx, "outbox cleanup failed", logging.Error(err))
			}
			r.updateBacklog(ctx)
		}
	}
}

func (r *Relay) processOnce(ctx context.Context) (int, error) {
	entries, err := r.repo.GetPendingEntries(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}

		deliverErr := r.sink.Deliver(ctx, e)
		if deliverErr == nil {
			published++
			r.metrics.delivered(e.Topic, "published")
			if err := r.repo.MarkAsPublished(ctx, e.ID); err != nil {
				// 事件已投递，只是状态未更新；下一轮会重复投递，由下游去重
				r.log.Error(ctx, "outbox mark published failed",
					logging.Int64("entry", e.ID), logging.Error(err))
			}
			continue
		}

		if e.RetryCount+1 >= r.cfg.MaxRetries {
			r.metrics.delivered(e.Topic, "dead")
			r.log.Error(ctx, "outbox entry exhausted retries, marked dead",
				logging.Int64("entry", e.ID),
				logging.String("topic", e.Topic),
				logging.String("dedupe_key", e.DedupeKey),
				logging.Int("retries", e.RetryCount+1),
				logging.Error(deliverErr))
			if err := r.repo.MarkAsDead(ctx, e.ID, deliverErr.Error()); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		r.metrics.delivered(e.Topic, "failed")
		next := e.CalculateNextRetryTime(r.now(), r.cfg.RetryInterval)
		r.log.Warn(ctx, "outbox delivery failed, will retry",
			logging.Int64("entry", e.ID),
			logging.String("topic", e.Topic),
			logging.Int("retry_count", e.RetryCount+1),
			logging.Error(deliverErr))
		if err := r.repo.MarkAsFailed(ctx, e.ID, deliverErr.Error(), next); err != nil {
			errs = append(errs, err)
		}
	}
	return published, errors.Join(errs...)
}

func (r *Relay) updateBacklog(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	counter, ok := r.repo.(statusCounter)
	if !ok {
		return
	}
	counts, err := counter.CountByStatus(ctx)
	if err != nil {
		r.log.Warn(ctx, "outbox backlog count failed", logging.Error(err))
		return
	}
	for _, st := range []Status{StatusPending, StatusPublished, StatusFailed, StatusDead} {
		r.metrics.backlog.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// Package app 按配置装配 bookingsaga 的各个协作方
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"bookingsaga/booking"
	"bookingsaga/booking/sagas"
	"bookingsaga/cache"
	"bookingsaga/config"
	core "bookingsaga/data/db"
	"bookingsaga/data/db/basic"
	"bookingsaga/eventing/outbox"
	"bookingsaga/inventory"
	"bookingsaga/logging"
	"bookingsaga/messaging/transport/natsjetstream"
	"bookingsaga/messaging/transport/redisstreams"
	"bookingsaga/patterns/idempotency"
	"bookingsaga/payment"
	"bookingsaga/saga"
)

// App 装配完成的应用
type App struct {
	Config *config.Config
	Logger logging.Logger

	DB        core.IDatabase
	Bookings  *booking.SQLRepository
	Outbox    *outbox.SQLStore
	Inventory inventory.Service
	Payments  *payment.SandboxGateway
	Sagas     *sagas.Service

	// Registry 本应用的 Prometheus 注册器
	Registry *prometheus.Registry

	relayMetrics *outbox.RelayMetrics
	redis        redis.UniversalClient
	closers      []func() error
}

// Option 装配选项
type Option func(*options)

type options struct {
	logger logging.Logger
	redis  redis.UniversalClient
}

// WithLogger 使用指定 Logger，而不是按配置创建 zap Logger
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRedisClient 使用已有的 Redis 客户端（测试中指向 miniredis）
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *options) { o.redis = c }
}

// New 创建应用；失败时已打开的资源会被关闭
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.initLogger(o.logger); err != nil {
		return nil, err
	}
	if err := a.initDatabase(); err != nil {
		return nil, err
	}
	if err := a.initRedis(ctx, o.redis); err != nil {
		return nil, err
	}

	a.Payments = payment.NewSandboxGateway(payment.SandboxConfig{
		ReplayTTL:           cfg.Payment.ReplayTTL,
		ReplaySize:          cfg.Payment.ReplaySize,
		AdoptUnknownCharges: cfg.Payment.AdoptUnknownCharges,
		Logger:              a.component("payment"),
	})
	a.Inventory = a.newInventory()

	if err := a.initMetrics(); err != nil {
		return nil, err
	}
	metrics, err := saga.NewMetricsObserver(saga.MetricsConfig{Registerer: a.Registry})
	if err != nil {
		return nil, err
	}

	a.Sagas, err = sagas.NewService(sagas.Deps{
		Bookings:  a.Bookings,
		Inventory: a.Inventory,
		Payments:  a.Payments,
		Outbox:    a.Outbox,
		Tx:        booking.NewSQLUnitOfWork(a.DB, a.component("booking")),
		Logger:    a.component("booking.sagas"),
	}, a.newGate(), sagas.ServiceConfig{
		Timeout:    cfg.Saga.Timeout,
		MaxRetries: cfg.Saga.MaxRetries,
		RetryDelay: cfg.Saga.RetryDelay,
		Observers:  []saga.Observer{metrics, saga.NewTracingObserver(nil)},
		Logger:     a.component("saga"),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) component(name string) logging.Logger {
	return a.Logger.WithFields(logging.String("component", name))
}

func (a *App) initLogger(l logging.Logger) error {
	if l == nil {
		zl, err := logging.NewZapLogger(logging.Config{
			Level:       a.Config.Log.Level,
			Development: a.Config.Log.Development,
		})
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		a.closers = append(a.closers, func() error { _ = zl.Sync(); return nil })
		l = zl
	}
	a.Logger = l
	logging.SetLogger(l)
	return nil
}

func (a *App) initDatabase() error {
	db, err := basic.New(core.DBConfig{
		Driver:       a.Config.Database.Driver,
		DSN:          a.Config.Database.DSN,
		MaxOpenConns: a.Config.Database.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	a.Bookings = booking.NewSQLRepository(db, a.component("booking"))
	a.Outbox = outbox.NewSQLStore(db, a.component("outbox"))
	return nil
}

func (a *App) initRedis(ctx context.Context, client redis.UniversalClient) error {
	if client == nil {
		if !a.Config.UseRedis() {
			return nil
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{a.Config.Redis.Addr},
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	a.redis = client
	return nil
}

func (a *App) newInventory() inventory.Service {
	if a.redis == nil {
		return inventory.NewMemoryStore(a.Config.Redis.HoldTTL)
	}
	return inventory.NewRedisStore(a.redis, inventory.RedisConfig{
		KeyPrefix: a.Config.Redis.InventoryPrefix,
		TTL:       a.Config.Redis.HoldTTL,
		Logger:    a.component("inventory"),
	})
}

func (a *App) newGate() *idempotency.Gate {
	var store idempotency.Store
	if a.redis != nil {
		store = idempotency.NewRedisStore(a.redis, a.Config.Redis.IdempotencyPrefix)
	} else {
		mem := idempotency.NewMemoryStore(time.Minute)
		a.closers = append(a.closers, func() error { mem.Stop(); return nil })
		store = mem
	}
	return idempotency.NewGate(store, a.Config.Idempotency, a.component("idempotency"))
}

func (a *App) initMetrics() error {
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := a.Registry.Register(cache.NewCollector("", a.Payments.ReplayCache())); err != nil {
		return err
	}
	m, err := outbox.NewRelayMetrics(a.Registry)
	if err != nil {
		return err
	}
	a.relayMetrics = m
	return nil
}

// Migrate 创建预订表与 outbox 表
func (a *App) Migrate(ctx context.Context) error {
	tx, err := a.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	if err := booking.NewSQLRepository(tx, a.Logger).EnsureSchema(ctx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := outbox.NewSQLStore(tx, a.Logger).EnsureTable(ctx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	a.Logger.Info(ctx, "schema ready", logging.String("driver", a.Config.Database.Driver))
	return nil
}

// NewSink 按配置创建 JetStream sink（未启动）
func (a *App) NewSink() *natsjetstream.Sink {
	return natsjetstream.NewSink(natsjetstream.Config{
		URL:           a.Config.NATS.URL,
		Stream:        a.Config.NATS.Stream,
		SubjectPrefix: a.Config.NATS.SubjectPrefix,
		DedupWindow:   a.Config.NATS.DedupWindow,
		Logger:        a.component("transport.nats"),
	})
}

// NewStreamsSink 创建 Redis Streams sink，需要已配置 Redis
func (a *App) NewStreamsSink() (*redisstreams.Sink, error) {
	if a.redis == nil {
		return nil, errors.New("redis streams sink requires redis.addr")
	}
	return redisstreams.NewSink(redisstreams.Config{
		Client:       a.redis,
		StreamPrefix: a.Config.Relay.StreamPrefix,
		MaxLen:       a.Config.Relay.StreamMaxLen,
		DedupWindow:  a.Config.NATS.DedupWindow,
		Logger:       a.component("transport.redisstreams"),
	})
}

// StartSink 按 relay.sink 创建可用的投递目标，返回的 closer 负责释放
func (a *App) StartSink(ctx context.Context) (outbox.Sink, func() error, error) {
	if a.Config.Relay.Sink == config.SinkRedisStreams {
		s, err := a.NewStreamsSink()
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	}
	s := a.NewSink()
	if err := s.Start(ctx); err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

// NewRelay 创建投递到 sink 的 outbox relay
func (a *App) NewRelay(sink outbox.Sink) *outbox.Relay {
	return outbox.NewRelay(a.Outbox, sink, a.Config.Outbox, a.component("outbox.relay")).
		WithMetrics(a.relayMetrics)
}

// MetricsHandler /metrics 处理器
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry})
}

// Close 按创建的逆序释放资源
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

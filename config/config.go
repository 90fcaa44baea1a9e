// Package config 加载 bookingsaga 的运行配置
//
// 来源优先级：环境变量（BOOKINGSAGA_ 前缀，点号替换为下划线）> 配置文件 > 默认值。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bookingsaga/eventing/outbox"
	"bookingsaga/patterns/idempotency"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "BOOKINGSAGA"

// Config 根配置
type Config struct {
	Log         LogConfig          `mapstructure:"log"`
	Database    DatabaseConfig     `mapstructure:"database"`
	Redis       RedisConfig        `mapstructure:"redis"`
	NATS        NATSConfig         `mapstructure:"nats"`
	Relay       RelayConfig        `mapstructure:"relay"`
	Outbox      outbox.Config      `mapstructure:"outbox"`
	Idempotency idempotency.Config `mapstructure:"idempotency"`
	Saga        SagaConfig         `mapstructure:"saga"`
	Payment     PaymentConfig      `mapstructure:"payment"`
	Metrics     MetricsConfig      `mapstructure:"metrics"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite | postgres
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig Redis 配置；Addr 为空时库存与幂等使用进程内存储
type RedisConfig struct {
	Addr              string        `mapstructure:"addr"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	HoldTTL           time.Duration `mapstructure:"hold_ttl"`
	InventoryPrefix   string        `mapstructure:"inventory_prefix"`
	IdempotencyPrefix string        `mapstructure:"idempotency_prefix"`
}

// NATSConfig JetStream 配置
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Stream        string        `mapstructure:"stream"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
}

// 投递目标
const (
	SinkNATS         = "nats"
	SinkRedisStreams = "redis-streams"
)

// RelayConfig outbox 投递配置
type RelayConfig struct {
	Sink         string `mapstructure:"sink"` // nats | redis-streams
	StreamPrefix string `mapstructure:"stream_prefix"`
	StreamMaxLen int64  `mapstructure:"stream_max_len"`
}

// SagaConfig 编排器配置
type SagaConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// PaymentConfig 沙箱支付网关配置
type PaymentConfig struct {
	ReplayTTL           time.Duration `mapstructure:"replay_ttl"`
	ReplaySize          int           `mapstructure:"replay_size"`
	AdoptUnknownCharges bool          `mapstructure:"adopt_unknown_charges"`
}

// MetricsConfig 指标端点配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:bookingsaga.db?_pragma=busy_timeout(5000)")
	v.SetDefault("database.max_open_conns", 1)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.hold_ttl", 15*time.Minute)
	v.SetDefault("redis.inventory_prefix", "inventory:hold:")
	v.SetDefault("redis.idempotency_prefix", "idempotency:")

	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.stream", "BOOKINGS")
	v.SetDefault("nats.subject_prefix", "bookingsaga.")
	v.SetDefault("nats.dedup_window", 2*time.Minute)

	v.SetDefault("relay.sink", SinkNATS)
	v.SetDefault("relay.stream_prefix", "outbox:")
	v.SetDefault("relay.stream_max_len", 100000)

	ob := outbox.DefaultConfig()
	v.SetDefault("outbox.publish_interval", ob.PublishInterval)
	v.SetDefault("outbox.batch_size", ob.BatchSize)
	v.SetDefault("outbox.max_retries", ob.MaxRetries)
	v.SetDefault("outbox.retry_interval", ob.RetryInterval)
	v.SetDefault("outbox.retention_period", ob.RetentionPeriod)

	idem := idempotency.DefaultConfig()
	v.SetDefault("idempotency.lock_ttl", idem.LockTTL)
	v.SetDefault("idempotency.record_ttl", idem.RecordTTL)
	v.SetDefault("idempotency.wait_timeout", idem.WaitTimeout)
	v.SetDefault("idempotency.poll_interval", idem.PollInterval)

	v.SetDefault("saga.timeout", 30*time.Second)
	v.SetDefault("saga.max_retries", 0)
	v.SetDefault("saga.retry_delay", time.Second)

	v.SetDefault("payment.replay_ttl", 24*time.Hour)
	v.SetDefault("payment.replay_size", 10000)
	v.SetDefault("payment.adopt_unknown_charges", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
}

// Load 读取配置；path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if c.Outbox.PublishInterval <= 0 {
		errs = append(errs, errors.New("outbox.publish_interval must be positive"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	switch c.Relay.Sink {
	case SinkNATS:
	case SinkRedisStreams:
		if !c.UseRedis() {
			errs = append(errs, errors.New("relay.sink redis-streams requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("relay.sink %q is not supported", c.Relay.Sink))
	}
	if c.Saga.Timeout < 0 || c.Saga.MaxRetries < 0 {
		errs = append(errs, errors.New("saga.timeout and saga.max_retries must not be negative"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// UseRedis 是否配置了 Redis
func (c *Config) UseRedis() bool { return c.Redis.Addr != "" }

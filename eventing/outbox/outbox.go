// Package outbox 实现 Outbox Pattern，确保领域事件可靠投递
//
// 业务步骤通过 Writer.CreateEvent 把事件写入本地 event_outbox 表，
// Relay 在后台按批拉取待发布记录并交给 Sink（例如 NATS JetStream）投递。
// dedupe_key 唯一：重复写入同一个去重键是无操作，步骤重试不会产生重复事件。
package outbox

import (
	"context"
	"time"
)

// Status 表示 Outbox 记录的状态
type Status string

const (
	StatusPending   Status = "pending"   // 待发布
	StatusPublished Status = "published" // 已发布
	StatusFailed    Status = "failed"    // 发布失败，等待重试
	StatusDead      Status = "dead"      // 超过最大重试次数，需人工处理
)

// 已知主题
const (
	TopicBookingCancelled  = "booking.cancelled"
	TopicBookingPaid       = "booking.paid"
	TopicNotificationEmail = "notification.email"
)

// Entry 表示一条待发布的事件记录
type Entry struct {
	ID          int64      `json:"id"`
	EventID     string     `json:"event_id"`
	Topic       string     `json:"topic"`
	DedupeKey   string     `json:"dedupe_key"`
	Payload     string     `json:"payload"` // JSON
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// Writer 业务侧写入接口
type Writer interface {
	// CreateEvent 记录一个领域事件；dedupeKey 已存在时不重复写入且不返回错误
	CreateEvent(ctx context.Context, topic, dedupeKey string, payload any) error
}

// Repository Relay 使用的仓储接口
type Repository interface {
	GetPendingEntries(ctx context.Context, limit int) ([]Entry, error)
	MarkAsPublished(ctx context.Context, entryID int64) error
	MarkAsFailed(ctx context.Context, entryID int64, errorMsg string, nextRetryAt time.Time) error
	MarkAsDead(ctx context.Context, entryID int64, errorMsg string) error
	DeletePublished(ctx context.Context, olderThan time.Time) (int64, error)
}

// Sink 事件投递目标
type Sink interface {
	Deliver(ctx context.Context, entry Entry) error
}

// SinkFunc 函数适配器
type SinkFunc func(ctx context.Context, entry Entry) error

func (f SinkFunc) Deliver(ctx context.Context, entry Entry) error { return f(ctx, entry) }

// Config Outbox 配置
type Config struct {
	// 发布间隔
	PublishInterval time.Duration `mapstructure:"publish_interval"`

	// 每次处理的最大记录数
	BatchSize int `mapstructure:"batch_size"`

	// 最大重试次数，达到后记录转为 dead
	MaxRetries int `mapstructure:"max_retries"`

	// 重试间隔（指数退避基数）
	RetryInterval time.Duration `mapstructure:"retry_interval"`

	// 保留已发布记录的时间
	RetentionPeriod time.Duration `mapstructure:"retention_period"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		PublishInterval: 5 * time.Second,
		BatchSize:       100,
		MaxRetries:      5,
		RetryInterval:   30 * time.Second,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// CalculateNextRetryTime 计算下次重试时间（指数退避）
//
// baseInterval * 2^retryCount，指数上限为 5，避免移位溢出。
func (e *Entry) CalculateNextRetryTime(now time.Time, baseInterval time.Duration) time.Time {
	retryCount := e.RetryCount
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 5 {
		retryCount = 5
	}
	return now.Add(baseInterval * time.Duration(1<<retryCount))
}

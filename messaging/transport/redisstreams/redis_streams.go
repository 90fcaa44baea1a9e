// Package redisstreams 把 outbox 记录投递到 Redis Streams，并提供消费组读取
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"bookingsaga/eventing/outbox"
	"bookingsaga/logging"
)

// client captures the subset of go-redis commands we rely on (for easier testing).
type client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
}

// Config describes how the sink writes to and reads from Redis Streams.
type Config struct {
	Client       redis.UniversalClient
	StreamPrefix string // 默认 outbox:，流名为 <prefix><topic>
	// DedupWindow 同一 dedupe key 在窗口内只写入一次，默认 2 分钟
	DedupWindow time.Duration
	// MaxLen 流的近似最大长度，0 表示不裁剪
	MaxLen int64

	GroupName    string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64
	Logger       logging.Logger

	MinReadBackoff time.Duration // 读取错误最小退避，默认 100ms
	MaxReadBackoff time.Duration // 读取错误最大退避，默认 5s
}

// Message 从流中读出的一条事件
type Message struct {
	StreamID  string          `json:"stream_id"`
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	DedupeKey string          `json:"dedupe_key"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Sink implements outbox.Sink on top of Redis Streams.
type Sink struct {
	cfg    Config
	client client
	logger logging.Logger
}

var _ outbox.Sink = (*Sink)(nil)

// NewSink 创建 sink；Redis 客户端由调用方管理
func NewSink(cfg Config) (*Sink, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client not configured")
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "outbox:"
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 2 * time.Minute
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "bookingsaga"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("transport.redisstreams")
	}
	return &Sink{cfg: cfg, client: cfg.Client, logger: cfg.Logger}, nil
}

// Deliver 写入一条记录；窗口内重复的 dedupe key 被丢弃
func (s *Sink) Deliver(ctx context.Context, entry outbox.Entry) error {
	var dedupeKey string
	if entry.DedupeKey != "" {
		dedupeKey = s.cfg.StreamPrefix + "dedupe:" + entry.DedupeKey
		fresh, err := s.client.SetNX(ctx, dedupeKey, entry.EventID, s.cfg.DedupWindow).Result()
		if err != nil {
			return err
		}
		if !fresh {
			s.logger.Debug(ctx, "redis stream dropped duplicate delivery",
				logging.String("dedupe_key", entry.DedupeKey))
			return nil
		}
	}

	args := &redis.XAddArgs{Stream: s.StreamName(entry.Topic), Values: encodeEntry(entry)}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		if dedupeKey != "" {
			// 写入失败时允许下次重投
			_ = s.client.Del(context.WithoutCancel(ctx), dedupeKey).Err()
		}
		return err
	}
	return nil
}

// Consume 以消费组读取 topic 对应的流，直到 ctx 结束
//
// handler 返回 nil 时确认消息；返回错误的消息保留在 pending 列表中。
func (s *Sink) Consume(ctx context.Context, topic string, handler func(ctx context.Context, msg Message) error) error {
	stream := s.StreamName(topic)
	if err := s.ensureGroup(ctx, stream); err != nil {
		return err
	}
	args := &redis.XReadGroupArgs{
		Group:    s.cfg.GroupName,
		Consumer: s.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    s.cfg.ReadCount,
		Block:    s.cfg.BlockTimeout,
	}
	backoff := s.cfg.MinReadBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := s.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn(ctx, "xreadgroup failed", logging.Duration("backoff", backoff), logging.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.cfg.MaxReadBackoff {
				backoff = s.cfg.MaxReadBackoff
			}
			continue
		}
		backoff = s.cfg.MinReadBackoff
		for _, streamRes := range res {
			for _, xm := range streamRes.Messages {
				s.handle(ctx, streamRes.Stream, xm, handler)
			}
		}
	}
}

func (s *Sink) handle(ctx context.Context, stream string, xm redis.XMessage, handler func(ctx context.Context, msg Message) error) {
	msg, err := decodeEntry(xm)
	if err != nil {
		s.logger.Warn(ctx, "decode redis stream entry failed", logging.String("id", xm.ID), logging.Error(err))
		_ = s.client.XAck(ctx, stream, s.cfg.GroupName, xm.ID).Err()
		return
	}
	if err := handler(ctx, msg); err != nil {
		s.logger.Warn(ctx, "redis stream handler failed, message left pending",
			logging.String("topic", msg.Topic), logging.String("id", xm.ID), logging.Error(err))
		return
	}
	if err := s.client.XAck(ctx, stream, s.cfg.GroupName, xm.ID).Err(); err != nil {
		s.logger.Warn(ctx, "xack failed", logging.Error(err))
	}
}

func (s *Sink) ensureGroup(ctx context.Context, stream string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, s.cfg.GroupName, "0").Err()
	if err == nil || strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

// StreamName topic 对应的流名
func (s *Sink) StreamName(topic string) string {
	return s.cfg.StreamPrefix + topic
}

func encodeEntry(entry outbox.Entry) map[string]any {
	return map[string]any{
		"event_id":   entry.EventID,
		"topic":      entry.Topic,
		"dedupe_key": entry.DedupeKey,
		"created_at": entry.CreatedAt.UTC().UnixNano(),
		"payload":    entry.Payload,
	}
}

func decodeEntry(xm redis.XMessage) (Message, error) {
	str := func(k string) string { v, _ := xm.Values[k].(string); return v }
	msg := Message{
		StreamID:  xm.ID,
		EventID:   str("event_id"),
		Topic:     str("topic"),
		DedupeKey: str("dedupe_key"),
	}
	if raw := str("payload"); raw != "" {
		if !json.Valid([]byte(raw)) {
			return Message{}, errors.New("payload is not valid JSON")
		}
		msg.Payload = json.RawMessage(raw)
	}
	if ns, err := strconv.ParseInt(str("created_at"), 10, 64); err == nil {
		msg.CreatedAt = time.Unix(0, ns).UTC()
	}
	if msg.EventID == "" {
		msg.EventID = xm.ID
	}
	return msg, nil
}

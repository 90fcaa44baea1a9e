// Package natsjetstream 把 Outbox 记录投递到 NATS JetStream
//
// 每条记录发布到 <SubjectPrefix><topic>，Nats-Msg-Id 头设置为记录的 dedupe key，
// JetStream 在去重窗口内丢弃重复投递。
package natsjetstream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"bookingsaga/eventing/outbox"
	"bookingsaga/logging"
)

// 自定义消息头
const (
	HeaderTopic   = "Bookingsaga-Topic"
	HeaderEventID = "Bookingsaga-Event-Id"
)

// Config configures the JetStream sink.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	Logger        logging.Logger
	Conn          *nats.Conn

	// 可选：流参数
	Retention   string        // limits|interest|workqueue（默认 limits）
	MaxBytes    int64         // 0 表示不设置
	Replicas    int           // 0 表示默认
	DedupWindow time.Duration // 0 表示服务端默认（2 分钟）
}

// Envelope 发布到 JetStream 的消息体
type Envelope struct {
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	DedupeKey string          `json:"dedupe_key"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// publisher 抽象 JetStream 发布能力，便于测试替换
type publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Sink implements outbox.Sink on top of NATS JetStream.
type Sink struct {
	cfg      Config
	logger   logging.Logger
	conn     *nats.Conn
	js       nats.JetStreamContext
	pub      publisher
	ownsConn bool

	mu      sync.RWMutex
	running bool
}

var _ outbox.Sink = (*Sink)(nil)

// NewSink builds a JetStream sink; call Start before Deliver.
func NewSink(cfg Config) *Sink {
	if cfg.Stream == "" {
		cfg.Stream = "BOOKINGSAGA"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "events."
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("transport.nats")
	}
	return &Sink{cfg: cfg, logger: cfg.Logger}
}

// Start 建立连接并确保流存在
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("nats sink already running")
	}
	if err := s.ensureConnection(); err != nil {
		return err
	}
	if err := s.ensureStream(); err != nil {
		return err
	}
	s.pub = s.js
	s.running = true
	s.logger.Info(ctx, "nats sink started",
		logging.String("stream", s.cfg.Stream),
		logging.String("subjects", s.cfg.SubjectPrefix+">"))
	return nil
}

// Deliver 发布一条 Outbox 记录，等待 JetStream 确认
func (s *Sink) Deliver(ctx context.Context, entry outbox.Entry) error {
	s.mu.RLock()
	pub := s.pub
	running := s.running
	s.mu.RUnlock()
	if !running || pub == nil {
		return errors.New("nats sink not running")
	}

	msg, err := s.buildMsg(entry)
	if err != nil {
		return err
	}
	ack, err := pub.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return err
	}
	if ack != nil && ack.Duplicate {
		s.logger.Debug(ctx, "nats dropped duplicate delivery",
			logging.String("dedupe_key", entry.DedupeKey),
			logging.Int64("seq", int64(ack.Sequence)))
	}
	return nil
}

// Subscribe 订阅 topic（支持 NATS 通配符），handler 返回 nil 时确认消息
//
// 返回的 Subscription 由调用方负责 Drain/Unsubscribe。
func (s *Sink) Subscribe(topic, durable string, handler func(ctx context.Context, env Envelope) error) (*nats.Subscription, error) {
	s.mu.RLock()
	js := s.js
	s.mu.RUnlock()
	if js == nil {
		return nil, errors.New("nats sink not running")
	}
	opts := []nats.SubOpt{nats.ManualAck(), nats.DeliverAll()}
	if durable != "" {
		opts = append(opts, nats.Durable(durable))
	}
	return js.Subscribe(s.subjectName(topic), func(msg *nats.Msg) {
		ctx := context.Background()
		env, err := UnmarshalEnvelope(msg.Data)
		if err != nil {
			s.logger.Warn(ctx, "decode nats message failed", logging.Error(err))
			_ = msg.Term()
			return
		}
		if err := handler(ctx, env); err != nil {
			s.logger.Warn(ctx, "nats handler failed, message will be redelivered",
				logging.String("topic", env.Topic), logging.Error(err))
			_ = msg.Nak()
			return
		}
		if err := msg.Ack(); err != nil {
			s.logger.Warn(ctx, "nats ack failed", logging.Error(err))
		}
	}, opts...)
}

// Close 关闭连接（仅关闭自己创建的连接）
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if s.ownsConn && s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.js = nil
	s.pub = nil
	return nil
}

func (s *Sink) buildMsg(entry outbox.Entry) (*nats.Msg, error) {
	data, err := MarshalEnvelope(entry)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(s.subjectName(entry.Topic))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, entry.DedupeKey)
	msg.Header.Set(HeaderTopic, entry.Topic)
	msg.Header.Set(HeaderEventID, entry.EventID)
	return msg, nil
}

func (s *Sink) ensureConnection() error {
	if s.conn != nil && s.js != nil {
		return nil
	}
	if s.cfg.Conn != nil {
		s.conn = s.cfg.Conn
	} else {
		if s.cfg.URL == "" {
			s.cfg.URL = nats.DefaultURL
		}
		conn, err := nats.Connect(s.cfg.URL, nats.Name("bookingsaga-outbox-relay"))
		if err != nil {
			return err
		}
		s.conn = conn
		s.ownsConn = true
	}
	js, err := s.conn.JetStream()
	if err != nil {
		return err
	}
	s.js = js
	return nil
}

func (s *Sink) ensureStream() error {
	_, err := s.js.StreamInfo(s.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	_, err = s.js.AddStream(s.streamConfig())
	return err
}

func (s *Sink) streamConfig() *nats.StreamConfig {
	retention := nats.LimitsPolicy
	switch strings.ToLower(s.cfg.Retention) {
	case "workqueue":
		retention = nats.WorkQueuePolicy
	case "interest":
		retention = nats.InterestPolicy
	}
	sc := &nats.StreamConfig{
		Name:      s.cfg.Stream,
		Subjects:  []string{s.cfg.SubjectPrefix + ">"},
		Retention: retention,
	}
	if s.cfg.MaxBytes > 0 {
		sc.MaxBytes = s.cfg.MaxBytes
	}
	if s.cfg.Replicas > 0 {
		sc.Replicas = s.cfg.Replicas
	}
	if s.cfg.DedupWindow > 0 {
		sc.Duplicates = s.cfg.DedupWindow
	}
	return sc
}

func (s *Sink) subjectName(topic string) string {
	return s.cfg.SubjectPrefix + topic
}

// MarshalEnvelope 把 Outbox 记录编码为消息体
func MarshalEnvelope(entry outbox.Entry) ([]byte, error) {
	payload := json.RawMessage(entry.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return nil, errors.New("outbox payload is not valid JSON")
	}
	return json.Marshal(Envelope{
		EventID:   entry.EventID,
		Topic:     entry.Topic,
		DedupeKey: entry.DedupeKey,
		CreatedAt: entry.CreatedAt,
		Payload:   payload,
	})
}

// UnmarshalEnvelope 解码消息体
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

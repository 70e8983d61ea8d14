package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// Config 定義 Kafka 連線配置
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	RetryBackoff time.Duration `yaml:"retry_backoff"` // 暫時性錯誤重試間隔
}

// WithDefaults 補上未設定的欄位
func (c Config) WithDefaults() Config {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}
	if c.Topic == "" {
		c.Topic = "balance-events"
	}
	if c.GroupID == "" {
		c.GroupID = "balance-ledger"
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// NewWriter 建立以 key hash 分區的 writer，同一帳戶的事件落在同一個 partition
func NewWriter(cfg Config) *kafka.Writer {
	cfg = cfg.WithDefaults()
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
	}
}

// NewReader 建立 consumer group reader，offset 由呼叫端明確 commit
func NewReader(cfg Config) *kafka.Reader {
	cfg = cfg.WithDefaults()
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-balance-ledger/pkg/kafka"
	"github.com/JoeShih716/go-balance-ledger/pkg/logger"
	"github.com/JoeShih716/go-balance-ledger/pkg/mysql"
	"github.com/JoeShih716/go-balance-ledger/pkg/postgres"
	"github.com/JoeShih716/go-balance-ledger/pkg/rabbitmq"
	"github.com/JoeShih716/go-balance-ledger/pkg/redis"
)

// 儲存層種類
const (
	StoreMemory   = "memory"
	StoreMySQL    = "mysql"
	StorePostgres = "postgres"
)

// 訊息系統種類
const (
	BrokerNone     = "none"
	BrokerRabbitMQ = "rabbitmq"
	BrokerKafka    = "kafka"
)

// 消費者模式
const (
	ModeNotify  = "notify"
	ModeCommand = "command"
)

type Config struct {
	Log      logger.Config   `yaml:"log"`
	Store    StoreConfig     `yaml:"store"`
	MySQL    mysql.Config    `yaml:"mysql"`
	Postgres postgres.Config `yaml:"postgres"`
	Accounts []AccountSeed   `yaml:"accounts"`
	Cache    CacheConfig     `yaml:"cache"`
	Broker   BrokerConfig    `yaml:"broker"`
	Consumer ConsumerConfig  `yaml:"consumer"`
	HTTP     HTTPConfig      `yaml:"http"`
	GRPC     GRPCConfig      `yaml:"grpc"`
}

type StoreConfig struct {
	Kind        string        `yaml:"kind"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	WALPath     string        `yaml:"wal_path"` // memory store 專用，空字串表示不寫 WAL
	Migrate     bool          `yaml:"migrate"`  // 啟動時建立資料表
}

// AccountSeed 啟動時建立的帳戶 (開戶在系統外完成，這裡只是初始資料)
type AccountSeed struct {
	ID      int64  `yaml:"id"`
	OwnerID int64  `yaml:"owner_id"`
	Balance string `yaml:"balance"`
}

type CacheConfig struct {
	Enabled bool         `yaml:"enabled"`
	Redis   redis.Config `yaml:"redis"`
}

type BrokerConfig struct {
	Kind     string          `yaml:"kind"`
	RabbitMQ rabbitmq.Config `yaml:"rabbitmq"`
	Kafka    kafka.Config    `yaml:"kafka"`
	Breaker  BreakerConfig   `yaml:"breaker"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HalfOpenRequests    uint32        `yaml:"half_open_requests"`
}

type ConsumerConfig struct {
	Mode string `yaml:"mode"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// Load 讀取設定檔
//
// 1. 若存在 .env 則載入到環境變數 (不覆蓋已存在的變數)
// 2. 展開 YAML 中的 ${VAR} 與 ${VAR:-default}
// 3. 解析 YAML 並補上預設值
// 4. 檢查設定
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse 解析設定內容
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(Expand(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Expand 以環境變數取代 ${VAR}，支援 ${VAR:-default}
func Expand(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

func (c *Config) applyDefaults() {
	if c.Store.Kind == "" {
		c.Store.Kind = StoreMemory
	}
	if c.Store.LockTimeout == 0 {
		c.Store.LockTimeout = 5 * time.Second
	}
	if c.MySQL.LockWaitTimeout == 0 {
		c.MySQL.LockWaitTimeout = c.Store.LockTimeout
	}
	if c.Postgres.LockTimeout == 0 {
		c.Postgres.LockTimeout = c.Store.LockTimeout
	}
	c.MySQL = c.MySQL.WithDefaults()
	c.Postgres = c.Postgres.WithDefaults()
	c.Cache.Redis = c.Cache.Redis.WithDefaults()

	if c.Broker.Kind == "" {
		c.Broker.Kind = BrokerNone
	}
	c.Broker.RabbitMQ = c.Broker.RabbitMQ.WithDefaults()
	c.Broker.Kafka = c.Broker.Kafka.WithDefaults()
	if c.Broker.Breaker.ConsecutiveFailures == 0 {
		c.Broker.Breaker.ConsecutiveFailures = 5
	}
	if c.Broker.Breaker.OpenTimeout == 0 {
		c.Broker.Breaker.OpenTimeout = 30 * time.Second
	}
	if c.Broker.Breaker.HalfOpenRequests == 0 {
		c.Broker.Breaker.HalfOpenRequests = 1
	}

	if c.Consumer.Mode == "" {
		c.Consumer.Mode = ModeNotify
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 10 * time.Second
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 10 * time.Second
	}
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":50051"
	}
}

// Validate 檢查設定組合
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Kind {
	case StoreMemory, StoreMySQL, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("store.kind: unknown store %q", c.Store.Kind))
	}
	switch c.Broker.Kind {
	case BrokerNone, BrokerRabbitMQ, BrokerKafka:
	default:
		errs = append(errs, fmt.Errorf("broker.kind: unknown broker %q", c.Broker.Kind))
	}
	switch c.Consumer.Mode {
	case ModeNotify:
	case ModeCommand:
		if c.Broker.Kind == BrokerNone {
			errs = append(errs, errors.New("consumer.mode: command mode requires a broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("consumer.mode: unknown mode %q", c.Consumer.Mode))
	}
	if c.Store.LockTimeout < 0 {
		errs = append(errs, errors.New("store.lock_timeout: must not be negative"))
	}
	seen := make(map[int64]struct{}, len(c.Accounts))
	for i, acc := range c.Accounts {
		if _, ok := seen[acc.ID]; ok {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate id %d", i, acc.ID))
		}
		seen[acc.ID] = struct{}{}
	}
	return errors.Join(errs...)
}

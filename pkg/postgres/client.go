package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Client 封裝 *sql.DB
type Client struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewClient 開啟連線並等待資料庫可用
func NewClient(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	for i := 0; i < cfg.MaxRetries; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		if i < cfg.MaxRetries-1 {
			log.Warn("failed to connect to postgres, retrying",
				zap.Int("attempt", i+1),
				zap.Int("max_attempts", cfg.MaxRetries),
				zap.Duration("retry_in", cfg.RetryInterval),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				_ = db.Close()
				return nil, ctx.Err()
			case <-time.After(cfg.RetryInterval):
			}
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres after %d attempts: %w", cfg.MaxRetries, err)
	}

	return &Client{db: db, lockTimeout: cfg.LockTimeout}, nil
}

// NewClientFromDB 包裝已開啟的連線 (測試用)
func NewClientFromDB(db *sql.DB, lockTimeout time.Duration) *Client {
	return &Client{db: db, lockTimeout: lockTimeout}
}

// DB 回傳底層的 *sql.DB
func (c *Client) DB() *sql.DB {
	return c.db
}

// LockTimeout 回傳每個交易的鎖等待上限
func (c *Client) LockTimeout() time.Duration {
	return c.lockTimeout
}

// Close 關閉連線池
func (c *Client) Close() error {
	return c.db.Close()
}

package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	kafka_in "github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/in/kafka"
	rabbitmq_in "github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/in/rabbitmq"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/out/breaker"
	kafka_out "github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/out/kafka"
	memory_adapter "github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/out/memory"
	mysql_adapter "github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/out/mysql"
	postgres_adapter "github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/out/postgres"
	rabbitmq_out "github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/out/rabbitmq"
	redis_adapter "github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/out/redis"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-balance-ledger/pkg/config"
	"github.com/JoeShih716/go-balance-ledger/pkg/kafka"
	"github.com/JoeShih716/go-balance-ledger/pkg/mysql"
	"github.com/JoeShih716/go-balance-ledger/pkg/postgres"
	"github.com/JoeShih716/go-balance-ledger/pkg/rabbitmq"
	"github.com/JoeShih716/go-balance-ledger/pkg/redis"
	"github.com/JoeShih716/go-balance-ledger/pkg/wal"
)

// sqlLedger SQL store 額外提供的建表與初始帳戶
type sqlLedger interface {
	usecase.Store
	Migrate(ctx context.Context) error
	EnsureAccounts(ctx context.Context, accounts []domain.Account) error
}

func seedAccounts(seeds []config.AccountSeed) ([]domain.Account, error) {
	out := make([]domain.Account, 0, len(seeds))
	for _, s := range seeds {
		balance, err := decimal.NewFromString(s.Balance)
		if err != nil {
			return nil, fmt.Errorf("account %d: invalid balance %q: %w", s.ID, s.Balance, err)
		}
		out = append(out, *domain.NewAccount(s.ID, s.OwnerID, balance))
	}
	return out, nil
}

func openStore(ctx context.Context, cfg *config.Config, zl *zap.Logger) (usecase.Store, error) {
	accounts, err := seedAccounts(cfg.Accounts)
	if err != nil {
		return nil, err
	}

	var ledger sqlLedger
	switch cfg.Store.Kind {
	case config.StoreMemory:
		opts := []memory_adapter.Option{memory_adapter.WithLockTimeout(cfg.Store.LockTimeout)}
		var w *wal.WAL
		if cfg.Store.WALPath != "" {
			if w, err = wal.NewWAL(cfg.Store.WALPath); err != nil {
				return nil, fmt.Errorf("open wal: %w", err)
			}
			opts = append(opts, memory_adapter.WithWAL(w))
		}
		store, err := memory_adapter.NewStore(accounts, opts...)
		if err != nil {
			if w != nil {
				_ = w.Close()
			}
			return nil, err
		}
		zl.Info("memory store ready", zap.Int("accounts", len(accounts)), zap.String("wal", cfg.Store.WALPath))
		return store, nil
	case config.StoreMySQL:
		client, err := mysql.NewClient(cfg.MySQL, zl)
		if err != nil {
			return nil, err
		}
		ledger = mysql_adapter.NewMySQLLedger(client)
	case config.StorePostgres:
		client, err := postgres.NewClient(ctx, cfg.Postgres, zl)
		if err != nil {
			return nil, err
		}
		ledger = postgres_adapter.NewPostgresLedger(client)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store.Kind)
	}

	if cfg.Store.Migrate {
		if err := ledger.Migrate(ctx); err != nil {
			_ = ledger.Close()
			return nil, err
		}
	}
	if err := ledger.EnsureAccounts(ctx, accounts); err != nil {
		_ = ledger.Close()
		return nil, err
	}
	zl.Info("sql store ready", zap.String("store", cfg.Store.Kind), zap.Int("seeded_accounts", len(accounts)))
	return ledger, nil
}

func openCache(ctx context.Context, cfg *config.Config) (usecase.AccountCache, func() error, error) {
	if !cfg.Cache.Enabled {
		return nil, nil, nil
	}
	client, err := redis.NewClient(ctx, cfg.Cache.Redis)
	if err != nil {
		return nil, nil, err
	}
	return redis_adapter.NewBalanceCache(client, cfg.Cache.Redis.TTL), client.Close, nil
}

// brokerWiring 訊息系統的發送端與消費迴圈
type brokerWiring struct {
	publisher usecase.Publisher
	run       func(ctx context.Context, consumer *usecase.Consumer) error
	closers   []func() error
}

func (b *brokerWiring) close() error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func openBroker(ctx context.Context, cfg *config.Config, zl *zap.Logger) (*brokerWiring, error) {
	breakerCfg := breaker.Config{
		ConsecutiveFailures: cfg.Broker.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Broker.Breaker.OpenTimeout,
		HalfOpenRequests:    cfg.Broker.Breaker.HalfOpenRequests,
	}

	switch cfg.Broker.Kind {
	case config.BrokerNone:
		return &brokerWiring{publisher: usecase.NopPublisher{}}, nil

	case config.BrokerRabbitMQ:
		rc := cfg.Broker.RabbitMQ
		conn, err := rabbitmq.Dial(ctx, rc, zl)
		if err != nil {
			return nil, err
		}
		b := &brokerWiring{closers: []func() error{conn.Close}}

		pubCh, err := conn.Channel()
		if err != nil {
			_ = b.close()
			return nil, fmt.Errorf("open publish channel: %w", err)
		}
		if err := rabbitmq.DeclareTopology(pubCh, rc); err != nil {
			_ = b.close()
			return nil, err
		}
		pub, err := rabbitmq_out.NewPublisher(pubCh, rc.Queue, rc.ConfirmTimeout)
		if err != nil {
			_ = b.close()
			return nil, err
		}
		b.closers = append(b.closers, pub.Close)
		b.publisher = breaker.NewPublisher("rabbitmq", pub, breakerCfg, zl)

		consCh, err := conn.Channel()
		if err != nil {
			_ = b.close()
			return nil, fmt.Errorf("open consume channel: %w", err)
		}
		b.closers = append(b.closers, consCh.Close)
		b.run = func(ctx context.Context, consumer *usecase.Consumer) error {
			return rabbitmq_in.NewConsumer(consCh, rc.Queue, rc.Prefetch, consumer, zl).Run(ctx)
		}
		return b, nil

	case config.BrokerKafka:
		kc := cfg.Broker.Kafka
		writer := kafka.NewWriter(kc)
		reader := kafka.NewReader(kc)
		pub := kafka_out.NewPublisher(writer)
		b := &brokerWiring{
			publisher: breaker.NewPublisher("kafka", pub, breakerCfg, zl),
			closers:   []func() error{reader.Close, pub.Close},
		}
		b.run = func(ctx context.Context, consumer *usecase.Consumer) error {
			return kafka_in.NewConsumer(reader, consumer, kc.RetryBackoff, zl).Run(ctx)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Kind)
	}
}

func newMessageID() string {
	return uuid.NewString()
}

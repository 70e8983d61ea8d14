package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
)

// ErrBrokerUnavailable 斷路器開啟中，直接放棄發送
var ErrBrokerUnavailable = errors.New("message broker unavailable: circuit open")

// Config 斷路器設定
type Config struct {
	// ConsecutiveFailures 連續失敗幾次後開啟
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
	// OpenTimeout 開啟多久後進入 half-open
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// HalfOpenRequests half-open 狀態允許的試探請求數
	HalfOpenRequests uint32 `yaml:"half_open_requests"`
}

// WithDefaults 補上未設定的欄位
func (c Config) WithDefaults() Config {
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 1
	}
	return c
}

// Publisher 以斷路器包裝另一個 Publisher
type Publisher struct {
	next    usecase.Publisher
	breaker *gobreaker.CircuitBreaker
}

func NewPublisher(name string, next usecase.Publisher, cfg Config, logger *zap.Logger) *Publisher {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("breaker")

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Publisher{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Publish implements usecase.Publisher.
func (p *Publisher) Publish(ctx context.Context, msg domain.OperationMessage) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return err
}

// State 回傳目前的斷路器狀態
func (p *Publisher) State() gobreaker.State {
	return p.breaker.State()
}

var _ usecase.Publisher = (*Publisher)(nil)

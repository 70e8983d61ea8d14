package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
)

// MessageReader 是 *kafka.Reader 的子集
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler 處理一則原始訊息
type Handler interface {
	Handle(ctx context.Context, raw []byte) error
}

// Consumer 依序處理 partition 上的訊息
//
// Kafka 沒有單則訊息的 requeue，暫時性錯誤會在原地重試直到成功或 ctx 結束，
// 處理完成 (包含 ack 與 dead-letter) 後才 commit offset。
type Consumer struct {
	reader  MessageReader
	handler Handler
	backoff time.Duration
	logger  *zap.Logger
}

func NewConsumer(reader MessageReader, handler Handler, backoff time.Duration, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Consumer{
		reader:  reader,
		handler: handler,
		backoff: backoff,
		logger:  logger.Named("kafka"),
	}
}

// Run 持續消費直到 ctx 結束，ctx 結束時回傳 nil
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if err := c.process(ctx, m); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) process(ctx context.Context, m kafka.Message) error {
	for attempt := 1; ; attempt++ {
		err := c.handler.Handle(ctx, m.Value)
		disposition := usecase.DispositionFor(err)
		if disposition != usecase.Requeue {
			if disposition == usecase.DeadLetter {
				c.logger.Warn("skipping unprocessable message",
					zap.Int("partition", m.Partition),
					zap.Int64("offset", m.Offset),
					zap.Error(err),
				)
			}
			if err := c.reader.CommitMessages(ctx, m); err != nil {
				return fmt.Errorf("commit offset %d: %w", m.Offset, err)
			}
			return nil
		}

		c.logger.Warn("transient failure, retrying message",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}

// Close 關閉 reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}

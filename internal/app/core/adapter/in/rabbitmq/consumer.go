package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
)

// ErrDeliveriesClosed broker 關閉了 delivery channel
var ErrDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// DeliveryChannel 是 Consumer 需要的 *amqp.Channel 子集
type DeliveryChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Handler 處理一則原始訊息
type Handler interface {
	Handle(ctx context.Context, raw []byte) error
}

// Consumer 從佇列取出訊息交給 Handler，依結果 ack / requeue / reject
type Consumer struct {
	ch       DeliveryChannel
	queue    string
	tag      string
	prefetch int
	handler  Handler
	logger   *zap.Logger
}

func NewConsumer(ch DeliveryChannel, queue string, prefetch int, handler Handler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		ch:       ch,
		queue:    queue,
		tag:      "balance-ledger",
		prefetch: prefetch,
		handler:  handler,
		logger:   logger.Named("rabbitmq"),
	}
}

// Run 持續消費直到 ctx 結束
//
// ctx 結束時回傳 nil；broker 關閉 channel 時回傳 ErrDeliveriesClosed。
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	c.logger.Info("consuming", zap.String("queue", c.queue), zap.Int("prefetch", c.prefetch))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			c.deliver(ctx, d)
		}
	}
}

func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery) {
	err := c.handler.Handle(ctx, d.Body)
	disposition := usecase.DispositionFor(err)

	var ackErr error
	switch disposition {
	case usecase.Ack:
		ackErr = d.Ack(false)
	case usecase.Requeue:
		ackErr = d.Nack(false, true)
	case usecase.DeadLetter:
		ackErr = d.Reject(false)
	}
	if ackErr != nil {
		c.logger.Error("failed to settle delivery",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Stringer("disposition", disposition),
			zap.Error(ackErr),
		)
		return
	}
	if disposition != usecase.Ack {
		c.logger.Warn("delivery not acknowledged",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.String("message_id", d.MessageId),
			zap.Bool("redelivered", d.Redelivered),
			zap.Stringer("disposition", disposition),
			zap.Error(err),
		)
	}
}

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
)

var (
	ErrPublishNacked  = errors.New("message was nacked by broker")
	ErrConfirmTimeout = errors.New("confirmation timed out")
	ErrChannelClosed  = errors.New("rabbitmq channel closed")
)

// DefaultConfirmTimeout 等待 broker confirm 的預設上限
const DefaultConfirmTimeout = 5 * time.Second

// ConfirmableChannel 是 Publisher 需要的 *amqp.Channel 子集
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher 把 OperationMessage 以 persistent 模式送到預設 exchange，並等待 publisher confirm
type Publisher struct {
	ch             ConfirmableChannel
	queue          string
	confirms       chan amqp.Confirmation
	confirmTimeout time.Duration
	now            func() time.Time

	// 同一時間只有一則未確認的訊息；confirm 模式下 delivery tag 從 1 開始逐筆遞增
	mu  sync.Mutex
	seq uint64
}

// NewPublisher 將 channel 切到 confirm 模式
func NewPublisher(ch ConfirmableChannel, queue string, confirmTimeout time.Duration) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	return &Publisher{
		ch:             ch,
		queue:          queue,
		confirms:       ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		confirmTimeout: confirmTimeout,
		now:            time.Now,
	}, nil
}

// Publish implements usecase.Publisher.
func (p *Publisher) Publish(ctx context.Context, msg domain.OperationMessage) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Type:         msg.OperationType,
		Timestamp:    p.now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}
	p.seq++
	return p.waitForConfirm(ctx, p.seq)
}

// waitForConfirm 等待指定 delivery tag 的 confirm，先前逾時訊息遲到的 confirm 直接略過
func (p *Publisher) waitForConfirm(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirmed, ok := <-p.confirms:
			if !ok {
				return ErrChannelClosed
			}
			if confirmed.DeliveryTag < tag {
				continue
			}
			if !confirmed.Ack {
				return fmt.Errorf("%w: delivery tag %d", ErrPublishNacked, confirmed.DeliveryTag)
			}
			return nil
		case <-timer.C:
			return fmt.Errorf("%w after %s", ErrConfirmTimeout, p.confirmTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close 關閉 channel
func (p *Publisher) Close() error {
	return p.ch.Close()
}

var _ usecase.Publisher = (*Publisher)(nil)

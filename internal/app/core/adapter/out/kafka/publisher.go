package kafka

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
)

// MessageWriter 是 *kafka.Writer 的子集
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher 以帳戶 ID 為 key 寫入 Kafka
type Publisher struct {
	writer MessageWriter
}

func NewPublisher(writer MessageWriter) *Publisher {
	return &Publisher{writer: writer}
}

// Publish implements usecase.Publisher.
func (p *Publisher) Publish(ctx context.Context, msg domain.OperationMessage) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	headers := []kafka.Header{
		{Key: "content-type", Value: []byte("application/json")},
		{Key: "operation-type", Value: []byte(msg.OperationType)},
	}
	if msg.MessageID != "" {
		headers = append(headers, kafka.Header{Key: "message-id", Value: []byte(msg.MessageID)})
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(strconv.FormatInt(msg.AccountID, 10)),
		Value:   body,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close 關閉 writer，送出尚未寫入的訊息
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ usecase.Publisher = (*Publisher)(nil)

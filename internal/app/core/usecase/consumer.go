package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
)

// ConsumerMode 決定佇列消費者是否會修改餘額，一個部署只能選一種
type ConsumerMode string

const (
	// ModeNotify 同步 API 負責異動與通知，消費者只記錄事件
	ModeNotify ConsumerMode = "notify"
	// ModeCommand API 只把指令送進佇列，消費者是唯一的異動者
	ModeCommand ConsumerMode = "command"
)

// ParseConsumerMode 解析設定檔中的模式
func ParseConsumerMode(s string) (ConsumerMode, error) {
	switch ConsumerMode(s) {
	case ModeNotify, "":
		return ModeNotify, nil
	case ModeCommand:
		return ModeCommand, nil
	default:
		return "", fmt.Errorf("unknown consumer mode %q", s)
	}
}

// Applier 是指令模式下消費者呼叫的引擎介面
type Applier interface {
	Apply(ctx context.Context, msg domain.OperationMessage) error
}

// ObserveFunc 通知模式下對事件的唯讀處理
type ObserveFunc func(ctx context.Context, msg domain.OperationMessage) error

type handlerFunc func(ctx context.Context, msg domain.OperationMessage) error

// Consumer 把佇列訊息依交易類型分派 (Re-entry Adapter)
type Consumer struct {
	mode     ConsumerMode
	handlers map[domain.OperationKind]handlerFunc
	logger   *zap.Logger
}

// NewConsumer 建立消費者
//
// 參數:
//
//	mode: ModeNotify 或 ModeCommand
//	applier: 指令模式下的引擎，通知模式可為 nil
//	observe: 通知模式下的額外處理，可為 nil
//	logger: logger
func NewConsumer(mode ConsumerMode, applier Applier, observe ObserveFunc, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Consumer{
		mode:   mode,
		logger: logger.Named("consumer"),
	}

	var h handlerFunc
	switch mode {
	case ModeCommand:
		if applier == nil {
			return nil, errors.New("command mode requires an applier")
		}
		h = applier.Apply
	case ModeNotify:
		h = c.observer(observe)
	default:
		return nil, fmt.Errorf("unknown consumer mode %q", mode)
	}

	c.handlers = map[domain.OperationKind]handlerFunc{
		domain.OperationDeposit:  h,
		domain.OperationWithdraw: h,
		domain.OperationTransfer: c.requireTarget(h),
	}
	return c, nil
}

// Mode 回傳目前的模式
func (c *Consumer) Mode() ConsumerMode { return c.mode }

// Handle 處理一則原始訊息
func (c *Consumer) Handle(ctx context.Context, raw []byte) error {
	msg, err := domain.DecodeOperationMessage(raw)
	if err != nil {
		c.logger.Warn("dropping malformed message", zap.Error(err))
		return err
	}
	return c.Dispatch(ctx, msg)
}

// Dispatch 依 operationType 分派已解析的訊息
func (c *Consumer) Dispatch(ctx context.Context, msg domain.OperationMessage) error {
	fields := messageFields(msg)
	c.logger.Info("received message", fields...)

	kind, ok := msg.Kind()
	handler, registered := c.handlers[kind]
	if !ok || !registered {
		c.logger.Warn("unknown operation type", fields...)
		return fmt.Errorf("%w: %q", domain.ErrUnknownOperation, msg.OperationType)
	}

	c.logger.Info("processing "+kind.MessageType()+" operation", fields...)
	err := handler(ctx, msg)
	switch {
	case err == nil:
		c.logger.Info("message processing complete", fields...)
	case errors.Is(err, domain.ErrAlreadyApplied):
		c.logger.Info("duplicate message skipped", fields...)
	default:
		c.logger.Warn("message processing failed", append(fields, zap.Error(err))...)
	}
	return err
}

func (c *Consumer) observer(observe ObserveFunc) handlerFunc {
	return func(ctx context.Context, msg domain.OperationMessage) error {
		c.logger.Info("balance event",
			zap.String("operation", msg.OperationType),
			zap.Int64("account_id", msg.AccountID),
			zap.String("amount", msg.Amount.StringFixed(domain.CurrencyScale)),
		)
		if observe == nil {
			return nil
		}
		return observe(ctx, msg)
	}
}

// requireTarget 轉帳訊息必須帶 targetAccountId
func (c *Consumer) requireTarget(next handlerFunc) handlerFunc {
	return func(ctx context.Context, msg domain.OperationMessage) error {
		if msg.TargetAccountID == nil {
			return fmt.Errorf("%w: transfer without targetAccountId", domain.ErrMalformedMessage)
		}
		return next(ctx, msg)
	}
}

// Disposition 訊息處理結果對佇列的回應
type Disposition int

const (
	// Ack 確認並移除訊息
	Ack Disposition = iota
	// Requeue 放回佇列等待重送
	Requeue
	// DeadLetter 從佇列移除並轉到死信佇列 (不支援死信的傳輸視同 Ack)
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead-letter"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// DispositionFor 依錯誤決定 ack、重送或轉死信
//
// 只有暫時性的錯誤 (鎖競爭、資料庫不可用) 需要重送；領域錯誤重送也不會成功，直接 ack。
// 無法解析或無法辨識的訊息送到死信佇列留存。
func DispositionFor(err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case domain.IsRetryable(err), errors.Is(err, domain.ErrStoreFailure):
		return Requeue
	case errors.Is(err, domain.ErrMalformedMessage), errors.Is(err, domain.ErrUnknownOperation):
		return DeadLetter
	default:
		return Ack
	}
}

func messageFields(msg domain.OperationMessage) []zap.Field {
	fields := []zap.Field{
		zap.String("operation", msg.OperationType),
		zap.Int64("account_id", msg.AccountID),
		zap.String("amount", msg.Amount.String()),
	}
	if msg.TargetAccountID != nil {
		fields = append(fields, zap.Int64("target_account_id", *msg.TargetAccountID))
	}
	if msg.MessageID != "" {
		fields = append(fields, zap.String("message_id", msg.MessageID))
	}
	return fields
}

// CommandSink 在指令模式下取代同步 API 的異動：只送出指令
type CommandSink struct {
	publisher Publisher
	newID     func() string
}

// NewCommandSink 建立指令送出者
func NewCommandSink(publisher Publisher, newID func() string) *CommandSink {
	return &CommandSink{publisher: publisher, newID: newID}
}

// Deposit 送出存款指令
func (s *CommandSink) Deposit(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	return s.enqueue(ctx, domain.Operation{Kind: domain.OperationDeposit, AccountID: accountID, Amount: amount})
}

// Withdraw 送出提款指令
func (s *CommandSink) Withdraw(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	return s.enqueue(ctx, domain.Operation{Kind: domain.OperationWithdraw, AccountID: accountID, Amount: amount})
}

// Transfer 送出轉帳指令
func (s *CommandSink) Transfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal) error {
	return s.enqueue(ctx, domain.Operation{
		Kind:            domain.OperationTransfer,
		AccountID:       fromID,
		TargetAccountID: toID,
		Amount:          amount,
	})
}

// enqueue 先做與引擎相同的請求檢查，避免明顯錯誤的指令進入佇列
func (s *CommandSink) enqueue(ctx context.Context, op domain.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	op.RefID = s.newID()
	if err := s.publisher.Publish(ctx, domain.NewOperationMessage(op, time.Time{})); err != nil {
		return fmt.Errorf("%w: %s on account %d: %w", domain.ErrEnqueueFailed, op.Kind, op.AccountID, err)
	}
	return nil
}

var _ Mutator = (*CommandSink)(nil)

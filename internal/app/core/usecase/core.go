package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
)

// Engine 是核心業務邏輯層 (Balance Engine)
//
// 所有餘額異動都走同一條路徑：
//
//	驗證 -> WithinTx { 依序鎖帳戶 -> 計算新餘額 -> 寫回 -> 新增帳本紀錄 } -> commit -> 清快取 -> 送通知
type Engine struct {
	store     Store
	publisher Publisher
	cache     AccountCache
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// EngineOption 定義 Engine 的配置選項函數
type EngineOption func(*Engine)

// WithPublisher 設定 commit 後的通知發送者
func WithPublisher(p Publisher) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithCache 設定 GetAccount 的讀取快取
func WithCache(c AccountCache) EngineOption {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithLogger 設定 logger
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock 設定帳本時間來源 (測試用)
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		publisher: NopPublisher{},
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("balance-engine"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("engine")
	return e
}

// Deposit 存款
func (e *Engine) Deposit(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	return e.execute(ctx, domain.Operation{
		Kind:      domain.OperationDeposit,
		AccountID: accountID,
		Amount:    amount,
	}, true)
}

// Withdraw 提款
func (e *Engine) Withdraw(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	return e.execute(ctx, domain.Operation{
		Kind:      domain.OperationWithdraw,
		AccountID: accountID,
		Amount:    amount,
	}, true)
}

// Transfer 轉帳，兩個帳戶在同一個交易內依 ID 由小到大鎖定
func (e *Engine) Transfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal) error {
	return e.execute(ctx, domain.Operation{
		Kind:            domain.OperationTransfer,
		AccountID:       fromID,
		TargetAccountID: toID,
		Amount:          amount,
	}, true)
}

// Apply 以佇列指令執行異動 (指令模式)
//
// messageId 會寫入帳本的 ref id，重送的訊息回傳 ErrAlreadyApplied 且不做任何異動。
// 不會再發送通知，佇列上的指令本身就是事件。
func (e *Engine) Apply(ctx context.Context, msg domain.OperationMessage) error {
	op, err := msg.Operation()
	if err != nil {
		return err
	}
	if op.RefID == "" {
		e.logger.Warn("command without messageId, duplicates cannot be detected",
			zap.Int64("account_id", op.AccountID),
			zap.String("operation", op.Kind.MessageType()),
		)
	}
	return e.execute(ctx, op, false)
}

// GetAccount 不加鎖讀取帳戶，有快取時優先讀快取
func (e *Engine) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	var (
		fill    bool
		version int64
	)
	if e.cache != nil {
		cached, v, err := e.cache.Get(ctx, accountID)
		switch {
		case err != nil:
			// 不知道目前的版本，這次不回填
			e.logger.Warn("balance cache read failed", zap.Int64("account_id", accountID), zap.Error(err))
		case cached != nil:
			return cached, nil
		default:
			fill, version = true, v
		}
	}

	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if fill {
		if err := e.cache.Set(ctx, account, version); err != nil {
			e.logger.Warn("balance cache write failed", zap.Int64("account_id", accountID), zap.Error(err))
		}
	}
	return account, nil
}

// GetTransactionsByPeriod 回傳 [start, end] 內的帳本紀錄，依時間遞增；沒有資料時回傳空 slice
func (e *Engine) GetTransactionsByPeriod(ctx context.Context, accountID int64, start, end time.Time) ([]domain.Transaction, error) {
	if start.After(end) {
		return nil, domain.ErrInvalidPeriod
	}
	trans, err := e.store.ListTransactions(ctx, accountID, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	if trans == nil {
		trans = []domain.Transaction{}
	}
	return trans, nil
}

// execute 執行一次餘額異動
//
// 參數:
//
//	ctx: 上下文
//	op: 異動請求
//	notify: commit 後是否送出通知
//
// 回傳:
//
//	error: 領域錯誤直接回傳；commit 後通知失敗回傳 *domain.PublishError
func (e *Engine) execute(ctx context.Context, op domain.Operation, notify bool) (err error) {
	ctx, span := e.tracer.Start(ctx, "engine."+op.Kind.MessageType(), trace.WithAttributes(
		attribute.Int64("account.id", op.AccountID),
		attribute.String("amount", op.Amount.String()),
	))
	defer func() {
		if err != nil && !domain.IsCommitted(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// 1. 取鎖前先檢查請求
	if err := op.Validate(); err != nil {
		return err
	}

	fields := operationFields(op)

	// 2. 在同一個交易中完成鎖定、計算、寫回與帳本紀錄
	var entry *domain.Transaction
	var balances []zap.Field
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		lockIDs := op.LockIDs()
		accounts, err := tx.LockAccounts(ctx, lockIDs)
		if err != nil {
			return err
		}
		// 鎖住之後才檢查 ref id，重送的訊息會被同一把鎖排在原訊息之後
		if op.RefID != "" {
			applied, err := tx.RefApplied(ctx, op.RefID)
			if err != nil {
				return err
			}
			if applied {
				return domain.ErrAlreadyApplied
			}
		}
		if err := mutate(op, accounts); err != nil {
			return err
		}
		for _, id := range lockIDs {
			if err := tx.UpdateBalance(ctx, accounts[id]); err != nil {
				return err
			}
			balances = append(balances, zap.String(balanceKey(op, id), accounts[id].Balance.StringFixed(domain.CurrencyScale)))
		}
		entry = op.Entry(e.now())
		return tx.AppendTransaction(ctx, entry)
	})
	if err != nil {
		err = classify(err)
		if errors.Is(err, domain.ErrStoreFailure) {
			e.logger.Error("operation rolled back", append(fields, zap.Error(err))...)
		} else {
			e.logger.Debug("operation rejected", append(fields, zap.Error(err))...)
		}
		return err
	}

	e.logger.Info(op.Kind.MessageType()+" committed", append(fields, zap.Int64("transaction_id", entry.ID))...)
	e.logger.Debug("new balances", balances...)

	// 3. commit 後清除快取；呼叫端取消也要做完，否則快取會留著舊餘額
	ctx = context.WithoutCancel(ctx)
	if e.cache != nil {
		if err := e.cache.Invalidate(ctx, op.LockIDs()...); err != nil {
			e.logger.Warn("balance cache invalidation failed", append(fields, zap.Error(err))...)
		}
	}

	// 4. commit 後才送出通知，失敗不回滾
	if !notify {
		return nil
	}
	msg := domain.NewOperationMessage(op, entry.CreatedAt)
	if err := e.publisher.Publish(ctx, msg); err != nil {
		e.logger.Error("notification failed after commit", append(fields, zap.Error(err))...)
		return &domain.PublishError{Kind: op.Kind, AccountID: op.AccountID, Err: err}
	}
	return nil
}

// mutate 依交易類型修改已鎖定的帳戶
func mutate(op domain.Operation, accounts map[int64]*domain.Account) error {
	source, ok := accounts[op.AccountID]
	if !ok {
		role := ""
		if op.Kind == domain.OperationTransfer {
			role = domain.RoleSource
		}
		return &domain.AccountNotFoundError{AccountID: op.AccountID, Role: role}
	}

	switch op.Kind {
	case domain.OperationDeposit:
		return source.Deposit(op.Amount)
	case domain.OperationWithdraw:
		return source.Withdraw(op.Amount)
	case domain.OperationTransfer:
		target, ok := accounts[op.TargetAccountID]
		if !ok {
			return &domain.AccountNotFoundError{AccountID: op.TargetAccountID, Role: domain.RoleTarget}
		}
		if err := source.Withdraw(op.Amount); err != nil {
			return err
		}
		return target.Deposit(op.Amount)
	default:
		return domain.ErrUnknownOperation
	}
}

// classify 確保未分類的錯誤以 StoreFailure 回傳
func classify(err error) error {
	if domain.Classified(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrLockContention, err)
	}
	return domain.StoreError("transaction", err)
}

func operationFields(op domain.Operation) []zap.Field {
	fields := []zap.Field{
		zap.String("operation", op.Kind.MessageType()),
		zap.Int64("account_id", op.AccountID),
		zap.String("amount", op.Amount.String()),
	}
	if op.Kind == domain.OperationTransfer {
		fields = append(fields, zap.Int64("target_account_id", op.TargetAccountID))
	}
	if op.RefID != "" {
		fields = append(fields, zap.String("message_id", op.RefID))
	}
	return fields
}

func balanceKey(op domain.Operation, id int64) string {
	if op.Kind == domain.OperationTransfer && id == op.TargetAccountID {
		return "target_balance"
	}
	return "balance"
}

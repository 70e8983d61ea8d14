package usecase

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
)

// Mutator 是 API 層呼叫的異動介面
// 通知模式由 Engine 直接異動，指令模式由 CommandSink 送出指令
type Mutator interface {
	Deposit(ctx context.Context, accountID int64, amount decimal.Decimal) error
	Withdraw(ctx context.Context, accountID int64, amount decimal.Decimal) error
	Transfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal) error
}

// Reader 是 API 層的查詢介面
type Reader interface {
	GetAccount(ctx context.Context, accountID int64) (*domain.Account, error)
	GetTransactionsByPeriod(ctx context.Context, accountID int64, start, end time.Time) ([]domain.Transaction, error)
}

var (
	_ Mutator = (*Engine)(nil)
	_ Reader  = (*Engine)(nil)
	_ Applier = (*Engine)(nil)
)

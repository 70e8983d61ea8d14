package usecase

import (
	"context"
	"time"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
)

// Store 是帳務資料的儲存介面 (MySQL / Postgres / Memory)
type Store interface {
	// WithinTx 在單一資料庫交易中執行 fn
	// fn 回傳 nil 時 commit，否則 rollback；透過 tx.LockAccounts 取得的帳戶鎖會持有到交易結束
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	// GetAccount 不加鎖讀取帳戶
	GetAccount(ctx context.Context, accountID int64) (*domain.Account, error)
	// ListTransactions 回傳 [start, end] 區間內的帳本紀錄，依時間遞增
	ListTransactions(ctx context.Context, accountID int64, start, end time.Time) ([]domain.Transaction, error)
	// Close 釋放連線
	Close() error
}

// Tx 是 WithinTx 內可用的操作
type Tx interface {
	// LockAccounts 以 SELECT ... FOR UPDATE 鎖定帳戶 (ids 需已由小到大排序)
	// 不存在的帳戶不會出現在回傳的 map 中
	LockAccounts(ctx context.Context, ids []int64) (map[int64]*domain.Account, error)
	// UpdateBalance 寫回新的餘額
	UpdateBalance(ctx context.Context, account *domain.Account) error
	// AppendTransaction 新增帳本紀錄，成功後回填 ID
	AppendTransaction(ctx context.Context, tran *domain.Transaction) error
	// RefApplied 檢查 ref id 是否已有帳本紀錄
	RefApplied(ctx context.Context, refID string) (bool, error)
}

// Publisher 將完成的異動送到訊息通道
type Publisher interface {
	Publish(ctx context.Context, msg domain.OperationMessage) error
}

// AccountCache 是 GetAccount 的讀取快取
//
// 每個帳戶有一個失效版本，Invalidate 會遞增它。讀取未命中時拿到的版本交給 Set，
// 版本已經變動 (期間有 commit) 時 Set 不寫入，舊餘額不會蓋掉失效。
type AccountCache interface {
	// Get 命中時回傳帳戶；未命中時帳戶為 nil，version 是目前的失效版本
	Get(ctx context.Context, accountID int64) (account *domain.Account, version int64, err error)
	// Set 只在失效版本仍為 version 時寫入
	Set(ctx context.Context, account *domain.Account, version int64) error
	// Invalidate 遞增失效版本並刪除快取
	Invalidate(ctx context.Context, accountIDs ...int64) error
}

// NopPublisher 不送出任何訊息 (指令模式下佇列訊息本身就是通知)
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.OperationMessage) error { return nil }

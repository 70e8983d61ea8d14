package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// 金額精度：小數點後 4 位，對應資料庫 DECIMAL(19,4)
const CurrencyScale int32 = 4

// FormatAmount 輸出金額，至少保留兩位小數 (1500 -> "1500.00", 0.125 -> "0.125")
func FormatAmount(d decimal.Decimal) string {
	if d.Equal(d.Truncate(2)) {
		return d.StringFixed(2)
	}
	return d.String()
}

// OperationKind 交易類型
type OperationKind uint8

const (
	// 存款
	OperationDeposit OperationKind = 1
	// 提款
	OperationWithdraw OperationKind = 2
	// 轉帳
	OperationTransfer OperationKind = 3
)

// String 回傳寫入帳本的大寫名稱 (DEPOSIT / WITHDRAW / TRANSFER)
func (k OperationKind) String() string {
	switch k {
	case OperationDeposit:
		return "DEPOSIT"
	case OperationWithdraw:
		return "WITHDRAW"
	case OperationTransfer:
		return "TRANSFER"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// MessageType 回傳訊息上使用的小寫名稱 (deposit / withdraw / transfer)
func (k OperationKind) MessageType() string {
	return strings.ToLower(k.String())
}

// ParseOperationKind 解析帳本或訊息上的類型名稱，不分大小寫
func ParseOperationKind(s string) (OperationKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEPOSIT":
		return OperationDeposit, true
	case "WITHDRAW":
		return OperationWithdraw, true
	case "TRANSFER":
		return OperationTransfer, true
	default:
		return 0, false
	}
}

// Transaction 帳本紀錄 (append-only，寫入後不修改不刪除)
//
// Amount 永遠為正數，方向由 Kind 決定。
// 轉帳只在來源帳戶留下一筆紀錄，TargetAccountID 記錄收款帳戶。
type Transaction struct {
	ID              int64
	RefID           string
	AccountID       int64
	TargetAccountID *int64
	Amount          decimal.Decimal
	Kind            OperationKind
	CreatedAt       time.Time
}

// Operation 描述一次餘額異動請求
type Operation struct {
	Kind            OperationKind
	AccountID       int64
	TargetAccountID int64
	Amount          decimal.Decimal
	// RefID 由訊息驅動時帶入 messageId，同步呼叫為空
	RefID string
}

// Validate 在取鎖之前檢查請求本身
func (o Operation) Validate() error {
	if !o.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	// 超過 CurrencyScale 的位數存進資料庫會被捨去
	if !o.Amount.Equal(o.Amount.Truncate(CurrencyScale)) {
		return ErrInvalidAmount
	}
	if o.Kind == OperationTransfer && o.AccountID == o.TargetAccountID {
		return ErrSameAccount
	}
	return nil
}

// LockIDs 回傳需要鎖定的帳號 ID，由小到大排序以避免死鎖
func (o Operation) LockIDs() []int64 {
	ids := make([]int64, 0, 2)
	switch o.Kind {
	case OperationTransfer:
		if o.AccountID < o.TargetAccountID {
			ids = append(ids, o.AccountID, o.TargetAccountID)
		} else {
			ids = append(ids, o.TargetAccountID, o.AccountID)
		}
	default:
		ids = append(ids, o.AccountID)
	}
	return ids
}

// Entry 產生這次異動對應的帳本紀錄
func (o Operation) Entry(now time.Time) *Transaction {
	tran := &Transaction{
		RefID:     o.RefID,
		AccountID: o.AccountID,
		Amount:    o.Amount,
		Kind:      o.Kind,
		CreatedAt: now.UTC(),
	}
	if o.Kind == OperationTransfer {
		target := o.TargetAccountID
		tran.TargetAccountID = &target
	}
	return tran
}

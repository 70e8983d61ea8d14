package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount 金額必須為正數，且小數位數不超過 CurrencyScale
	ErrInvalidAmount = errors.New("amount must be positive with at most 4 decimal places")

	// ErrSameAccount 轉帳來源與目標相同
	ErrSameAccount = errors.New("source and target account are the same")

	// ErrInvalidPeriod 查詢區間起點晚於終點
	ErrInvalidPeriod = errors.New("start of period is after end")

	// ErrAccountNotFound 找不到帳戶
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientFunds 餘額不足
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrLockContention 等待帳戶鎖逾時或發生死鎖，可整筆重試
	ErrLockContention = errors.New("account lock contention")

	// ErrStoreFailure 資料庫不可用或 commit 失敗，已完整 rollback
	ErrStoreFailure = errors.New("store failure")

	// ErrPublishFailed 異動已 commit，但通知未送出
	ErrPublishFailed = errors.New("publish failed")

	// ErrEnqueueFailed 指令模式下指令未能送進佇列，沒有任何異動
	ErrEnqueueFailed = errors.New("enqueue command failed")

	// ErrAlreadyApplied 相同 ref id 的指令已處理過
	ErrAlreadyApplied = errors.New("operation already applied")

	// ErrUnknownOperation 無法辨識的交易類型
	ErrUnknownOperation = errors.New("unknown operation type")

	// ErrMalformedMessage 佇列訊息格式錯誤
	ErrMalformedMessage = errors.New("malformed message")
)

// 帳戶在交易中的角色
const (
	RoleSource = "source"
	RoleTarget = "target"
)

// AccountNotFoundError 指出是哪一個帳戶不存在
type AccountNotFoundError struct {
	AccountID int64
	Role      string
}

func (e *AccountNotFoundError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("account not found: %d", e.AccountID)
	}
	return fmt.Sprintf("%s account not found: %d", e.Role, e.AccountID)
}

func (e *AccountNotFoundError) Unwrap() error { return ErrAccountNotFound }

// InsufficientFundsError 取鎖當下的餘額不足
type InsufficientFundsError struct {
	AccountID int64
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on account %d: balance %s, requested %s",
		e.AccountID, e.Balance.StringFixed(CurrencyScale), e.Requested.StringFixed(CurrencyScale))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// PublishError 異動已成功，通知失敗
type PublishError struct {
	Kind      OperationKind
	AccountID int64
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s on account %d committed but notification failed: %v", e.Kind, e.AccountID, e.Err)
}

func (e *PublishError) Unwrap() []error { return []error{ErrPublishFailed, e.Err} }

// StoreError 包裝底層儲存錯誤
func StoreError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreFailure, op, err)
}

// Classified 錯誤是否已經屬於上面定義的分類
func Classified(err error) bool {
	for _, known := range []error{
		ErrInvalidAmount,
		ErrSameAccount,
		ErrInvalidPeriod,
		ErrAccountNotFound,
		ErrInsufficientFunds,
		ErrLockContention,
		ErrStoreFailure,
		ErrPublishFailed,
		ErrEnqueueFailed,
		ErrAlreadyApplied,
		ErrUnknownOperation,
		ErrMalformedMessage,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}

// IsRetryable 是否可以從頭重試整筆操作
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockContention)
}

// IsCommitted 錯誤是否代表異動其實已經 commit (只有通知失敗)
func IsCommitted(err error) bool {
	return err == nil || errors.Is(err, ErrPublishFailed)
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account 帳戶 (開戶在系統外完成，這裡只負責餘額異動)
type Account struct {
	ID        int64
	OwnerID   int64
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// NewAccount 建立帳戶
func NewAccount(id, ownerID int64, balance decimal.Decimal) *Account {
	return &Account{
		ID:      id,
		OwnerID: ownerID,
		Balance: balance,
	}
}

// Deposit 存款
func (a *Account) Deposit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	a.Balance = a.Balance.Add(amount)
	return nil
}

// Withdraw 提款，餘額不得為負
func (a *Account) Withdraw(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	if a.Balance.LessThan(amount) {
		return &InsufficientFundsError{
			AccountID: a.ID,
			Balance:   a.Balance,
			Requested: amount,
		}
	}

	a.Balance = a.Balance.Sub(amount)
	return nil
}

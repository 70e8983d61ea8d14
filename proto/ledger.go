package proto

import "time"

// AmountRequest 存款 / 提款
type AmountRequest struct {
	AccountId int64  `json:"accountId"`
	Amount    string `json:"amount"`
}

// TransferRequest 轉帳
type TransferRequest struct {
	FromAccountId int64  `json:"fromAccountId"`
	ToAccountId   int64  `json:"toAccountId"`
	Amount        string `json:"amount"`
}

// MutationResponse 異動結果
//
// Queued: 指令模式下指令已進入佇列，尚未執行
// Committed 且 !Notified: 異動成功但通知未送出
type MutationResponse struct {
	Committed bool   `json:"committed"`
	Queued    bool   `json:"queued"`
	Notified  bool   `json:"notified"`
	Message   string `json:"message,omitempty"`
}

type GetBalanceRequest struct {
	AccountId int64 `json:"accountId"`
}

type GetBalanceResponse struct {
	AccountId int64  `json:"accountId"`
	OwnerId   int64  `json:"ownerId"`
	Balance   string `json:"balance"`
}

// GetTransactionsRequest 查詢 [StartTime, EndTime] 內的帳本紀錄
type GetTransactionsRequest struct {
	AccountId int64     `json:"accountId"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

type GetTransactionsResponse struct {
	Transactions []*Transaction `json:"transactions"`
}

type Transaction struct {
	Id              int64     `json:"id"`
	AccountId       int64     `json:"accountId"`
	TargetAccountId *int64    `json:"targetAccountId,omitempty"`
	Amount          string    `json:"amount"`
	OperationType   string    `json:"operationType"`
	Timestamp       time.Time `json:"timestamp"`
}

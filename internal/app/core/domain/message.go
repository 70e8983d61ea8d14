package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OperationMessage 佇列上傳遞的完成事件 / 指令
//
// JSON 格式沿用既有的 balanceQueue 訊息：
//
//	{"accountId":1,"amount":200,"operationType":"transfer","targetAccountId":2}
type OperationMessage struct {
	MessageID       string          `json:"messageId,omitempty"`
	AccountID       int64           `json:"accountId"`
	Amount          decimal.Decimal `json:"amount"`
	OperationType   string          `json:"operationType"`
	TargetAccountID *int64          `json:"targetAccountId,omitempty"`
	OccurredAt      *time.Time      `json:"occurredAt,omitempty"`
}

// NewOperationMessage 由完成的異動建立訊息
func NewOperationMessage(op Operation, occurredAt time.Time) OperationMessage {
	msg := OperationMessage{
		MessageID:     op.RefID,
		AccountID:     op.AccountID,
		Amount:        op.Amount,
		OperationType: op.Kind.MessageType(),
	}
	if op.Kind == OperationTransfer {
		target := op.TargetAccountID
		msg.TargetAccountID = &target
	}
	if !occurredAt.IsZero() {
		t := occurredAt.UTC()
		msg.OccurredAt = &t
	}
	return msg
}

// DecodeOperationMessage 解析佇列原始內容
func DecodeOperationMessage(raw []byte) (OperationMessage, error) {
	var msg OperationMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return OperationMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

// Encode 序列化為 JSON
func (m OperationMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Kind 回傳訊息的交易類型，無法辨識時 ok 為 false
func (m OperationMessage) Kind() (OperationKind, bool) {
	return ParseOperationKind(m.OperationType)
}

// Operation 將訊息轉為異動請求
func (m OperationMessage) Operation() (Operation, error) {
	kind, ok := m.Kind()
	if !ok {
		return Operation{}, fmt.Errorf("%w: %q", ErrUnknownOperation, m.OperationType)
	}
	op := Operation{
		Kind:      kind,
		AccountID: m.AccountID,
		Amount:    m.Amount,
		RefID:     m.MessageID,
	}
	if kind == OperationTransfer {
		if m.TargetAccountID == nil {
			return Operation{}, fmt.Errorf("%w: transfer without targetAccountId", ErrMalformedMessage)
		}
		op.TargetAccountID = *m.TargetAccountID
	}
	return op, nil
}

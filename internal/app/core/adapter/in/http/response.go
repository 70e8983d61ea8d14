package http

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
)

// retryAfterSeconds 鎖競爭時建議的重試間隔
const retryAfterSeconds = "1"

// ErrorResponse 錯誤回應
type ErrorResponse struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// AccountResponse GET /accounts/:id/balance
type AccountResponse struct {
	ID      int64  `json:"id"`
	OwnerID int64  `json:"ownerId"`
	Balance string `json:"balance"`
}

// TransactionResponse GET /accounts/:id/transactions 的一筆
type TransactionResponse struct {
	ID              int64     `json:"id"`
	AccountID       int64     `json:"accountId"`
	TargetAccountID *int64    `json:"targetAccountId,omitempty"`
	Amount          string    `json:"amount"`
	OperationType   string    `json:"operationType"`
	Timestamp       time.Time `json:"timestamp"`
}

// AcceptedResponse 202 回應
//
// 指令模式下 Committed 為 false (指令已進入佇列)；通知失敗時 Committed 為 true 而 Notified 為 false。
type AcceptedResponse struct {
	Committed bool   `json:"committed"`
	Notified  bool   `json:"notified"`
	Message   string `json:"message,omitempty"`
}

func newAccountResponse(acc *domain.Account) AccountResponse {
	return AccountResponse{
		ID:      acc.ID,
		OwnerID: acc.OwnerID,
		Balance: domain.FormatAmount(acc.Balance),
	}
}

func newTransactionResponses(trans []domain.Transaction) []TransactionResponse {
	out := make([]TransactionResponse, 0, len(trans))
	for _, t := range trans {
		out = append(out, TransactionResponse{
			ID:              t.ID,
			AccountID:       t.AccountID,
			TargetAccountID: t.TargetAccountID,
			Amount:          domain.FormatAmount(t.Amount),
			OperationType:   t.Kind.String(),
			Timestamp:       t.CreatedAt,
		})
	}
	return out
}

func writeError(c *fiber.Ctx, status int, code, title, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Code:    code,
		Title:   title,
		Message: message,
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return writeError(c, fiber.StatusBadRequest, "INVALID_REQUEST", "Invalid Request", message)
}

// mutationResult 把異動的結果轉成 HTTP 回應
func mutationResult(c *fiber.Ctx, err error, queued bool) error {
	if err == nil {
		if queued {
			return c.Status(fiber.StatusAccepted).JSON(AcceptedResponse{Message: "operation queued"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
	if errors.Is(err, domain.ErrPublishFailed) {
		return c.Status(fiber.StatusAccepted).JSON(AcceptedResponse{
			Committed: true,
			Notified:  false,
			Message:   "operation committed but notification failed",
		})
	}
	return domainError(c, err)
}

// domainError 依錯誤分類決定狀態碼，未分類的錯誤不回傳細節
func domainError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return writeError(c, fiber.StatusBadRequest, "INVALID_AMOUNT", "Invalid Amount", err.Error())
	case errors.Is(err, domain.ErrSameAccount):
		return writeError(c, fiber.StatusBadRequest, "SAME_ACCOUNT", "Invalid Transfer", err.Error())
	case errors.Is(err, domain.ErrInvalidPeriod):
		return writeError(c, fiber.StatusBadRequest, "INVALID_PERIOD", "Invalid Period", err.Error())
	case errors.Is(err, domain.ErrAccountNotFound):
		return writeError(c, fiber.StatusNotFound, "ACCOUNT_NOT_FOUND", "Account Not Found", err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		return writeError(c, fiber.StatusConflict, "INSUFFICIENT_FUNDS", "Insufficient Funds", err.Error())
	case errors.Is(err, domain.ErrLockContention):
		c.Set(fiber.HeaderRetryAfter, retryAfterSeconds)
		return writeError(c, fiber.StatusServiceUnavailable, "LOCK_CONTENTION", "Account Busy", "account is locked by another operation, retry later")
	case errors.Is(err, domain.ErrEnqueueFailed):
		c.Set(fiber.HeaderRetryAfter, retryAfterSeconds)
		return writeError(c, fiber.StatusServiceUnavailable, "ENQUEUE_FAILED", "Queue Unavailable", "operation was not queued, retry later")
	default:
		return writeError(c, fiber.StatusInternalServerError, "STORE_FAILURE", "Internal Server Error", "operation failed and was rolled back")
	}
}

package http

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
)

// localDateTime 不帶時區的 ISO 時間，視為 UTC
const (
	localDateTime = "2006-01-02T15:04:05"
	localDate     = "2006-01-02"
)

// Handler 是 /accounts 的 HTTP 介面
type Handler struct {
	mutator usecase.Mutator
	reader  usecase.Reader
	queued  bool
}

// NewHandler 建立 Handler
//
// 參數:
//
//	mutator: 通知模式為 Engine，指令模式為 CommandSink
//	reader: 查詢 (永遠是 Engine)
//	queued: 指令模式，異動成功回傳 202
func NewHandler(mutator usecase.Mutator, reader usecase.Reader, queued bool) *Handler {
	return &Handler{mutator: mutator, reader: reader, queued: queued}
}

type amountRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

type transferRequest struct {
	FromAccountID *int64           `json:"fromAccountId"`
	ToAccountID   *int64           `json:"toAccountId"`
	Amount        *decimal.Decimal `json:"amount"`
}

// Deposit POST /accounts/:id/deposit
func (h *Handler) Deposit(c *fiber.Ctx) error {
	id, amount, err := accountAndAmount(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return mutationResult(c, h.mutator.Deposit(c.UserContext(), id, amount), h.queued)
}

// Withdraw POST /accounts/:id/withdraw
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	id, amount, err := accountAndAmount(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return mutationResult(c, h.mutator.Withdraw(c.UserContext(), id, amount), h.queued)
}

// Transfer POST /accounts/transfer
func (h *Handler) Transfer(c *fiber.Ctx) error {
	var req transferRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	var err error
	if req.FromAccountID == nil {
		if req.FromAccountID, err = queryInt64(c, "fromAccountId"); err != nil {
			return badRequest(c, err.Error())
		}
	}
	if req.ToAccountID == nil {
		if req.ToAccountID, err = queryInt64(c, "toAccountId"); err != nil {
			return badRequest(c, err.Error())
		}
	}
	if req.Amount == nil {
		if req.Amount, err = queryAmount(c); err != nil {
			return badRequest(c, err.Error())
		}
	}
	if req.FromAccountID == nil || req.ToAccountID == nil || req.Amount == nil {
		return badRequest(c, "fromAccountId, toAccountId and amount are required")
	}
	err = h.mutator.Transfer(c.UserContext(), *req.FromAccountID, *req.ToAccountID, *req.Amount)
	return mutationResult(c, err, h.queued)
}

// GetBalance GET /accounts/:id/balance
func (h *Handler) GetBalance(c *fiber.Ctx) error {
	id, err := accountID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	acc, err := h.reader.GetAccount(c.UserContext(), id)
	if err != nil {
		return domainError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(newAccountResponse(acc))
}

// GetTransactions GET /accounts/:id/transactions?startDate=&endDate=
func (h *Handler) GetTransactions(c *fiber.Ctx) error {
	id, err := accountID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	start, err := parseTime(c.Query("startDate"), false)
	if err != nil {
		return badRequest(c, "startDate: "+err.Error())
	}
	end, err := parseTime(c.Query("endDate"), true)
	if err != nil {
		return badRequest(c, "endDate: "+err.Error())
	}
	trans, err := h.reader.GetTransactionsByPeriod(c.UserContext(), id, start, end)
	if err != nil {
		return domainError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(newTransactionResponses(trans))
}

func accountID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "account id must be an integer")
	}
	return id, nil
}

// accountAndAmount 金額可以放在 body {"amount": ...} 或 ?amount=
func accountAndAmount(c *fiber.Ctx) (int64, decimal.Decimal, error) {
	id, err := accountID(c)
	if err != nil {
		return 0, decimal.Decimal{}, err
	}
	var req amountRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return 0, decimal.Decimal{}, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	if req.Amount == nil {
		if req.Amount, err = queryAmount(c); err != nil {
			return 0, decimal.Decimal{}, err
		}
	}
	if req.Amount == nil {
		return 0, decimal.Decimal{}, fiber.NewError(fiber.StatusBadRequest, "amount is required")
	}
	return id, *req.Amount, nil
}

func queryAmount(c *fiber.Ctx) (*decimal.Decimal, error) {
	raw := c.Query("amount")
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "amount must be a decimal number")
	}
	return &d, nil
}

func queryInt64(c *fiber.Ctx, key string) (*int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, key+" must be an integer")
	}
	return &v, nil
}

// parseTime 接受 RFC3339、不帶時區的 ISO 時間 (UTC) 或日期
//
// 只有日期時，endOfDay 為 true 會取當天最後一刻，讓區間包含整天。
func parseTime(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fiber.NewError(fiber.StatusBadRequest, "is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation(localDateTime, raw, time.UTC); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(localDate, raw, time.UTC); err == nil {
		if endOfDay {
			return t.Add(24*time.Hour - time.Nanosecond), nil
		}
		return t, nil
	}
	return time.Time{}, fiber.NewError(fiber.StatusBadRequest, "must be RFC3339 or "+localDateTime)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
)

type stubPublisher struct {
	err error
}

func (p stubPublisher) Publish(context.Context, domain.OperationMessage) error { return p.err }

func newTestApp(t *testing.T, opts ...usecase.EngineOption) *fiber.App {
	t.Helper()

	store, err := memory.NewStore([]domain.Account{
		{ID: 1, OwnerID: 1, Balance: decimal.RequireFromString("1000.00")},
		{ID: 2, OwnerID: 2, Balance: decimal.RequireFromString("500.00")},
	})
	require.NoError(t, err)
	engine := usecase.NewEngine(store, opts...)
	return NewApp(NewHandler(engine, engine, false), Config{}, nil)
}

func do(t *testing.T, app *fiber.App, method, target, body string) (*nethttp.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeError(t *testing.T, data []byte) ErrorResponse {
	t.Helper()

	var er ErrorResponse
	require.NoError(t, json.Unmarshal(data, &er))
	return er
}

func balance(t *testing.T, app *fiber.App, id string) string {
	t.Helper()

	resp, data := do(t, app, fiber.MethodGet, "/accounts/"+id+"/balance", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var acc AccountResponse
	require.NoError(t, json.Unmarshal(data, &acc))
	return acc.Balance
}

func TestHandler_BalanceFlow(t *testing.T) {
	t.Parallel()

	app := newTestApp(t)

	assert.Equal(t, "1000.00", balance(t, app, "1"))

	resp, _ := do(t, app, fiber.MethodPost, "/accounts/1/deposit?amount=500.00", "")
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "1500.00", balance(t, app, "1"))

	resp, _ = do(t, app, fiber.MethodPost, "/accounts/1/withdraw", `{"amount":100.00}`)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "1400.00", balance(t, app, "1"))

	resp, _ = do(t, app, fiber.MethodPost, "/accounts/transfer", `{"fromAccountId":1,"toAccountId":2,"amount":"200.00"}`)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "1200.00", balance(t, app, "1"))
	assert.Equal(t, "700.00", balance(t, app, "2"))

	resp, _ = do(t, app, fiber.MethodPost, "/accounts/transfer?fromAccountId=2&toAccountId=1&amount=0.5", "")
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "699.50", balance(t, app, "2"))
}

func TestHandler_Errors(t *testing.T) {
	t.Parallel()

	app := newTestApp(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
		code   string
	}{
		{"insufficient funds", fiber.MethodPost, "/accounts/1/withdraw?amount=10000", "", fiber.StatusConflict, "INSUFFICIENT_FUNDS"},
		{"zero amount", fiber.MethodPost, "/accounts/1/deposit?amount=0", "", fiber.StatusBadRequest, "INVALID_AMOUNT"},
		{"negative amount", fiber.MethodPost, "/accounts/1/deposit", `{"amount":-5}`, fiber.StatusBadRequest, "INVALID_AMOUNT"},
		{"missing amount", fiber.MethodPost, "/accounts/1/deposit", "", fiber.StatusBadRequest, "INVALID_REQUEST"},
		{"bad amount", fiber.MethodPost, "/accounts/1/deposit?amount=ten", "", fiber.StatusBadRequest, "INVALID_REQUEST"},
		{"bad account id", fiber.MethodGet, "/accounts/abc/balance", "", fiber.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown account", fiber.MethodGet, "/accounts/99/balance", "", fiber.StatusNotFound, "ACCOUNT_NOT_FOUND"},
		{"same account", fiber.MethodPost, "/accounts/transfer", `{"fromAccountId":1,"toAccountId":1,"amount":1}`, fiber.StatusBadRequest, "SAME_ACCOUNT"},
		{"transfer missing target", fiber.MethodPost, "/accounts/transfer", `{"fromAccountId":1,"amount":1}`, fiber.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown target", fiber.MethodPost, "/accounts/transfer", `{"fromAccountId":1,"toAccountId":77,"amount":1}`, fiber.StatusNotFound, "ACCOUNT_NOT_FOUND"},
		{"unknown route", fiber.MethodGet, "/nowhere", "", fiber.StatusNotFound, "HTTP_404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := do(t, app, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeError(t, data).Code)
		})
	}

	assert.Equal(t, "1000.00", balance(t, app, "1"))
}

func TestHandler_GetTransactions(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	app := newTestApp(t, usecase.WithClock(func() time.Time { return now }))

	resp, _ := do(t, app, fiber.MethodPost, "/accounts/1/deposit?amount=0.125", "")
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, app, fiber.MethodPost, "/accounts/transfer?fromAccountId=1&toAccountId=2&amount=200", "")
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	resp, data := do(t, app, fiber.MethodGet, "/accounts/1/transactions?startDate=2024-05-01T00:00:00&endDate=2024-05-01T23:59:59", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var trans []TransactionResponse
	require.NoError(t, json.Unmarshal(data, &trans))
	require.Len(t, trans, 2)
	assert.Equal(t, "DEPOSIT", trans[0].OperationType)
	assert.Equal(t, "0.125", trans[0].Amount)
	assert.Nil(t, trans[0].TargetAccountID)
	assert.Equal(t, "TRANSFER", trans[1].OperationType)
	assert.Equal(t, "200.00", trans[1].Amount)
	require.NotNil(t, trans[1].TargetAccountID)
	assert.Equal(t, int64(2), *trans[1].TargetAccountID)

	// 只給日期時 endDate 包含整天
	resp, data = do(t, app, fiber.MethodGet, "/accounts/1/transactions?startDate=2024-05-01&endDate=2024-05-01", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &trans))
	assert.Len(t, trans, 2)

	resp, data = do(t, app, fiber.MethodGet, "/accounts/2/transactions?startDate=2024-05-01&endDate=2024-05-02", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(data))

	resp, data = do(t, app, fiber.MethodGet, "/accounts/1/transactions?startDate=2024-05-02&endDate=2024-05-01", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PERIOD", decodeError(t, data).Code)

	resp, data = do(t, app, fiber.MethodGet, "/accounts/1/transactions?startDate=yesterday&endDate=2024-05-01", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, data).Code)
}

func TestHandler_PublishFailureIsAccepted(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, usecase.WithPublisher(stubPublisher{err: errors.New("broker down")}))

	resp, data := do(t, app, fiber.MethodPost, "/accounts/1/deposit?amount=10", "")
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	var accepted AcceptedResponse
	require.NoError(t, json.Unmarshal(data, &accepted))
	assert.True(t, accepted.Committed)
	assert.False(t, accepted.Notified)
	assert.Equal(t, "1010.00", balance(t, app, "1"))
}

func TestHandler_CommandMode(t *testing.T) {
	t.Parallel()

	store, err := memory.NewStore([]domain.Account{{ID: 1, OwnerID: 1, Balance: decimal.NewFromInt(100)}})
	require.NoError(t, err)
	engine := usecase.NewEngine(store)

	sink := usecase.NewCommandSink(stubPublisher{}, func() string { return "cmd" })
	app := NewApp(NewHandler(sink, engine, true), Config{}, nil)

	resp, data := do(t, app, fiber.MethodPost, "/accounts/1/deposit?amount=10", "")
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	var accepted AcceptedResponse
	require.NoError(t, json.Unmarshal(data, &accepted))
	assert.False(t, accepted.Committed)
	assert.Equal(t, "operation queued", accepted.Message)
	assert.Equal(t, "100.00", balance(t, app, "1"))

	down := NewApp(NewHandler(usecase.NewCommandSink(stubPublisher{err: errors.New("closed")}, func() string { return "cmd" }), engine, true), Config{}, nil)
	resp, data = do(t, down, fiber.MethodPost, "/accounts/1/deposit?amount=10", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(fiber.HeaderRetryAfter))
	assert.Equal(t, "ENQUEUE_FAILED", decodeError(t, data).Code)
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	got, err := parseTime("2024-05-01T10:00:00+08:00", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC), got)

	got, err = parseTime("2024-05-01T10:00:00", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), got)

	got, err = parseTime("2024-05-01", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 23, 59, 59, 999999999, time.UTC), got)

	_, err = parseTime("", false)
	assert.Error(t, err)
}

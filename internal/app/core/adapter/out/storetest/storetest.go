// Package storetest 是 usecase.Store 實作共用的行為測試
package storetest

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
)

// Factory 回傳已建立 accounts 的 Store，同一個 Store 可以被多個子測試共用
type Factory func(t *testing.T, accounts []domain.Account) usecase.Store

// 每個子測試使用不重複的帳號，共用資料庫時不會互相影響
var nextAccountID atomic.Int64

func init() {
	nextAccountID.Store(time.Now().UnixNano() % 1_000_000_000 * 10)
}

func pair(t *testing.T, factory Factory) (usecase.Store, int64, int64) {
	t.Helper()

	a := nextAccountID.Add(1)
	b := nextAccountID.Add(1)
	store := factory(t, []domain.Account{
		{ID: a, OwnerID: 1, Balance: decimal.RequireFromString("1000.00")},
		{ID: b, OwnerID: 2, Balance: decimal.RequireFromString("500.00")},
	})
	return store, a, b
}

func balance(t *testing.T, store usecase.Store, id int64) decimal.Decimal {
	t.Helper()

	acc, err := store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

// Run 執行所有行為測試
func Run(t *testing.T, factory Factory) {
	t.Run("operations", func(t *testing.T) { testOperations(t, factory) })
	t.Run("rejections leave no trace", func(t *testing.T) { testRejections(t, factory) })
	t.Run("concurrent deposits", func(t *testing.T) { testConcurrentDeposits(t, factory) })
	t.Run("opposite transfers", func(t *testing.T) { testOppositeTransfers(t, factory) })
	t.Run("idempotent apply", func(t *testing.T) { testIdempotentApply(t, factory) })
	t.Run("lock contention", func(t *testing.T) { testLockContention(t, factory) })
}

func testOperations(t *testing.T, factory Factory) {
	ctx := context.Background()
	store, a, b := pair(t, factory)

	start := time.Now().UTC().Truncate(time.Second)
	engine := usecase.NewEngine(store)

	require.NoError(t, engine.Deposit(ctx, a, decimal.RequireFromString("500.00")))
	require.NoError(t, engine.Withdraw(ctx, a, decimal.RequireFromString("100.00")))
	require.NoError(t, engine.Transfer(ctx, a, b, decimal.RequireFromString("200.00")))

	assert.True(t, balance(t, store, a).Equal(decimal.NewFromInt(1200)))
	assert.True(t, balance(t, store, b).Equal(decimal.NewFromInt(700)))

	end := time.Now().UTC().Add(time.Second)
	trans, err := engine.GetTransactionsByPeriod(ctx, a, start, end)
	require.NoError(t, err)
	require.Len(t, trans, 3)
	assert.Equal(t, domain.OperationDeposit, trans[0].Kind)
	assert.Equal(t, domain.OperationWithdraw, trans[1].Kind)
	assert.Equal(t, domain.OperationTransfer, trans[2].Kind)
	require.NotNil(t, trans[2].TargetAccountID)
	assert.Equal(t, b, *trans[2].TargetAccountID)
	assert.True(t, trans[2].Amount.Equal(decimal.NewFromInt(200)))
	for _, tran := range trans {
		assert.Positive(t, tran.ID)
	}

	target, err := engine.GetTransactionsByPeriod(ctx, b, start, end)
	require.NoError(t, err)
	assert.Empty(t, target)

	_, err = store.GetAccount(ctx, nextAccountID.Add(1))
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func testRejections(t *testing.T, factory Factory) {
	ctx := context.Background()
	store, a, b := pair(t, factory)
	engine := usecase.NewEngine(store)

	assert.ErrorIs(t, engine.Withdraw(ctx, a, decimal.NewFromInt(10000)), domain.ErrInsufficientFunds)
	assert.ErrorIs(t, engine.Transfer(ctx, b, a, decimal.RequireFromString("500.0001")), domain.ErrInsufficientFunds)
	assert.ErrorIs(t, engine.Transfer(ctx, a, nextAccountID.Add(1), decimal.NewFromInt(1)), domain.ErrAccountNotFound)

	assert.True(t, balance(t, store, a).Equal(decimal.NewFromInt(1000)))
	assert.True(t, balance(t, store, b).Equal(decimal.NewFromInt(500)))

	trans, err := engine.GetTransactionsByPeriod(ctx, a, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, trans)
}

func testConcurrentDeposits(t *testing.T, factory Factory) {
	const workers = 50

	ctx := context.Background()
	store, a, _ := pair(t, factory)
	engine := usecase.NewEngine(store)

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- engine.Deposit(ctx, a, decimal.RequireFromString("1.25"))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, balance(t, store, a).Equal(decimal.RequireFromString("1062.5")))
}

func testOppositeTransfers(t *testing.T, factory Factory) {
	const rounds = 20

	ctx := context.Background()
	store, a, b := pair(t, factory)
	engine := usecase.NewEngine(store)

	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- engine.Transfer(ctx, a, b, decimal.NewFromInt(5))
		}()
		go func() {
			defer wg.Done()
			errs <- engine.Transfer(ctx, b, a, decimal.NewFromInt(5))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, balance(t, store, a).Equal(decimal.NewFromInt(1000)))
	assert.True(t, balance(t, store, b).Equal(decimal.NewFromInt(500)))
}

func testIdempotentApply(t *testing.T, factory Factory) {
	ctx := context.Background()
	store, a, b := pair(t, factory)
	engine := usecase.NewEngine(store)

	msg := domain.OperationMessage{
		MessageID:       "transfer-" + strconv.FormatInt(a, 10),
		AccountID:       a,
		Amount:          decimal.NewFromInt(300),
		OperationType:   "transfer",
		TargetAccountID: &b,
	}
	require.NoError(t, engine.Apply(ctx, msg))
	assert.ErrorIs(t, engine.Apply(ctx, msg), domain.ErrAlreadyApplied)

	assert.True(t, balance(t, store, a).Equal(decimal.NewFromInt(700)))
	assert.True(t, balance(t, store, b).Equal(decimal.NewFromInt(800)))
}

// testLockContention 帳戶被另一個交易鎖住時，等待超過上限要回傳 ErrLockContention
func testLockContention(t *testing.T, factory Factory) {
	ctx := context.Background()
	store, a, _ := pair(t, factory)
	engine := usecase.NewEngine(store)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithinTx(ctx, func(tx usecase.Tx) error {
			if _, err := tx.LockAccounts(ctx, []int64{a}); err != nil {
				close(locked)
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := engine.Deposit(ctx, a, decimal.NewFromInt(1))
	close(release)
	require.NoError(t, <-done)

	assert.ErrorIs(t, err, domain.ErrLockContention)
	assert.True(t, domain.IsRetryable(err))
	assert.True(t, balance(t, store, a).Equal(decimal.NewFromInt(1000)))
}

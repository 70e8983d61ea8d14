package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// stepClock 每次呼叫往前推一分鐘
func stepClock() func() time.Time {
	var mu sync.Mutex
	next := baseTime
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(time.Minute)
		return now
	}
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []domain.OperationMessage
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, msg domain.OperationMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) messages() []domain.OperationMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.OperationMessage(nil), p.msgs...)
}

type mapCache struct {
	mu          sync.Mutex
	accounts    map[int64]domain.Account
	versions    map[int64]int64
	invalidated []int64
}

func newMapCache() *mapCache {
	return &mapCache{accounts: make(map[int64]domain.Account), versions: make(map[int64]int64)}
}

func (c *mapCache) Get(_ context.Context, id int64) (*domain.Account, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acc, ok := c.accounts[id]
	if !ok {
		return nil, c.versions[id], nil
	}
	return &acc, c.versions[id], nil
}

func (c *mapCache) Set(_ context.Context, acc *domain.Account, version int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versions[acc.ID] != version {
		return nil
	}
	c.accounts[acc.ID] = *acc
	return nil
}

func (c *mapCache) Invalidate(ctx context.Context, ids ...int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.versions[id]++
		delete(c.accounts, id)
		c.invalidated = append(c.invalidated, id)
	}
	return nil
}

func newTestStore(t *testing.T, opts ...memory.Option) *memory.Store {
	t.Helper()

	store, err := memory.NewStore([]domain.Account{
		{ID: 1, OwnerID: 1, Balance: dec("1000.00")},
		{ID: 2, OwnerID: 2, Balance: dec("500.00")},
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func balanceOf(t *testing.T, e *usecase.Engine, id int64) decimal.Decimal {
	t.Helper()

	acc, err := e.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func TestEngine_DepositWithdrawTransfer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &recordingPublisher{}
	engine := usecase.NewEngine(newTestStore(t), usecase.WithPublisher(pub), usecase.WithClock(stepClock()))

	require.NoError(t, engine.Deposit(ctx, 1, dec("500.00")))
	assert.Equal(t, "1500.00", domain.FormatAmount(balanceOf(t, engine, 1)))

	require.NoError(t, engine.Withdraw(ctx, 1, dec("100.00")))
	assert.Equal(t, "1400.00", domain.FormatAmount(balanceOf(t, engine, 1)))

	require.NoError(t, engine.Transfer(ctx, 1, 2, dec("200.00")))
	assert.Equal(t, "1200.00", domain.FormatAmount(balanceOf(t, engine, 1)))
	assert.Equal(t, "700.00", domain.FormatAmount(balanceOf(t, engine, 2)))

	msgs := pub.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "deposit", msgs[0].OperationType)
	assert.Equal(t, "withdraw", msgs[1].OperationType)
	assert.Equal(t, "transfer", msgs[2].OperationType)
	require.NotNil(t, msgs[2].TargetAccountID)
	assert.Equal(t, int64(2), *msgs[2].TargetAccountID)

	// 轉帳只在來源帳戶留下紀錄
	source, err := engine.GetTransactionsByPeriod(ctx, 1, baseTime, baseTime.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, source, 3)
	assert.Equal(t, domain.OperationDeposit, source[0].Kind)
	assert.Equal(t, domain.OperationWithdraw, source[1].Kind)
	assert.Equal(t, domain.OperationTransfer, source[2].Kind)
	require.NotNil(t, source[2].TargetAccountID)
	assert.Equal(t, int64(2), *source[2].TargetAccountID)

	target, err := engine.GetTransactionsByPeriod(ctx, 2, baseTime, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, target)
}

func TestEngine_InsufficientFunds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &recordingPublisher{}
	engine := usecase.NewEngine(newTestStore(t), usecase.WithPublisher(pub))

	err := engine.Withdraw(ctx, 1, dec("10000.00"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	err = engine.Transfer(ctx, 2, 1, dec("500.01"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.True(t, balanceOf(t, engine, 1).Equal(dec("1000")))
	assert.True(t, balanceOf(t, engine, 2).Equal(dec("500")))
	assert.Empty(t, pub.messages())

	trans, err := engine.GetTransactionsByPeriod(ctx, 1, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, trans)
}

func TestEngine_InvalidRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := usecase.NewEngine(newTestStore(t))

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{"zero deposit", func() error { return engine.Deposit(ctx, 1, decimal.Zero) }, domain.ErrInvalidAmount},
		{"negative withdraw", func() error { return engine.Withdraw(ctx, 1, dec("-1")) }, domain.ErrInvalidAmount},
		{"too many decimals", func() error { return engine.Deposit(ctx, 1, dec("0.00001")) }, domain.ErrInvalidAmount},
		{"same account", func() error { return engine.Transfer(ctx, 1, 1, dec("10")) }, domain.ErrSameAccount},
		{"unknown account", func() error { return engine.Deposit(ctx, 99, dec("10")) }, domain.ErrAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.wantErr)
		})
	}

	assert.True(t, balanceOf(t, engine, 1).Equal(dec("1000")))
}

func TestEngine_TransferNotFoundRoles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := usecase.NewEngine(newTestStore(t))

	var notFound *domain.AccountNotFoundError

	err := engine.Transfer(ctx, 99, 1, dec("10"))
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, domain.RoleSource, notFound.Role)
	assert.Equal(t, int64(99), notFound.AccountID)

	err = engine.Transfer(ctx, 1, 98, dec("10"))
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, domain.RoleTarget, notFound.Role)

	assert.True(t, balanceOf(t, engine, 1).Equal(dec("1000")))
}

func TestEngine_ConcurrentDeposits(t *testing.T) {
	t.Parallel()

	const workers = 100

	ctx := context.Background()
	engine := usecase.NewEngine(newTestStore(t))

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- engine.Deposit(ctx, 1, dec("1.00"))
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, balanceOf(t, engine, 1).Equal(dec("1100")))
}

func TestEngine_OppositeTransfersDoNotDeadlock(t *testing.T) {
	t.Parallel()

	const rounds = 50

	ctx := context.Background()
	engine := usecase.NewEngine(newTestStore(t, memory.WithLockTimeout(2*time.Second)))

	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- engine.Transfer(ctx, 1, 2, dec("3.00"))
		}()
		go func() {
			defer wg.Done()
			errs <- engine.Transfer(ctx, 2, 1, dec("2.00"))
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("transfers did not finish")
	}
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, balanceOf(t, engine, 1).Equal(dec("950")))
	assert.True(t, balanceOf(t, engine, 2).Equal(dec("550")))
}

func TestEngine_GetTransactionsByPeriod(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	engine := usecase.NewEngine(newTestStore(t), usecase.WithClock(stepClock()))

	// 紀錄時間依序為 baseTime, +1m, +2m
	require.NoError(t, engine.Deposit(ctx, 1, dec("1")))
	require.NoError(t, engine.Deposit(ctx, 1, dec("2")))
	require.NoError(t, engine.Deposit(ctx, 1, dec("3")))

	t.Run("inclusive bounds", func(t *testing.T) {
		trans, err := engine.GetTransactionsByPeriod(ctx, 1, baseTime, baseTime.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, trans, 3)
		assert.True(t, trans[0].Amount.Equal(dec("1")))
		assert.True(t, trans[2].Amount.Equal(dec("3")))
	})

	t.Run("partial window", func(t *testing.T) {
		trans, err := engine.GetTransactionsByPeriod(ctx, 1, baseTime.Add(time.Minute), baseTime.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, trans, 1)
		assert.True(t, trans[0].Amount.Equal(dec("2")))
	})

	t.Run("empty window", func(t *testing.T) {
		trans, err := engine.GetTransactionsByPeriod(ctx, 1, baseTime.Add(time.Hour), baseTime.Add(2*time.Hour))
		require.NoError(t, err)
		assert.NotNil(t, trans)
		assert.Empty(t, trans)
	})

	t.Run("start after end", func(t *testing.T) {
		_, err := engine.GetTransactionsByPeriod(ctx, 1, baseTime.Add(time.Hour), baseTime)
		assert.ErrorIs(t, err, domain.ErrInvalidPeriod)
	})
}

func TestEngine_PublishFailureKeepsCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &recordingPublisher{err: errors.New("broker down")}
	engine := usecase.NewEngine(newTestStore(t), usecase.WithPublisher(pub))

	err := engine.Deposit(ctx, 1, dec("50"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPublishFailed)
	assert.True(t, domain.IsCommitted(err))

	var pubErr *domain.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, domain.OperationDeposit, pubErr.Kind)

	assert.True(t, balanceOf(t, engine, 1).Equal(dec("1050")))
}

func TestEngine_Cache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache := newMapCache()
	engine := usecase.NewEngine(newTestStore(t), usecase.WithCache(cache))

	assert.True(t, balanceOf(t, engine, 1).Equal(dec("1000")))
	cached, _, _ := cache.Get(ctx, 1)
	assert.NotNil(t, cached, "read should populate the cache")

	require.NoError(t, engine.Transfer(ctx, 1, 2, dec("100")))
	assert.ElementsMatch(t, []int64{1, 2}, cache.invalidated)

	cached, _, _ = cache.Get(ctx, 1)
	assert.Nil(t, cached, "commit should invalidate the cache")
	assert.True(t, balanceOf(t, engine, 1).Equal(dec("900")))
}

// cancelAfterCommitStore 在 commit 之後取消呼叫端的 context，如同 client 剛好斷線
type cancelAfterCommitStore struct {
	usecase.Store
	cancel context.CancelFunc
}

func (s cancelAfterCommitStore) WithinTx(ctx context.Context, fn func(tx usecase.Tx) error) error {
	err := s.Store.WithinTx(ctx, fn)
	s.cancel()
	return err
}

func TestEngine_PostCommitStepsIgnoreCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := newMapCache()
	pub := &recordingPublisher{}
	store := cancelAfterCommitStore{Store: newTestStore(t), cancel: cancel}
	engine := usecase.NewEngine(store, usecase.WithCache(cache), usecase.WithPublisher(pub))

	require.NoError(t, engine.Deposit(ctx, 1, dec("500")))
	assert.Equal(t, []int64{1}, cache.invalidated)
	require.Len(t, pub.messages(), 1)
	assert.Equal(t, int64(1), pub.messages()[0].AccountID)
}

func TestEngine_ApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &recordingPublisher{}
	engine := usecase.NewEngine(newTestStore(t), usecase.WithPublisher(pub))

	msg := domain.OperationMessage{
		MessageID:     "msg-1",
		AccountID:     1,
		Amount:        dec("25"),
		OperationType: "deposit",
	}
	require.NoError(t, engine.Apply(ctx, msg))
	assert.ErrorIs(t, engine.Apply(ctx, msg), domain.ErrAlreadyApplied)

	assert.True(t, balanceOf(t, engine, 1).Equal(dec("1025")))
	assert.Empty(t, pub.messages(), "applied commands are not re-published")

	err := engine.Apply(ctx, domain.OperationMessage{AccountID: 1, Amount: dec("1"), OperationType: "refund"})
	assert.ErrorIs(t, err, domain.ErrUnknownOperation)
}

type failingStore struct {
	usecase.Store
	err error
}

func (s failingStore) WithinTx(context.Context, func(tx usecase.Tx) error) error {
	return s.err
}

func TestEngine_StoreErrorsAreClassified(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	engine := usecase.NewEngine(failingStore{err: errors.New("connection refused")})
	err := engine.Deposit(ctx, 1, dec("1"))
	assert.ErrorIs(t, err, domain.ErrStoreFailure)
	assert.False(t, domain.IsCommitted(err))

	engine = usecase.NewEngine(failingStore{err: context.DeadlineExceeded})
	err = engine.Deposit(ctx, 1, dec("1"))
	assert.ErrorIs(t, err, domain.ErrLockContention)
	assert.True(t, domain.IsRetryable(err))
}

// appendFailingStore 讓 AppendTransaction 在兩個帳戶都寫回之後失敗
type appendFailingStore struct {
	usecase.Store
	updates int
}

type appendFailingTx struct {
	usecase.Tx
	store *appendFailingStore
}

func (s *appendFailingStore) WithinTx(ctx context.Context, fn func(tx usecase.Tx) error) error {
	return s.Store.WithinTx(ctx, func(tx usecase.Tx) error {
		return fn(appendFailingTx{Tx: tx, store: s})
	})
}

func (tx appendFailingTx) UpdateBalance(ctx context.Context, account *domain.Account) error {
	tx.store.updates++
	return tx.Tx.UpdateBalance(ctx, account)
}

func (tx appendFailingTx) AppendTransaction(context.Context, *domain.Transaction) error {
	return errors.New("insert transactions: disk full")
}

func TestEngine_StoreFailureRollsBackBothLegs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &recordingPublisher{}
	store := &appendFailingStore{Store: newTestStore(t)}
	engine := usecase.NewEngine(store, usecase.WithPublisher(pub))

	err := engine.Transfer(ctx, 1, 2, dec("200"))
	require.ErrorIs(t, err, domain.ErrStoreFailure)
	assert.False(t, domain.IsCommitted(err))
	assert.False(t, domain.IsRetryable(err))
	assert.Equal(t, 2, store.updates, "both legs were written before the failure")

	assert.True(t, balanceOf(t, engine, 1).Equal(dec("1000")))
	assert.True(t, balanceOf(t, engine, 2).Equal(dec("500")))

	for _, id := range []int64{1, 2} {
		trans, err := engine.GetTransactionsByPeriod(ctx, id, baseTime.Add(-time.Hour), time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, trans)
	}
	assert.Empty(t, pub.messages())
}

func TestEngine_CanceledContextIsNotRetryable(t *testing.T) {
	t.Parallel()

	engine := usecase.NewEngine(failingStore{err: context.Canceled})
	err := engine.Deposit(context.Background(), 1, dec("1"))
	assert.ErrorIs(t, err, domain.ErrStoreFailure)
	assert.False(t, domain.IsRetryable(err))
}

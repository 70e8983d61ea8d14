package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-balance-ledger/pkg/wal"
)

// DefaultLockTimeout 等待帳戶鎖的預設上限
const DefaultLockTimeout = 5 * time.Second

// Store 是一個使用記憶體實作的帳本
//
// 結構:
//
//	accounts: 帳戶資料 Map (mu 保護)
//	locks: 每個帳戶一把鎖 (容量 1 的 channel)，建立後不再增減，可以設定等待上限
//	refs: 已處理過的 ref id
//	wal: Write-Ahead Log 實例 (可為 nil)
type Store struct {
	mu           sync.RWMutex
	accounts     map[int64]*domain.Account
	transactions []domain.Transaction
	refs         map[string]struct{}

	locks map[int64]chan struct{}

	nextID      atomic.Int64
	lockTimeout time.Duration
	wal         *wal.WAL
}

// Option 定義了 Store 的配置選項函數
type Option func(*Store)

// WithWAL 每次 commit 前先寫入 WAL，啟動時由 WAL 恢復
func WithWAL(w *wal.WAL) Option {
	return func(s *Store) {
		s.wal = w
	}
}

// WithLockTimeout 設定等待帳戶鎖的上限
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewStore 建立一個新的記憶體帳本
//
// 參數:
//
//	accounts: 初始帳戶 (開戶在系統外完成)
//	opts: 配置選項
//
// 回傳:
//
//	*Store: Store 實例
//	error: 初始化錯誤 (如 WAL 恢復失敗)
func NewStore(accounts []domain.Account, opts ...Option) (*Store, error) {
	s := &Store{
		accounts:    make(map[int64]*domain.Account, len(accounts)),
		refs:        make(map[string]struct{}),
		locks:       make(map[int64]chan struct{}),
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range accounts {
		acc := accounts[i]
		if acc.Balance.IsNegative() {
			return nil, fmt.Errorf("account %d: negative opening balance", acc.ID)
		}
		if _, ok := s.accounts[acc.ID]; ok {
			return nil, fmt.Errorf("account %d: duplicate seed", acc.ID)
		}
		s.accounts[acc.ID] = &acc
	}
	if s.wal != nil {
		if err := s.recoverFromWAL(); err != nil {
			return nil, err
		}
	}
	// 帳戶只在這裡建立，之後 locks 只讀
	for id := range s.accounts {
		s.locks[id] = make(chan struct{}, 1)
	}
	return s, nil
}

// walRecord 一筆 commit 的內容：異動後的帳戶餘額與新增的帳本紀錄
type walRecord struct {
	Accounts     []accountState       `json:"accounts"`
	Transactions []domain.Transaction `json:"transactions"`
}

type accountState struct {
	ID        int64           `json:"id"`
	OwnerID   int64           `json:"ownerId"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// recoverFromWAL 從 WAL 檔案恢復帳本狀態
// 只有 NewStore 呼叫，無需 Lock (單執行緒)
func (s *Store) recoverFromWAL() error {
	return s.wal.ReadAll(func(jsonRaw []byte) error {
		var rec walRecord
		if err := json.Unmarshal(jsonRaw, &rec); err != nil {
			return fmt.Errorf("decode wal record: %w", err)
		}
		s.apply(rec)
		return nil
	})
}

// apply 把一筆 commit 套用到記憶體，呼叫端需持有 mu 或處於單執行緒
func (s *Store) apply(rec walRecord) {
	for _, st := range rec.Accounts {
		acc, ok := s.accounts[st.ID]
		if !ok {
			acc = &domain.Account{ID: st.ID, OwnerID: st.OwnerID}
			s.accounts[st.ID] = acc
		}
		acc.Balance = st.Balance
		acc.UpdatedAt = st.UpdatedAt
	}
	for _, tran := range rec.Transactions {
		s.transactions = append(s.transactions, tran)
		if tran.RefID != "" {
			s.refs[tran.RefID] = struct{}{}
		}
		if tran.ID > s.nextID.Load() {
			s.nextID.Store(tran.ID)
		}
	}
}

// WithinTx implements usecase.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(tx usecase.Tx) error) error {
	tx := &memTx{
		store:   s,
		held:    make(map[int64]struct{}, 2),
		touched: make(map[int64]*domain.Account, 2),
	}
	// 不論成功失敗都釋放鎖
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// GetAccount 取得指定帳戶 (不加帳戶鎖)
func (s *Store) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, &domain.AccountNotFoundError{AccountID: accountID}
	}
	cp := *acc
	return &cp, nil
}

// ListTransactions 回傳 [start, end] 內的帳本紀錄
func (s *Store) ListTransactions(ctx context.Context, accountID int64, start, end time.Time) ([]domain.Transaction, error) {
	s.mu.RLock()
	out := make([]domain.Transaction, 0)
	for _, tran := range s.transactions {
		if tran.AccountID != accountID {
			continue
		}
		if tran.CreatedAt.Before(start) || tran.CreatedAt.After(end) {
			continue
		}
		out = append(out, tran)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close 關閉 WAL
func (s *Store) Close() error {
	if s.wal == nil {
		return nil
	}
	return s.wal.Close()
}

// acquire 取得帳戶鎖，超過 lockTimeout 回傳 ErrLockContention
//
// 不存在的帳戶沒有鎖 (如同 SELECT ... FOR UPDATE 查不到資料列)，回傳 false。
func (s *Store) acquire(ctx context.Context, id int64) (bool, error) {
	l, ok := s.locks[id]
	if !ok {
		return false, nil
	}

	// Fast path
	select {
	case l <- struct{}{}:
		return true, nil
	default:
	}

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case l <- struct{}{}:
		return true, nil
	case <-timer.C:
		return false, fmt.Errorf("%w: account %d lock wait exceeded %s", domain.ErrLockContention, id, s.lockTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, fmt.Errorf("%w: account %d: %w", domain.ErrLockContention, id, ctx.Err())
		}
		return false, domain.StoreError("lock account", ctx.Err())
	}
}

func (s *Store) releaseLock(id int64) {
	<-s.locks[id]
}

// memTx 是一次 WithinTx 的交易狀態，所有修改在 commit 前只存在這裡
type memTx struct {
	store   *Store
	order   []int64
	held    map[int64]struct{}
	touched map[int64]*domain.Account
	entries []domain.Transaction
}

func (tx *memTx) LockAccounts(ctx context.Context, ids []int64) (map[int64]*domain.Account, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	for _, id := range sorted {
		if _, ok := tx.held[id]; ok {
			continue
		}
		locked, err := tx.store.acquire(ctx, id)
		if err != nil {
			return nil, err
		}
		if !locked {
			continue
		}
		tx.held[id] = struct{}{}
		tx.order = append(tx.order, id)
	}

	out := make(map[int64]*domain.Account, len(sorted))
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	for _, id := range sorted {
		if acc, ok := tx.touched[id]; ok {
			out[id] = acc
			continue
		}
		acc, ok := tx.store.accounts[id]
		if !ok {
			continue
		}
		cp := *acc
		out[id] = &cp
	}
	return out, nil
}

func (tx *memTx) UpdateBalance(ctx context.Context, account *domain.Account) error {
	if _, ok := tx.held[account.ID]; !ok {
		return domain.StoreError("update balance", fmt.Errorf("account %d is not locked by this transaction", account.ID))
	}
	if account.Balance.IsNegative() {
		return domain.StoreError("update balance", fmt.Errorf("account %d: negative balance", account.ID))
	}
	cp := *account
	cp.UpdatedAt = time.Now().UTC()
	tx.touched[account.ID] = &cp
	return nil
}

func (tx *memTx) AppendTransaction(ctx context.Context, tran *domain.Transaction) error {
	if tran.RefID != "" {
		applied, err := tx.RefApplied(ctx, tran.RefID)
		if err != nil {
			return err
		}
		if applied {
			return domain.ErrAlreadyApplied
		}
	}
	tran.ID = tx.store.nextID.Add(1)
	tx.entries = append(tx.entries, *tran)
	return nil
}

func (tx *memTx) RefApplied(ctx context.Context, refID string) (bool, error) {
	for _, e := range tx.entries {
		if e.RefID == refID {
			return true, nil
		}
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, ok := tx.store.refs[refID]
	return ok, nil
}

// commit 先寫 WAL 再更新記憶體
func (tx *memTx) commit() error {
	if len(tx.touched) == 0 && len(tx.entries) == 0 {
		return nil
	}
	rec := walRecord{Transactions: tx.entries}
	for _, id := range tx.order {
		acc, ok := tx.touched[id]
		if !ok {
			continue
		}
		rec.Accounts = append(rec.Accounts, accountState{
			ID:        acc.ID,
			OwnerID:   acc.OwnerID,
			Balance:   acc.Balance,
			UpdatedAt: acc.UpdatedAt,
		})
	}

	// 1. 寫入 WAL (Critical Path)
	if tx.store.wal != nil {
		if err := tx.store.wal.Write(rec); err != nil {
			return domain.StoreError("write wal", err)
		}
	}

	// 2. 套用到記憶體
	tx.store.mu.Lock()
	tx.store.apply(rec)
	tx.store.mu.Unlock()
	return nil
}

// release 依取得的相反順序釋放鎖
func (tx *memTx) release() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.store.releaseLock(tx.order[i])
	}
	tx.order = nil
}

var _ usecase.Store = (*Store)(nil)

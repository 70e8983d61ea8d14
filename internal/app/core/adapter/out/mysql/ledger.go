package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-balance-ledger/pkg/mysql"
)

// MySQL error numbers
const (
	errLockWaitTimeout uint16 = 1205
	errDeadlock        uint16 = 1213
	errDuplicateEntry  uint16 = 1062
)

// sqlAccount 對應資料庫的 accounts 表
type sqlAccount struct {
	ID        int64           `gorm:"primaryKey;autoIncrement:false"`
	OwnerID   int64           `gorm:"column:owner_id;not null;index"`
	Balance   decimal.Decimal `gorm:"type:decimal(19,4);not null"`
	UpdatedAt time.Time       `gorm:"type:datetime(6);autoUpdateTime:false"`
}

func (*sqlAccount) TableName() string {
	return "accounts"
}

func (a *sqlAccount) toDomain() *domain.Account {
	return &domain.Account{
		ID:        a.ID,
		OwnerID:   a.OwnerID,
		Balance:   a.Balance,
		UpdatedAt: a.UpdatedAt.UTC(),
	}
}

// sqlTransaction 對應資料庫的 transactions 表
type sqlTransaction struct {
	ID              int64           `gorm:"primaryKey;autoIncrement"`
	RefID           *string         `gorm:"column:ref_id;size:64;uniqueIndex"` // 同步 API 的紀錄為 NULL
	AccountID       int64           `gorm:"column:account_id;not null;index:idx_transactions_account_created,priority:1"`
	TargetAccountID *int64          `gorm:"column:target_account_id"`
	Amount          decimal.Decimal `gorm:"type:decimal(19,4);not null"`
	OperationKind   string          `gorm:"column:operation_kind;size:16;not null"`
	CreatedAt       time.Time       `gorm:"type:datetime(6);autoCreateTime:false;index:idx_transactions_account_created,priority:2"`
}

func (*sqlTransaction) TableName() string {
	return "transactions"
}

func newSQLTransaction(tran *domain.Transaction) *sqlTransaction {
	row := &sqlTransaction{
		AccountID:       tran.AccountID,
		TargetAccountID: tran.TargetAccountID,
		Amount:          tran.Amount,
		OperationKind:   tran.Kind.String(),
		CreatedAt:       tran.CreatedAt.UTC(),
	}
	if tran.RefID != "" {
		ref := tran.RefID
		row.RefID = &ref
	}
	return row
}

func (t *sqlTransaction) toDomain() (domain.Transaction, error) {
	kind, ok := domain.ParseOperationKind(t.OperationKind)
	if !ok {
		return domain.Transaction{}, fmt.Errorf("transaction %d: unknown operation kind %q", t.ID, t.OperationKind)
	}
	tran := domain.Transaction{
		ID:              t.ID,
		AccountID:       t.AccountID,
		TargetAccountID: t.TargetAccountID,
		Amount:          t.Amount,
		Kind:            kind,
		CreatedAt:       t.CreatedAt.UTC(),
	}
	if t.RefID != nil {
		tran.RefID = *t.RefID
	}
	return tran, nil
}

// MySQLLedger 以 MySQL (InnoDB) 實作 usecase.Store
//
// 帳戶鎖為 SELECT ... FOR UPDATE 的 row lock，等待上限由 innodb_lock_wait_timeout 控制 (見 pkg/mysql.Config)。
type MySQLLedger struct {
	client *mysql.Client
}

func NewMySQLLedger(client *mysql.Client) *MySQLLedger {
	return &MySQLLedger{
		client: client,
	}
}

// Migrate 建立 accounts 與 transactions 表
func (ledger *MySQLLedger) Migrate(ctx context.Context) error {
	if err := ledger.client.DB().WithContext(ctx).AutoMigrate(&sqlAccount{}, &sqlTransaction{}); err != nil {
		return domain.StoreError("migrate", err)
	}
	return nil
}

// EnsureAccounts 建立尚不存在的帳戶，已存在的帳戶保持原餘額
func (ledger *MySQLLedger) EnsureAccounts(ctx context.Context, accounts []domain.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	rows := make([]sqlAccount, 0, len(accounts))
	for _, acc := range accounts {
		if acc.Balance.IsNegative() {
			return fmt.Errorf("account %d: negative opening balance", acc.ID)
		}
		rows = append(rows, sqlAccount{
			ID:        acc.ID,
			OwnerID:   acc.OwnerID,
			Balance:   acc.Balance,
			UpdatedAt: time.Now().UTC(),
		})
	}
	err := ledger.client.DB().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return translate("ensure accounts", err)
	}
	return nil
}

// WithinTx implements usecase.Store.
func (ledger *MySQLLedger) WithinTx(ctx context.Context, fn func(tx usecase.Tx) error) error {
	err := ledger.client.DB().WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&gormTx{db: gtx})
	})
	return translate("transaction", err)
}

// GetAccount 取得帳戶 (不加鎖)
func (ledger *MySQLLedger) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	var row sqlAccount
	err := ledger.client.DB().WithContext(ctx).Where("id = ?", accountID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &domain.AccountNotFoundError{AccountID: accountID}
	}
	if err != nil {
		return nil, translate("get account", err)
	}
	return row.toDomain(), nil
}

// ListTransactions 回傳 [start, end] 內的帳本紀錄，依 (created_at, id) 遞增
func (ledger *MySQLLedger) ListTransactions(ctx context.Context, accountID int64, start, end time.Time) ([]domain.Transaction, error) {
	var rows []sqlTransaction
	err := ledger.client.DB().WithContext(ctx).
		Where("account_id = ? AND created_at BETWEEN ? AND ?", accountID, start.UTC(), end.UTC()).
		Order("created_at").Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, translate("list transactions", err)
	}
	out := make([]domain.Transaction, 0, len(rows))
	for i := range rows {
		tran, err := rows[i].toDomain()
		if err != nil {
			return nil, domain.StoreError("list transactions", err)
		}
		out = append(out, tran)
	}
	return out, nil
}

// Close 關閉連線池
func (ledger *MySQLLedger) Close() error {
	return ledger.client.Close()
}

// gormTx 包裝一個進行中的 gorm 交易
type gormTx struct {
	db *gorm.DB
}

// LockAccounts 以 SELECT ... FOR UPDATE 依 id 遞增鎖定帳戶，不存在的 id 不會出現在結果中
func (tx *gormTx) LockAccounts(ctx context.Context, ids []int64) (map[int64]*domain.Account, error) {
	var rows []sqlAccount
	err := tx.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, translate("lock accounts", err)
	}
	out := make(map[int64]*domain.Account, len(rows))
	for i := range rows {
		out[rows[i].ID] = rows[i].toDomain()
	}
	return out, nil
}

// UpdateBalance 只寫回 balance 與 updated_at
func (tx *gormTx) UpdateBalance(ctx context.Context, account *domain.Account) error {
	res := tx.db.WithContext(ctx).
		Model(&sqlAccount{}).
		Where("id = ?", account.ID).
		Updates(map[string]any{
			"balance":    account.Balance,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return translate("update balance", res.Error)
	}
	if res.RowsAffected != 1 {
		return domain.StoreError("update balance", fmt.Errorf("account %d: %d rows affected", account.ID, res.RowsAffected))
	}
	return nil
}

// AppendTransaction 新增帳本紀錄並回填 ID
func (tx *gormTx) AppendTransaction(ctx context.Context, tran *domain.Transaction) error {
	row := newSQLTransaction(tran)
	if err := tx.db.WithContext(ctx).Create(row).Error; err != nil {
		return translate("append transaction", err)
	}
	tran.ID = row.ID
	return nil
}

// RefApplied 檢查 ref id 是否已有帳本紀錄
func (tx *gormTx) RefApplied(ctx context.Context, refID string) (bool, error) {
	var count int64
	err := tx.db.WithContext(ctx).Model(&sqlTransaction{}).Where("ref_id = ?", refID).Count(&count).Error
	if err != nil {
		return false, translate("check ref id", err)
	}
	return count > 0, nil
}

// translate 把 driver 錯誤轉成領域錯誤
func translate(op string, err error) error {
	if err == nil || domain.Classified(err) {
		return err
	}
	var myErr *driver.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errLockWaitTimeout, errDeadlock:
			return fmt.Errorf("%w: %s: %w", domain.ErrLockContention, op, err)
		case errDuplicateEntry:
			return fmt.Errorf("%w: %s: %w", domain.ErrAlreadyApplied, op, err)
		}
	}
	// 取消時無法確定 commit 是否已送出，不可當作可重試
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", domain.ErrLockContention, op, err)
	}
	return domain.StoreError(op, err)
}

var _ usecase.Store = (*MySQLLedger)(nil)

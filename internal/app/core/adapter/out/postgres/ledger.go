package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-balance-ledger/pkg/postgres"
)

// Postgres SQLSTATE
const (
	codeLockNotAvailable pq.ErrorCode = "55P03"
	codeDeadlock         pq.ErrorCode = "40P01"
	codeUniqueViolation  pq.ErrorCode = "23505"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         BIGINT PRIMARY KEY,
	owner_id   BIGINT NOT NULL,
	balance    NUMERIC(19,4) NOT NULL CHECK (balance >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transactions (
	id                BIGSERIAL PRIMARY KEY,
	ref_id            VARCHAR(64),
	account_id        BIGINT NOT NULL REFERENCES accounts(id),
	target_account_id BIGINT REFERENCES accounts(id),
	amount            NUMERIC(19,4) NOT NULL CHECK (amount > 0),
	operation_kind    VARCHAR(16) NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_ref_id ON transactions (ref_id);
CREATE INDEX IF NOT EXISTS idx_transactions_account_created ON transactions (account_id, created_at);
`

// PostgresLedger 以 Postgres 實作 usecase.Store
//
// 每個交易開始時以 set_config('lock_timeout', ..., true) 限制 FOR UPDATE 的等待時間。
type PostgresLedger struct {
	client *postgres.Client
}

func NewPostgresLedger(client *postgres.Client) *PostgresLedger {
	return &PostgresLedger{client: client}
}

// Migrate 建立資料表與索引
func (p *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := p.client.DB().ExecContext(ctx, schema); err != nil {
		return domain.StoreError("migrate", err)
	}
	return nil
}

// EnsureAccounts 建立尚不存在的帳戶，已存在的帳戶保持原餘額
func (p *PostgresLedger) EnsureAccounts(ctx context.Context, accounts []domain.Account) error {
	const query = `INSERT INTO accounts (id, owner_id, balance, updated_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (id) DO NOTHING`

	for _, acc := range accounts {
		if acc.Balance.IsNegative() {
			return fmt.Errorf("account %d: negative opening balance", acc.ID)
		}
		if _, err := p.client.DB().ExecContext(ctx, query, acc.ID, acc.OwnerID, acc.Balance, time.Now().UTC()); err != nil {
			return translate("ensure accounts", err)
		}
	}
	return nil
}

// WithinTx implements usecase.Store.
func (p *PostgresLedger) WithinTx(ctx context.Context, fn func(tx usecase.Tx) error) (err error) {
	dbTx, err := p.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return translate("begin", err)
	}
	defer func() {
		if err != nil {
			_ = dbTx.Rollback()
		}
	}()

	timeout := fmt.Sprintf("%dms", p.client.LockTimeout().Milliseconds())
	if _, err = dbTx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return translate("set lock timeout", err)
	}

	if err = fn(&sqlTx{tx: dbTx}); err != nil {
		return translate("transaction", err)
	}
	if err = dbTx.Commit(); err != nil {
		return translate("commit", err)
	}
	return nil
}

// GetAccount 取得帳戶 (不加鎖)
func (p *PostgresLedger) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	const query = `SELECT id, owner_id, balance, updated_at FROM accounts WHERE id = $1`

	var acc domain.Account
	err := p.client.DB().QueryRowContext(ctx, query, accountID).Scan(&acc.ID, &acc.OwnerID, &acc.Balance, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.AccountNotFoundError{AccountID: accountID}
	}
	if err != nil {
		return nil, translate("get account", err)
	}
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return &acc, nil
}

// ListTransactions 回傳 [start, end] 內的帳本紀錄，依 (created_at, id) 遞增
func (p *PostgresLedger) ListTransactions(ctx context.Context, accountID int64, start, end time.Time) ([]domain.Transaction, error) {
	const query = `SELECT id, ref_id, account_id, target_account_id, amount, operation_kind, created_at
	FROM transactions
	WHERE account_id = $1 AND created_at BETWEEN $2 AND $3
	ORDER BY created_at, id`

	rows, err := p.client.DB().QueryContext(ctx, query, accountID, start.UTC(), end.UTC())
	if err != nil {
		return nil, translate("list transactions", err)
	}
	defer rows.Close()

	out := make([]domain.Transaction, 0)
	for rows.Next() {
		var (
			tran   domain.Transaction
			refID  sql.NullString
			target sql.NullInt64
			kind   string
		)
		if err := rows.Scan(&tran.ID, &refID, &tran.AccountID, &target, &tran.Amount, &kind, &tran.CreatedAt); err != nil {
			return nil, translate("list transactions", err)
		}
		k, ok := domain.ParseOperationKind(kind)
		if !ok {
			return nil, domain.StoreError("list transactions", fmt.Errorf("transaction %d: unknown operation kind %q", tran.ID, kind))
		}
		tran.Kind = k
		tran.RefID = refID.String
		if target.Valid {
			id := target.Int64
			tran.TargetAccountID = &id
		}
		tran.CreatedAt = tran.CreatedAt.UTC()
		out = append(out, tran)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list transactions", err)
	}
	return out, nil
}

// Close 關閉連線池
func (p *PostgresLedger) Close() error {
	return p.client.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

// LockAccounts 以 SELECT ... FOR UPDATE 依 id 遞增鎖定帳戶
func (t *sqlTx) LockAccounts(ctx context.Context, ids []int64) (map[int64]*domain.Account, error) {
	const query = `SELECT id, owner_id, balance, updated_at FROM accounts
	WHERE id = ANY($1)
	ORDER BY id
	FOR UPDATE`

	rows, err := t.tx.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, translate("lock accounts", err)
	}
	defer rows.Close()

	out := make(map[int64]*domain.Account, len(ids))
	for rows.Next() {
		var acc domain.Account
		if err := rows.Scan(&acc.ID, &acc.OwnerID, &acc.Balance, &acc.UpdatedAt); err != nil {
			return nil, translate("lock accounts", err)
		}
		acc.UpdatedAt = acc.UpdatedAt.UTC()
		out[acc.ID] = &acc
	}
	if err := rows.Err(); err != nil {
		return nil, translate("lock accounts", err)
	}
	return out, nil
}

func (t *sqlTx) UpdateBalance(ctx context.Context, account *domain.Account) error {
	const query = `UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3`

	res, err := t.tx.ExecContext(ctx, query, account.Balance, time.Now().UTC(), account.ID)
	if err != nil {
		return translate("update balance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate("update balance", err)
	}
	if n != 1 {
		return domain.StoreError("update balance", fmt.Errorf("account %d: %d rows affected", account.ID, n))
	}
	return nil
}

func (t *sqlTx) AppendTransaction(ctx context.Context, tran *domain.Transaction) error {
	const query = `INSERT INTO transactions (ref_id, account_id, target_account_id, amount, operation_kind, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING id`

	refID := sql.NullString{String: tran.RefID, Valid: tran.RefID != ""}
	var target sql.NullInt64
	if tran.TargetAccountID != nil {
		target = sql.NullInt64{Int64: *tran.TargetAccountID, Valid: true}
	}
	err := t.tx.QueryRowContext(ctx, query,
		refID, tran.AccountID, target, tran.Amount, tran.Kind.String(), tran.CreatedAt.UTC(),
	).Scan(&tran.ID)
	if err != nil {
		return translate("append transaction", err)
	}
	return nil
}

func (t *sqlTx) RefApplied(ctx context.Context, refID string) (bool, error) {
	const query = `SELECT 1 FROM transactions WHERE ref_id = $1 LIMIT 1`

	var exists int
	err := t.tx.QueryRowContext(ctx, query, refID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, translate("check ref id", err)
	}
	return true, nil
}

// translate 把 driver 錯誤轉成領域錯誤
func translate(op string, err error) error {
	if err == nil || domain.Classified(err) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeLockNotAvailable, codeDeadlock:
			return fmt.Errorf("%w: %s: %w", domain.ErrLockContention, op, err)
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s: %w", domain.ErrAlreadyApplied, op, err)
		}
	}
	// 取消時無法確定 commit 是否已送出，不可當作可重試
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", domain.ErrLockContention, op, err)
	}
	return domain.StoreError(op, err)
}

var _ usecase.Store = (*PostgresLedger)(nil)

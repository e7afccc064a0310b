// Package sqlite provides a SQLite-backed LedgerStore for single-node
// deployments.
//
// Transactions are opened with BEGIN IMMEDIATE, which takes the database
// write lock up front, so a balance read and the write that depends on it can
// never interleave with another writer. Timestamps are stored as unix
// nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/ineyio/creditledger"
)

// Store is a SQLite-backed LedgerStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ creditledger.LedgerStore       = (*Store)(nil)
	_ creditledger.SchemaInitializer = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithClock sets the time source for created_at and expiry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens the database at path and migrates it. Use ":memory:" for a
// throwaway database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("creditledger/sqlite: open: %w", err)
	}
	// SQLite has a single writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables and the platform account if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		parent_id TEXT REFERENCES accounts (id),
		name TEXT NOT NULL DEFAULT '',
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_parent ON accounts (parent_id);

	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts (id),
		counterparty_id TEXT,
		amount INTEGER NOT NULL,
		kind TEXT NOT NULL,
		reference_id TEXT NOT NULL DEFAULT '',
		memo TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions (account_id, seq);
	CREATE INDEX IF NOT EXISTS idx_transactions_usage ON transactions (account_id, kind, created_at);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts (id),
		amount INTEGER NOT NULL CHECK (amount > 0),
		state TEXT NOT NULL,
		reference_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		resolved_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_reservations_held ON reservations (state, expires_at);
	CREATE INDEX IF NOT EXISTS idx_reservations_account ON reservations (account_id, state, created_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creditledger/sqlite: migrate: %w", err)
	}

	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (id, kind, name, created_at, updated_at) VALUES (?, ?, 'Platform', ?, ?)`,
		creditledger.PlatformID, string(creditledger.KindPlatform), now, now,
	)
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: ensure platform: %w", err)
	}
	return nil
}

const accountColumns = `id, kind, COALESCE(parent_id, ''), name, balance, is_active, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (creditledger.Account, error) {
	var acc creditledger.Account
	var kind string
	var created, updated int64
	err := row.Scan(&acc.ID, &kind, &acc.ParentID, &acc.Name, &acc.Balance, &acc.Active, &created, &updated)
	if err != nil {
		return creditledger.Account{}, err
	}
	acc.Kind = creditledger.AccountKind(kind)
	acc.CreatedAt = fromNanos(created)
	acc.UpdatedAt = fromNanos(updated)
	return acc, nil
}

const txColumns = `seq, id, account_id, COALESCE(counterparty_id, ''), amount, kind, reference_id, memo, created_at`

func scanTransaction(row interface{ Scan(...any) error }) (creditledger.Transaction, error) {
	var tx creditledger.Transaction
	var kind string
	var created int64
	err := row.Scan(&tx.Seq, &tx.ID, &tx.AccountID, &tx.CounterpartyID, &tx.Amount, &kind, &tx.ReferenceID, &tx.Memo, &created)
	if err != nil {
		return creditledger.Transaction{}, err
	}
	tx.Kind = creditledger.TxKind(kind)
	tx.CreatedAt = fromNanos(created)
	return tx, nil
}

const reservationColumns = `id, account_id, amount, state, reference_id, created_at, expires_at, resolved_at`

func scanReservation(row interface{ Scan(...any) error }) (creditledger.Reservation, error) {
	var res creditledger.Reservation
	var state string
	var created, expires int64
	var resolved sql.NullInt64
	err := row.Scan(&res.ID, &res.AccountID, &res.Amount, &state, &res.ReferenceID, &created, &expires, &resolved)
	if err != nil {
		return creditledger.Reservation{}, err
	}
	res.State = creditledger.ReservationState(state)
	res.CreatedAt = fromNanos(created)
	res.ExpiresAt = fromNanos(expires)
	if resolved.Valid {
		t := fromNanos(resolved.Int64)
		res.ResolvedAt = &t
	}
	return res, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// translate maps driver errors onto ledger sentinels.
func translate(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return creditledger.ErrNotFound
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && sqErr.Code == sqlite3.ErrConstraint {
		switch sqErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
			return creditledger.ErrAlreadyExists
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%s: %w", op, creditledger.ErrNotFound)
		case sqlite3.ErrConstraintCheck:
			return creditledger.ErrInsufficientFunds
		}
	}
	return fmt.Errorf("creditledger/sqlite: %s: %w", op, err)
}

// inTx runs fn inside one immediate transaction and commits when fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("creditledger/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("creditledger/sqlite: commit: %w", err)
	}
	return nil
}

func (s *Store) CreateAccount(ctx context.Context, acc creditledger.Account) (creditledger.Account, error) {
	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, kind, parent_id, name, balance, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		acc.ID, string(acc.Kind), nullable(acc.ParentID), acc.Name, acc.Active, now, now,
	)
	if err != nil {
		return creditledger.Account{}, translate("create account", err)
	}
	return s.GetAccount(ctx, acc.ID)
}

func (s *Store) GetAccount(ctx context.Context, id string) (creditledger.Account, error) {
	return getAccount(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAccount(ctx context.Context, q queryRower, id string) (creditledger.Account, error) {
	acc, err := scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		return creditledger.Account{}, translate("get account", err)
	}
	return acc, nil
}

func (s *Store) GetBalance(ctx context.Context, id string) (int64, error) {
	var balance int64
	if err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, id).Scan(&balance); err != nil {
		return 0, translate("get balance", err)
	}
	return balance, nil
}

func (s *Store) ListAccounts(ctx context.Context, f creditledger.AccountFilter) ([]creditledger.Account, error) {
	var where []string
	var args []any
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Active != nil {
		where = append(where, "is_active = ?")
		args = append(args, *f.Active)
	}

	q := `SELECT ` + accountColumns + ` FROM accounts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, rowid LIMIT ? OFFSET ?"
	args = append(args, creditledger.PageLimit(f.Limit), max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, translate("list accounts", err)
	}
	defer rows.Close()

	out := []creditledger.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, translate("list accounts", err)
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list accounts", err)
	}
	return out, nil
}

func (s *Store) SetActive(ctx context.Context, id string, active bool) (creditledger.Account, error) {
	return s.updateAccount(ctx, id, `UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?`, active)
}

func (s *Store) SetParent(ctx context.Context, id, parentID string) (creditledger.Account, error) {
	return s.updateAccount(ctx, id, `UPDATE accounts SET parent_id = ?, updated_at = ? WHERE id = ?`, nullable(parentID))
}

func (s *Store) updateAccount(ctx context.Context, id, stmt string, value any) (creditledger.Account, error) {
	var acc creditledger.Account
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, stmt, value, s.now().UnixNano(), id)
		if err != nil {
			return translate("update account", err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return creditledger.ErrNotFound
		}
		acc, err = getAccount(ctx, tx, id)
		return err
	})
	return acc, err
}

func addBalance(ctx context.Context, tx *sql.Tx, id string, delta, now int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE id = ?`, delta, now, id); err != nil {
		return translate("update balance", err)
	}
	return nil
}

func insertTx(ctx context.Context, tx *sql.Tx, t creditledger.Transaction) (creditledger.Transaction, error) {
	t.ID = uuid.New().String()
	r, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (id, account_id, counterparty_id, amount, kind, reference_id, memo, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AccountID, nullable(t.CounterpartyID), t.Amount, string(t.Kind), t.ReferenceID, t.Memo, t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return creditledger.Transaction{}, translate("insert transaction", err)
	}
	if t.Seq, err = r.LastInsertId(); err != nil {
		return creditledger.Transaction{}, translate("insert transaction", err)
	}
	return t, nil
}

func (s *Store) ApplyTransaction(ctx context.Context, spec creditledger.TxSpec) ([]creditledger.Transaction, error) {
	if err := creditledger.ValidateSpec(spec); err != nil {
		return nil, err
	}

	var out []creditledger.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		acc, err := getAccount(ctx, tx, spec.AccountID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		ns := now.UnixNano()

		if !spec.IsTransfer() {
			if err := creditledger.CheckActive(spec, acc, nil); err != nil {
				return err
			}
			if err := creditledger.CheckCredit(acc.Balance, spec.Amount); err != nil {
				return err
			}
			if acc.Balance+spec.Amount < 0 {
				return creditledger.ErrInsufficientFunds
			}
			if err := addBalance(ctx, tx, acc.ID, spec.Amount, ns); err != nil {
				return err
			}
			row, err := insertTx(ctx, tx, creditledger.Transaction{
				AccountID:      acc.ID,
				CounterpartyID: creditledger.PlatformID,
				Amount:         spec.Amount,
				Kind:           spec.Kind,
				ReferenceID:    spec.ReferenceID,
				Memo:           spec.Memo,
				CreatedAt:      now,
			})
			if err != nil {
				return err
			}
			out = append(out, row)
			return nil
		}

		src, err := getAccount(ctx, tx, spec.CounterpartyID)
		if err != nil {
			return err
		}
		if err := creditledger.CheckActive(spec, acc, &src); err != nil {
			return err
		}
		if src.Balance < spec.Amount {
			return creditledger.ErrInsufficientFunds
		}
		if err := creditledger.CheckCredit(acc.Balance, spec.Amount); err != nil {
			return err
		}
		if err := addBalance(ctx, tx, src.ID, -spec.Amount, ns); err != nil {
			return err
		}
		if err := addBalance(ctx, tx, acc.ID, spec.Amount, ns); err != nil {
			return err
		}
		for _, row := range []creditledger.Transaction{
			{AccountID: src.ID, CounterpartyID: acc.ID, Amount: -spec.Amount},
			{AccountID: acc.ID, CounterpartyID: src.ID, Amount: spec.Amount},
		} {
			row.Kind = spec.Kind
			row.ReferenceID = spec.ReferenceID
			row.Memo = spec.Memo
			row.CreatedAt = now
			inserted, err := insertTx(ctx, tx, row)
			if err != nil {
				return err
			}
			out = append(out, inserted)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Reserve(ctx context.Context, spec creditledger.ReserveSpec) (creditledger.Reservation, creditledger.Transaction, error) {
	if spec.Amount <= 0 {
		return creditledger.Reservation{}, creditledger.Transaction{}, creditledger.ErrInvalidAmount
	}

	var res creditledger.Reservation
	var row creditledger.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		acc, err := getAccount(ctx, tx, spec.AccountID)
		if err != nil {
			return err
		}
		if acc.Kind == creditledger.KindPlatform {
			return creditledger.ErrNotFound
		}
		if !acc.Active {
			return creditledger.ErrAccountInactive
		}
		if spec.UsageLimit > 0 {
			used, err := countUsage(ctx, tx, acc.ID, spec.UsageSince)
			if err != nil {
				return err
			}
			if used >= spec.UsageLimit {
				return creditledger.ErrQuotaExceeded
			}
		}
		if acc.Balance < spec.Amount {
			return creditledger.ErrInsufficientCredits
		}

		ttl := spec.TTL
		if ttl <= 0 {
			ttl = creditledger.DefaultReservationTTL
		}
		now := s.now().UTC()
		res = creditledger.Reservation{
			ID:          uuid.New().String(),
			AccountID:   acc.ID,
			Amount:      spec.Amount,
			State:       creditledger.ReservationHeld,
			ReferenceID: spec.ReferenceID,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reservations (id, account_id, amount, state, reference_id, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			res.ID, res.AccountID, res.Amount, string(res.State), res.ReferenceID, now.UnixNano(), res.ExpiresAt.UnixNano(),
		); err != nil {
			return translate("insert reservation", err)
		}
		if err := addBalance(ctx, tx, acc.ID, -spec.Amount, now.UnixNano()); err != nil {
			return err
		}
		row, err = insertTx(ctx, tx, creditledger.Transaction{
			AccountID:   acc.ID,
			Amount:      -spec.Amount,
			Kind:        creditledger.TxReserve,
			ReferenceID: res.ID,
			CreatedAt:   now,
		})
		return err
	})
	if err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, err
	}
	return res, row, nil
}

func (s *Store) Resolve(ctx context.Context, reservationID string, state creditledger.ReservationState) (creditledger.Reservation, creditledger.Transaction, error) {
	var kind creditledger.TxKind
	switch state {
	case creditledger.ReservationCommitted:
		kind = creditledger.TxCommit
	case creditledger.ReservationReleased:
		kind = creditledger.TxRelease
	default:
		return creditledger.Reservation{}, creditledger.Transaction{}, fmt.Errorf("creditledger/sqlite: cannot resolve to state %q", state)
	}

	var res creditledger.Reservation
	var row creditledger.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = getReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if res.State != creditledger.ReservationHeld {
			return creditledger.ErrReservationResolved
		}

		if state == creditledger.ReservationReleased {
			acc, err := getAccount(ctx, tx, res.AccountID)
			if err != nil {
				return err
			}
			if err := creditledger.CheckCredit(acc.Balance, res.Amount); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE reservations SET state = ?, resolved_at = ? WHERE id = ?`,
			string(state), now.UnixNano(), res.ID,
		); err != nil {
			return translate("resolve", err)
		}
		res.State = state
		res.ResolvedAt = &now

		var amount int64
		if state == creditledger.ReservationReleased {
			amount = res.Amount
			if err := addBalance(ctx, tx, res.AccountID, amount, now.UnixNano()); err != nil {
				return err
			}
		}
		row, err = insertTx(ctx, tx, creditledger.Transaction{
			AccountID:   res.AccountID,
			Amount:      amount,
			Kind:        kind,
			ReferenceID: res.ID,
			CreatedAt:   now,
		})
		return err
	})
	if errors.Is(err, creditledger.ErrReservationResolved) {
		return res, creditledger.Transaction{}, err
	}
	if err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, err
	}
	return res, row, nil
}

func getReservation(ctx context.Context, q queryRower, id string) (creditledger.Reservation, error) {
	res, err := scanReservation(q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id))
	if err != nil {
		return creditledger.Reservation{}, translate("get reservation", err)
	}
	return res, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (creditledger.Reservation, error) {
	return getReservation(ctx, s.db, id)
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]creditledger.Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE state = 'held' AND expires_at <= ? ORDER BY expires_at LIMIT ?`,
		now.UnixNano(), creditledger.PageLimit(limit),
	)
	if err != nil {
		return nil, translate("list expired", err)
	}
	defer rows.Close()

	var out []creditledger.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, translate("list expired", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list expired", err)
	}
	return out, nil
}

func (s *Store) ListTransactions(ctx context.Context, q creditledger.TxQuery) ([]creditledger.Transaction, error) {
	where := []string{"account_id = ?", "seq > ?"}
	args := []any{q.AccountID, q.AfterSeq}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if len(q.Kinds) > 0 {
		marks := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	args = append(args, creditledger.PageLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE `+strings.Join(where, " AND ")+` ORDER BY seq LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, translate("list transactions", err)
	}
	defer rows.Close()

	out := []creditledger.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, translate("list transactions", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list transactions", err)
	}
	return out, nil
}

func (s *Store) CountUsage(ctx context.Context, accountID string, since time.Time) (int64, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return 0, err
	}
	return countUsage(ctx, s.db, accountID, since)
}

func countUsage(ctx context.Context, q queryRower, accountID string, since time.Time) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx,
		`SELECT
			(SELECT count(*) FROM transactions WHERE account_id = ? AND kind = 'commit' AND created_at >= ?) +
			(SELECT count(*) FROM reservations WHERE account_id = ? AND state = 'held' AND created_at >= ?)`,
		accountID, since.UnixNano(), accountID, since.UnixNano(),
	).Scan(&n)
	if err != nil {
		return 0, translate("count usage", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

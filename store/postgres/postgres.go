// Package postgres provides a PostgreSQL-backed LedgerStore.
//
// Every mutation runs in one database transaction that locks the involved
// account rows with SELECT ... FOR UPDATE in ascending id order, so concurrent
// transfers serialize per account and cannot deadlock against each other.
// This makes it safe for multi-instance deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/creditledger"
)

// Store is a PostgreSQL-backed LedgerStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var (
	_ creditledger.LedgerStore       = (*Store)(nil)
	_ creditledger.SchemaInitializer = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "creditledger_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithClock sets the time source for created_at and expiry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new PostgreSQL-backed LedgerStore. Call EnsureSchema before use.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "creditledger_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open parses dsn, connects and pings.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creditledger/postgres: ping: %w", err)
	}
	return New(pool, opts...), nil
}

func (s *Store) accountsTable() string     { return s.tablePrefix + "accounts" }
func (s *Store) transactionsTable() string { return s.tablePrefix + "transactions" }
func (s *Store) reservationsTable() string { return s.tablePrefix + "reservations" }

// EnsureSchema creates the required tables and the platform account if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			parent_id TEXT REFERENCES %[1]s (id),
			name TEXT NOT NULL DEFAULT '',
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_parent_idx ON %[1]s (parent_id);

		CREATE TABLE IF NOT EXISTS %[2]s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			account_id TEXT NOT NULL REFERENCES %[1]s (id),
			counterparty_id TEXT,
			amount BIGINT NOT NULL,
			kind TEXT NOT NULL,
			reference_id TEXT NOT NULL DEFAULT '',
			memo TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_account_idx ON %[2]s (account_id, seq);
		CREATE INDEX IF NOT EXISTS %[2]s_usage_idx ON %[2]s (account_id, kind, created_at);

		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES %[1]s (id),
			amount BIGINT NOT NULL CHECK (amount > 0),
			state TEXT NOT NULL,
			reference_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS %[3]s_held_idx ON %[3]s (expires_at) WHERE state = 'held';
		CREATE INDEX IF NOT EXISTS %[3]s_account_idx ON %[3]s (account_id, state, created_at);
	`, s.accountsTable(), s.transactionsTable(), s.reservationsTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("creditledger/postgres: ensure schema: %w", err)
	}

	now := s.now().UTC()
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, kind, name, created_at, updated_at)
			VALUES ($1, $2, 'Platform', $3, $3) ON CONFLICT (id) DO NOTHING`, s.accountsTable()),
		creditledger.PlatformID, string(creditledger.KindPlatform), now,
	)
	if err != nil {
		return fmt.Errorf("creditledger/postgres: ensure platform: %w", err)
	}
	return nil
}

const accountColumns = `id, kind, COALESCE(parent_id, ''), name, balance, is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (creditledger.Account, error) {
	var acc creditledger.Account
	var kind string
	err := row.Scan(&acc.ID, &kind, &acc.ParentID, &acc.Name, &acc.Balance, &acc.Active, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return creditledger.Account{}, err
	}
	acc.Kind = creditledger.AccountKind(kind)
	return acc, nil
}

const txColumns = `seq, id, account_id, COALESCE(counterparty_id, ''), amount, kind, reference_id, memo, created_at`

func scanTransaction(row pgx.Row) (creditledger.Transaction, error) {
	var tx creditledger.Transaction
	var kind string
	err := row.Scan(&tx.Seq, &tx.ID, &tx.AccountID, &tx.CounterpartyID, &tx.Amount, &kind, &tx.ReferenceID, &tx.Memo, &tx.CreatedAt)
	if err != nil {
		return creditledger.Transaction{}, err
	}
	tx.Kind = creditledger.TxKind(kind)
	return tx, nil
}

const reservationColumns = `id, account_id, amount, state, reference_id, created_at, expires_at, resolved_at`

func scanReservation(row pgx.Row) (creditledger.Reservation, error) {
	var res creditledger.Reservation
	var state string
	err := row.Scan(&res.ID, &res.AccountID, &res.Amount, &state, &res.ReferenceID, &res.CreatedAt, &res.ExpiresAt, &res.ResolvedAt)
	if err != nil {
		return creditledger.Reservation{}, err
	}
	res.State = creditledger.ReservationState(state)
	return res, nil
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// translate maps driver errors onto ledger sentinels.
func translate(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return creditledger.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return creditledger.ErrAlreadyExists
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", op, creditledger.ErrNotFound)
		case "23514": // check_violation
			return creditledger.ErrInsufficientFunds
		case "22003": // numeric_value_out_of_range
			return creditledger.ErrInvalidAmount
		}
	}
	return fmt.Errorf("creditledger/postgres: %s: %w", op, err)
}

func (s *Store) CreateAccount(ctx context.Context, acc creditledger.Account) (creditledger.Account, error) {
	now := s.now().UTC()
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, kind, parent_id, name, balance, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
			RETURNING %s`, s.accountsTable(), accountColumns),
		acc.ID, string(acc.Kind), nullable(acc.ParentID), acc.Name, acc.Active, now,
	)
	created, err := scanAccount(row)
	if err != nil {
		return creditledger.Account{}, translate("create account", err)
	}
	return created, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (creditledger.Account, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, accountColumns, s.accountsTable()), id)
	acc, err := scanAccount(row)
	if err != nil {
		return creditledger.Account{}, translate("get account", err)
	}
	return acc, nil
}

func (s *Store) GetBalance(ctx context.Context, id string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance FROM %s WHERE id = $1`, s.accountsTable()), id,
	).Scan(&balance)
	if err != nil {
		return 0, translate("get balance", err)
	}
	return balance, nil
}

func (s *Store) ListAccounts(ctx context.Context, f creditledger.AccountFilter) ([]creditledger.Account, error) {
	var where []string
	var args []any
	if f.ParentID != "" {
		args = append(args, f.ParentID)
		where = append(where, fmt.Sprintf("parent_id = $%d", len(args)))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.Active != nil {
		args = append(args, *f.Active)
		where = append(where, fmt.Sprintf("is_active = $%d", len(args)))
	}

	q := fmt.Sprintf(`SELECT %s FROM %s`, accountColumns, s.accountsTable())
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, creditledger.PageLimit(f.Limit), max(f.Offset, 0))
	q += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
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
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET is_active = $2, updated_at = $3 WHERE id = $1 RETURNING %s`,
			s.accountsTable(), accountColumns),
		id, active, s.now().UTC(),
	)
	acc, err := scanAccount(row)
	if err != nil {
		return creditledger.Account{}, translate("set active", err)
	}
	return acc, nil
}

func (s *Store) SetParent(ctx context.Context, id, parentID string) (creditledger.Account, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET parent_id = $2, updated_at = $3 WHERE id = $1 RETURNING %s`,
			s.accountsTable(), accountColumns),
		id, nullable(parentID), s.now().UTC(),
	)
	acc, err := scanAccount(row)
	if err != nil {
		return creditledger.Account{}, translate("set parent", err)
	}
	return acc, nil
}

// lockAccounts locks the given rows in ascending id order and returns them by id.
func (s *Store) lockAccounts(ctx context.Context, tx pgx.Tx, ids ...string) (map[string]creditledger.Account, error) {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ANY($1) ORDER BY id FOR UPDATE`, accountColumns, s.accountsTable()),
		ids,
	)
	if err != nil {
		return nil, translate("lock accounts", err)
	}
	defer rows.Close()

	out := make(map[string]creditledger.Account, len(ids))
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, translate("lock accounts", err)
		}
		out[acc.ID] = acc
	}
	if err := rows.Err(); err != nil {
		return nil, translate("lock accounts", err)
	}
	if len(out) != len(ids) {
		return nil, creditledger.ErrNotFound
	}
	return out, nil
}

func (s *Store) addBalance(ctx context.Context, tx pgx.Tx, id string, delta int64, now time.Time) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = balance + $2, updated_at = $3 WHERE id = $1`, s.accountsTable()),
		id, delta, now,
	)
	if err != nil {
		return translate("update balance", err)
	}
	return nil
}

func (s *Store) insertTx(ctx context.Context, tx pgx.Tx, t creditledger.Transaction) (creditledger.Transaction, error) {
	t.ID = uuid.New().String()
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_id, counterparty_id, amount, kind, reference_id, memo, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING seq`, s.transactionsTable()),
		t.ID, t.AccountID, nullable(t.CounterpartyID), t.Amount, string(t.Kind), t.ReferenceID, t.Memo, t.CreatedAt,
	).Scan(&t.Seq)
	if err != nil {
		return creditledger.Transaction{}, translate("insert transaction", err)
	}
	return t, nil
}

func (s *Store) ApplyTransaction(ctx context.Context, spec creditledger.TxSpec) ([]creditledger.Transaction, error) {
	if err := creditledger.ValidateSpec(spec); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("creditledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := []string{spec.AccountID}
	if spec.IsTransfer() {
		ids = append(ids, spec.CounterpartyID)
	}
	locked, err := s.lockAccounts(ctx, tx, ids...)
	if err != nil {
		return nil, err
	}
	acc := locked[spec.AccountID]
	now := s.now().UTC()

	var out []creditledger.Transaction
	if !spec.IsTransfer() {
		if err := creditledger.CheckActive(spec, acc, nil); err != nil {
			return nil, err
		}
		if err := creditledger.CheckCredit(acc.Balance, spec.Amount); err != nil {
			return nil, err
		}
		if acc.Balance+spec.Amount < 0 {
			return nil, creditledger.ErrInsufficientFunds
		}
		if err := s.addBalance(ctx, tx, acc.ID, spec.Amount, now); err != nil {
			return nil, err
		}
		row, err := s.insertTx(ctx, tx, creditledger.Transaction{
			AccountID:      acc.ID,
			CounterpartyID: creditledger.PlatformID,
			Amount:         spec.Amount,
			Kind:           spec.Kind,
			ReferenceID:    spec.ReferenceID,
			Memo:           spec.Memo,
			CreatedAt:      now,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	} else {
		src := locked[spec.CounterpartyID]
		if err := creditledger.CheckActive(spec, acc, &src); err != nil {
			return nil, err
		}
		if src.Balance < spec.Amount {
			return nil, creditledger.ErrInsufficientFunds
		}
		if err := creditledger.CheckCredit(acc.Balance, spec.Amount); err != nil {
			return nil, err
		}
		if err := s.addBalance(ctx, tx, src.ID, -spec.Amount, now); err != nil {
			return nil, err
		}
		if err := s.addBalance(ctx, tx, acc.ID, spec.Amount, now); err != nil {
			return nil, err
		}
		for _, row := range []creditledger.Transaction{
			{AccountID: src.ID, CounterpartyID: acc.ID, Amount: -spec.Amount},
			{AccountID: acc.ID, CounterpartyID: src.ID, Amount: spec.Amount},
		} {
			row.Kind = spec.Kind
			row.ReferenceID = spec.ReferenceID
			row.Memo = spec.Memo
			row.CreatedAt = now
			inserted, err := s.insertTx(ctx, tx, row)
			if err != nil {
				return nil, err
			}
			out = append(out, inserted)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("creditledger/postgres: commit: %w", err)
	}
	return out, nil
}

func (s *Store) Reserve(ctx context.Context, spec creditledger.ReserveSpec) (creditledger.Reservation, creditledger.Transaction, error) {
	if spec.Amount <= 0 {
		return creditledger.Reservation{}, creditledger.Transaction{}, creditledger.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, fmt.Errorf("creditledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := s.lockAccounts(ctx, tx, spec.AccountID)
	if err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, err
	}
	acc := locked[spec.AccountID]
	if acc.Kind == creditledger.KindPlatform {
		return creditledger.Reservation{}, creditledger.Transaction{}, creditledger.ErrNotFound
	}
	if !acc.Active {
		return creditledger.Reservation{}, creditledger.Transaction{}, creditledger.ErrAccountInactive
	}

	// The row lock serializes reservations per account, so the count is stable.
	if spec.UsageLimit > 0 {
		used, err := s.countUsage(ctx, tx, acc.ID, spec.UsageSince)
		if err != nil {
			return creditledger.Reservation{}, creditledger.Transaction{}, err
		}
		if used >= spec.UsageLimit {
			return creditledger.Reservation{}, creditledger.Transaction{}, creditledger.ErrQuotaExceeded
		}
	}
	if acc.Balance < spec.Amount {
		return creditledger.Reservation{}, creditledger.Transaction{}, creditledger.ErrInsufficientCredits
	}

	ttl := spec.TTL
	if ttl <= 0 {
		ttl = creditledger.DefaultReservationTTL
	}
	now := s.now().UTC()
	res := creditledger.Reservation{
		ID:          uuid.New().String(),
		AccountID:   acc.ID,
		Amount:      spec.Amount,
		State:       creditledger.ReservationHeld,
		ReferenceID: spec.ReferenceID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_id, amount, state, reference_id, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.reservationsTable()),
		res.ID, res.AccountID, res.Amount, string(res.State), res.ReferenceID, res.CreatedAt, res.ExpiresAt,
	)
	if err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, translate("insert reservation", err)
	}
	if err := s.addBalance(ctx, tx, acc.ID, -spec.Amount, now); err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, err
	}
	row, err := s.insertTx(ctx, tx, creditledger.Transaction{
		AccountID:   acc.ID,
		Amount:      -spec.Amount,
		Kind:        creditledger.TxReserve,
		ReferenceID: res.ID,
		CreatedAt:   now,
	})
	if err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, fmt.Errorf("creditledger/postgres: commit: %w", err)
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
		return creditledger.Reservation{}, creditledger.Transaction{}, fmt.Errorf("creditledger/postgres: cannot resolve to state %q", state)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, fmt.Errorf("creditledger/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()

	// Atomic transition: only a held reservation moves.
	res, err := scanReservation(tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET state = $2, resolved_at = $3 WHERE id = $1 AND state = 'held' RETURNING %s`,
			s.reservationsTable(), reservationColumns),
		reservationID, string(state), now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.GetReservation(ctx, reservationID)
		if getErr != nil {
			return creditledger.Reservation{}, creditledger.Transaction{}, getErr
		}
		return existing, creditledger.Transaction{}, creditledger.ErrReservationResolved
	}
	if err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, translate("resolve", err)
	}

	// The account row lock orders this resolution's seq after every other
	// write to the account.
	locked, err := s.lockAccounts(ctx, tx, res.AccountID)
	if err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, err
	}

	var amount int64
	if state == creditledger.ReservationReleased {
		amount = res.Amount
		if err := creditledger.CheckCredit(locked[res.AccountID].Balance, amount); err != nil {
			return creditledger.Reservation{}, creditledger.Transaction{}, err
		}
		if err := s.addBalance(ctx, tx, res.AccountID, amount, now); err != nil {
			return creditledger.Reservation{}, creditledger.Transaction{}, err
		}
	}
	row, err := s.insertTx(ctx, tx, creditledger.Transaction{
		AccountID:   res.AccountID,
		Amount:      amount,
		Kind:        kind,
		ReferenceID: res.ID,
		CreatedAt:   now,
	})
	if err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return creditledger.Reservation{}, creditledger.Transaction{}, fmt.Errorf("creditledger/postgres: commit: %w", err)
	}
	return res, row, nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (creditledger.Reservation, error) {
	res, err := scanReservation(s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, reservationColumns, s.reservationsTable()), id))
	if err != nil {
		return creditledger.Reservation{}, translate("get reservation", err)
	}
	return res, nil
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]creditledger.Reservation, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE state = 'held' AND expires_at <= $1 ORDER BY expires_at LIMIT $2`,
			reservationColumns, s.reservationsTable()),
		now.UTC(), creditledger.PageLimit(limit),
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
	args := []any{q.AccountID, q.AfterSeq}
	where := []string{"account_id = $1", "seq > $2"}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		args = append(args, kinds)
		where = append(where, fmt.Sprintf("kind = ANY($%d)", len(args)))
	}
	args = append(args, creditledger.PageLimit(q.Limit))

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY seq LIMIT $%d`,
			txColumns, s.transactionsTable(), strings.Join(where, " AND "), len(args)),
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
	return s.countUsage(ctx, s.pool, accountID, since)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) countUsage(ctx context.Context, q querier, accountID string, since time.Time) (int64, error) {
	var n int64
	err := q.QueryRow(ctx,
		fmt.Sprintf(`SELECT
			(SELECT count(*) FROM %s WHERE account_id = $1 AND kind = 'commit' AND created_at >= $2) +
			(SELECT count(*) FROM %s WHERE account_id = $1 AND state = 'held' AND created_at >= $2)`,
			s.transactionsTable(), s.reservationsTable()),
		accountID, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, translate("count usage", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

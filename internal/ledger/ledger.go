// Package ledger tracks per-user daily query quotas and monetary credit
// balances. The credit_accounts row is the single point of mutual
// exclusion for a user: every mutation happens in one immediate SQLite
// transaction, so concurrent turns cannot lose an increment or resolve a
// day rollover twice.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrInsufficientBalance means a debit or pre-turn reserve check would
// take the balance below zero. Quota denials are not errors: they come
// back as IncrementResult.Allowed == false with the current count.
var ErrInsufficientBalance = errors.New("insufficient credit balance")

// dayFormat keys the daily counter. Rollover is on the UTC calendar day,
// keeping the ledger independent of client locale.
const dayFormat = "2006-01-02"

// monthFormat keys the monthly message counter.
const monthFormat = "2006-01"

// IncrementResult reports the outcome of a quota check.
type IncrementResult struct {
	// Allowed is false when a non-unlimited account would exceed the
	// daily cap. The counter is not incremented for denied calls.
	Allowed      bool
	QueriesToday int
	IsNewDay     bool
	IsUnlimited  bool
	IsBeta       bool
	DailyCap     int
}

// Usage is a read-only snapshot of an account.
type Usage struct {
	BalanceCents        int64
	QueriesToday        int
	LastQueryDate       string
	MonthlyMessageCount int
	IsUnlimited         bool
	IsBeta              bool
}

// Store is the SQLite-backed credit and quota ledger.
type Store struct {
	db       *sql.DB
	dailyCap int

	// now is replaceable in tests to exercise day boundaries.
	now func() time.Time
}

// NewStore opens (or creates) the ledger database. dailyCap is the
// maximum queries_today for non-unlimited accounts; zero disables the cap.
func NewStore(dbPath string, dailyCap int) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	s := &Store{db: db, dailyCap: dailyCap, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credit_accounts (
		user_id               TEXT PRIMARY KEY,
		balance_cents         INTEGER NOT NULL DEFAULT 0,
		queries_today         INTEGER NOT NULL DEFAULT 0,
		last_query_date       TEXT NOT NULL DEFAULT '',
		monthly_message_count INTEGER NOT NULL DEFAULT 0,
		month_key             TEXT NOT NULL DEFAULT '',
		is_unlimited          INTEGER NOT NULL DEFAULT 0,
		is_beta               INTEGER NOT NULL DEFAULT 0,
		updated_at            TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CheckAndIncrement applies the daily-cap gate and increments the query
// counters for one turn. If the stored last_query_date is not today
// (UTC), queries_today is reset before the increment; the monthly counter
// rolls over the same way on month change. Unlimited accounts always pass
// but still increment for observability.
func (s *Store) CheckAndIncrement(ctx context.Context, userID string) (*IncrementResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	acct, err := s.readAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	today := now.Format(dayFormat)
	month := now.Format(monthFormat)

	isNewDay := acct.lastQueryDate != today
	queries := acct.queriesToday
	if isNewDay {
		queries = 0
	}
	monthly := acct.monthlyMessageCount
	if acct.monthKey != month {
		monthly = 0
	}

	res := &IncrementResult{
		IsNewDay:    isNewDay,
		IsUnlimited: acct.isUnlimited,
		IsBeta:      acct.isBeta,
		DailyCap:    s.dailyCap,
	}

	if !acct.isUnlimited && s.dailyCap > 0 && queries >= s.dailyCap {
		res.Allowed = false
		res.QueriesToday = queries
		return res, nil
	}

	queries++
	monthly++

	_, err = tx.ExecContext(ctx,
		`UPDATE credit_accounts
		 SET queries_today = ?, last_query_date = ?,
		     monthly_message_count = ?, month_key = ?, updated_at = ?
		 WHERE user_id = ?`,
		queries, today, monthly, month, now.Format(time.RFC3339), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("increment ledger counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	res.Allowed = true
	res.QueriesToday = queries
	return res, nil
}

// GetUsage returns an account snapshot with no side effects. A stale
// last_query_date reads as zero queries_today so callers always see the
// current day's count.
func (s *Store) GetUsage(ctx context.Context, userID string) (*Usage, error) {
	var acct account
	err := s.db.QueryRowContext(ctx,
		`SELECT balance_cents, queries_today, last_query_date,
		        monthly_message_count, month_key, is_unlimited, is_beta
		 FROM credit_accounts WHERE user_id = ?`, userID,
	).Scan(&acct.balanceCents, &acct.queriesToday, &acct.lastQueryDate,
		&acct.monthlyMessageCount, &acct.monthKey, &acct.isUnlimited, &acct.isBeta)
	if errors.Is(err, sql.ErrNoRows) {
		return &Usage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credit account: %w", err)
	}

	now := s.now().UTC()
	usage := &Usage{
		BalanceCents:        acct.balanceCents,
		QueriesToday:        acct.queriesToday,
		LastQueryDate:       acct.lastQueryDate,
		MonthlyMessageCount: acct.monthlyMessageCount,
		IsUnlimited:         acct.isUnlimited,
		IsBeta:              acct.isBeta,
	}
	if acct.lastQueryDate != now.Format(dayFormat) {
		usage.QueriesToday = 0
	}
	if acct.monthKey != now.Format(monthFormat) {
		usage.MonthlyMessageCount = 0
	}
	return usage, nil
}

// CheckBalance is the pre-turn gate: it fails with ErrInsufficientBalance
// when a non-unlimited account cannot cover the configured reserve. This
// runs before any provider call so a turn is never billed and then
// refused.
func (s *Store) CheckBalance(ctx context.Context, userID string, reserveCents int64) error {
	if reserveCents <= 0 {
		return nil
	}

	var balance int64
	var unlimited bool
	err := s.db.QueryRowContext(ctx,
		`SELECT balance_cents, is_unlimited FROM credit_accounts WHERE user_id = ?`, userID,
	).Scan(&balance, &unlimited)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("balance 0 below reserve %d: %w", reserveCents, ErrInsufficientBalance)
	}
	if err != nil {
		return fmt.Errorf("read credit account: %w", err)
	}

	if unlimited {
		return nil
	}
	if balance < reserveCents {
		return fmt.Errorf("balance %d below reserve %d: %w", balance, reserveCents, ErrInsufficientBalance)
	}
	return nil
}

// DebitCost subtracts the actual turn cost from the balance. Unlimited
// accounts are never debited. The guarded UPDATE refuses to take the
// balance negative and reports ErrInsufficientBalance instead.
func (s *Store) DebitCost(ctx context.Context, userID string, costCents int64) error {
	if costCents <= 0 {
		return nil
	}

	var unlimited bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_unlimited FROM credit_accounts WHERE user_id = ?`, userID,
	).Scan(&unlimited)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("debit %d: %w", costCents, ErrInsufficientBalance)
	}
	if err != nil {
		return fmt.Errorf("read credit account: %w", err)
	}
	if unlimited {
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE credit_accounts
		 SET balance_cents = balance_cents - ?, updated_at = ?
		 WHERE user_id = ? AND balance_cents >= ?`,
		costCents, s.now().UTC().Format(time.RFC3339), userID, costCents,
	)
	if err != nil {
		return fmt.Errorf("debit credit account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit credit account: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("debit %d: %w", costCents, ErrInsufficientBalance)
	}
	return nil
}

// Credit adds cents to the balance, creating the account row if needed.
// This is the write path the billing collaborator uses for top-ups.
func (s *Store) Credit(ctx context.Context, userID string, cents int64) error {
	if cents <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", cents)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_accounts (user_id, balance_cents, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   balance_cents = balance_cents + excluded.balance_cents,
		   updated_at = excluded.updated_at`,
		userID, cents, s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}
	return nil
}

// SetEntitlements records the unlimited/beta flags supplied by the
// entitlement collaborator.
func (s *Store) SetEntitlements(ctx context.Context, userID string, unlimited, beta bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_accounts (user_id, is_unlimited, is_beta, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   is_unlimited = excluded.is_unlimited,
		   is_beta = excluded.is_beta,
		   updated_at = excluded.updated_at`,
		userID, unlimited, beta, s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set entitlements: %w", err)
	}
	return nil
}

// account mirrors one credit_accounts row.
type account struct {
	balanceCents        int64
	queriesToday        int
	lastQueryDate       string
	monthlyMessageCount int
	monthKey            string
	isUnlimited         bool
	isBeta              bool
}

// readAccount loads the row inside tx, creating an empty account on first
// contact. Account provisioning proper (signup) is external; a missing
// row is simply a user who has never spoken to AL.
func (s *Store) readAccount(ctx context.Context, tx *sql.Tx, userID string) (*account, error) {
	var acct account
	err := tx.QueryRowContext(ctx,
		`SELECT balance_cents, queries_today, last_query_date,
		        monthly_message_count, month_key, is_unlimited, is_beta
		 FROM credit_accounts WHERE user_id = ?`, userID,
	).Scan(&acct.balanceCents, &acct.queriesToday, &acct.lastQueryDate,
		&acct.monthlyMessageCount, &acct.monthKey, &acct.isUnlimited, &acct.isBeta)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO credit_accounts (user_id, updated_at) VALUES (?, ?)`,
			userID, s.now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return nil, fmt.Errorf("create credit account: %w", err)
		}
		return &account{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credit account: %w", err)
	}
	return &acct, nil
}

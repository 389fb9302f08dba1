/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface the engine defines using SQLite.
  In production, the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  ledger.Store:     Accounts + append-only mutation log
  hold.Store:       Escrow hold records
  pool.Store:       Investment pools + investment log
  disburse.Store:   WaterLimit queue + disbursement records
  waterlevel.Store: Billing events
  api.CycleStore:   Scheduled-cycle run stamps

APPEND-ONLY ENFORCEMENT:
  The mutation log is append-only:
  - No UPDATE statements on the mutations table
  - No DELETE statements on the mutations table
  - Corrections via opposite-signed mutations only

KEY TABLES:
  accounts:        Available/held balance pairs
  mutations:       Immutable log of all balance changes
  holds:           Escrow hold lifecycle records
  pools:           Investment pool state
  investments:     Append-mostly contribution/withdrawal/return log
  water_limits:    Pending credits awaiting disbursement
  disbursements:   Payout records with retry bookkeeping
  billing_events:  Water level inputs
  cycle_runs:      (task, day) stamps for idempotent scheduling

INDEXES:
  Critical indexes for the hot paths:
  - idx_mutations_account: balance history
  - idx_mutations_idempotency: replay detection (unique)
  - idx_holds_status: the daily stagnation sweep
  - idx_water_limits_pending: FIFO batch selection
  - idx_disbursements_day: the daily payout cap

CONCURRENCY:
  ApplyMutation runs in an IMMEDIATE transaction so the read-check-write
  on the account row is serialized. A sync.RWMutex guards the connection
  the same way the rest of the store does; with PostgreSQL, row locks
  would take its place.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/escrow.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  led := ledger.New(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: the ApplyMutation contract
  - store/memory: the in-memory implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/meridian/escrow-engine/disburse"
	"github.com/meridian/escrow-engine/hold"
	"github.com/meridian/escrow-engine/ledger"
	"github.com/meridian/escrow-engine/pool"
	"github.com/meridian/escrow-engine/waterlevel"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ ledger.Store     = (*Store)(nil)
	_ hold.Store       = (*Store)(nil)
	_ pool.Store       = (*Store)(nil)
	_ disburse.Store   = (*Store)(nil)
	_ waterlevel.Store = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Accounts (available/held balance pairs)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		available TEXT NOT NULL,
		held TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Mutations (append-only balance log)
	CREATE TABLE IF NOT EXISTS mutations (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		available_delta TEXT NOT NULL,
		held_delta TEXT NOT NULL,
		reference_id TEXT,
		reason TEXT,
		idempotency_key TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_account
		ON mutations(account_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_mutations_idempotency
		ON mutations(idempotency_key);

	-- Holds
	CREATE TABLE IF NOT EXISTS holds (
		id TEXT PRIMARY KEY,
		item_ref TEXT NOT NULL,
		holder_ref TEXT NOT NULL,
		owner_ref TEXT NOT NULL,
		amount TEXT NOT NULL,
		shipping_cost TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		duration_days INTEGER NOT NULL,
		expires_at TEXT NOT NULL,
		extended_at TEXT,
		stagnation_accrued TEXT NOT NULL,
		last_accrual_date TEXT,
		grace_flagged BOOLEAN DEFAULT FALSE,
		updated_at TEXT NOT NULL
	);

	-- The daily sweep scans only active holds
	CREATE INDEX IF NOT EXISTS idx_holds_status
		ON holds(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_holds_holder
		ON holds(holder_ref);

	-- Pools
	CREATE TABLE IF NOT EXISTS pools (
		id TEXT PRIMARY KEY,
		owner_ref TEXT NOT NULL,
		type TEXT NOT NULL,
		risk TEXT NOT NULL,
		water_level REAL DEFAULT 0,
		target_water_level REAL DEFAULT 0,
		current_balance TEXT NOT NULL,
		total_invested TEXT NOT NULL,
		total_returned TEXT NOT NULL,
		herd_allocation TEXT NOT NULL,
		active BOOLEAN DEFAULT TRUE,
		suspended BOOLEAN DEFAULT FALSE,
		last_rebalance_date TEXT,
		last_valued_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pools_type
		ON pools(type);

	-- Investments (contribution / withdrawal / return log)
	CREATE TABLE IF NOT EXISTS investments (
		id TEXT PRIMARY KEY,
		pool_ref TEXT NOT NULL,
		user_ref TEXT NOT NULL,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Ranking aggregation walks a pool's investments chronologically
	CREATE INDEX IF NOT EXISTS idx_investments_pool
		ON investments(pool_ref, created_at);
	CREATE INDEX IF NOT EXISTS idx_investments_user
		ON investments(user_ref);

	-- Water limits (pending credits)
	CREATE TABLE IF NOT EXISTS water_limits (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		category TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		method TEXT,
		reference_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- FIFO batch selection (hot path)
	CREATE INDEX IF NOT EXISTS idx_water_limits_pending
		ON water_limits(status, effective_date, id);

	-- Disbursements
	CREATE TABLE IF NOT EXISTS disbursements (
		id TEXT PRIMARY KEY,
		water_limit_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		status TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		processed_at TEXT,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		exhausted BOOLEAN DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_disbursements_status
		ON disbursements(status, scheduled_at);
	-- Daily cap accounting
	CREATE INDEX IF NOT EXISTS idx_disbursements_day
		ON disbursements(status, processed_at);

	-- Billing events (water level inputs)
	CREATE TABLE IF NOT EXISTS billing_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		amount REAL NOT NULL,
		observed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_billing_events_observed
		ON billing_events(observed_at);

	-- Cycle runs ((task, day) stamps for idempotent scheduling)
	CREATE TABLE IF NOT EXISTS cycle_runs (
		task TEXT NOT NULL,
		run_key TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		PRIMARY KEY (task, run_key)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

// CreateAccount persists a new account.
func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO accounts (id, available, held, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		acct.ID,
		acct.Available.Value.String(),
		acct.Held.Value.String(),
		acct.CreatedAt.UTC().Format(time.RFC3339),
		acct.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("account %s already exists", acct.ID)
	}
	return err
}

// GetAccount returns the account or ErrAccountNotFound.
func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getAccount(ctx, s.db, id)
}

func (s *Store) getAccount(ctx context.Context, db querier, id ledger.AccountID) (ledger.Account, error) {
	var acct ledger.Account
	var available, held, createdAt, updatedAt string

	err := db.QueryRowContext(ctx,
		"SELECT id, available, held, created_at, updated_at FROM accounts WHERE id = ?",
		id,
	).Scan(&acct.ID, &available, &held, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}

	acct.Available = parseAmount(available)
	acct.Held = parseAmount(held)
	acct.CreatedAt = parseTime(createdAt)
	acct.UpdatedAt = parseTime(updatedAt)
	return acct, nil
}

// ListAccounts returns all accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, available, held, created_at, updated_at FROM accounts ORDER BY id",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var acct ledger.Account
		var available, held, createdAt, updatedAt string
		if err := rows.Scan(&acct.ID, &available, &held, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		acct.Available = parseAmount(available)
		acct.Held = parseAmount(held)
		acct.CreatedAt = parseTime(createdAt)
		acct.UpdatedAt = parseTime(updatedAt)
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// ApplyMutation atomically applies the mutation's deltas and appends it to
// the log. Runs in an IMMEDIATE transaction so the read-check-write on the
// account row is serialized against concurrent writers.
func (s *Store) ApplyMutation(ctx context.Context, m ledger.Mutation) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Replay detection before touching the balance.
	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mutations WHERE idempotency_key = ?", m.IdempotencyKey,
	).Scan(&count); err != nil {
		return ledger.Account{}, err
	}
	if count > 0 {
		return ledger.Account{}, ledger.ErrDuplicateIdempotencyKey
	}

	acct, err := s.getAccount(ctx, tx, m.AccountID)
	if err != nil {
		return ledger.Account{}, err
	}

	newAvailable := acct.Available.Add(m.AvailableDelta)
	newHeld := acct.Held.Add(m.HeldDelta)
	if newAvailable.IsNegative() {
		return ledger.Account{}, &ledger.InsufficientFundsError{
			AccountID: m.AccountID,
			Requested: m.AvailableDelta.Abs(),
			Available: acct.Available,
		}
	}
	if newHeld.IsNegative() {
		return ledger.Account{}, &ledger.InsufficientFundsError{
			AccountID: m.AccountID,
			Requested: m.HeldDelta.Abs(),
			Available: acct.Held,
		}
	}

	now := m.CreatedAt.UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx,
		"UPDATE accounts SET available = ?, held = ?, updated_at = ? WHERE id = ? AND updated_at = ?",
		newAvailable.Value.String(), newHeld.Value.String(), now,
		acct.ID, acct.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return ledger.Account{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.Account{}, ledger.ErrConcurrentModification
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mutations
		(id, account_id, type, amount, available_delta, held_delta,
		 reference_id, reason, idempotency_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AccountID, m.Type,
		m.Amount.Value.String(),
		m.AvailableDelta.Value.String(),
		m.HeldDelta.Value.String(),
		m.ReferenceID, m.Reason, m.IdempotencyKey, m.CreatedBy, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Account{}, ledger.ErrDuplicateIdempotencyKey
		}
		return ledger.Account{}, fmt.Errorf("failed to append mutation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}

	acct.Available = newAvailable
	acct.Held = newHeld
	acct.UpdatedAt = m.CreatedAt
	return acct, nil
}

// MutationExists checks whether an idempotency key has been recorded.
func (s *Store) MutationExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mutations WHERE idempotency_key = ?", idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

// Mutations returns an account's mutations, chronologically.
func (s *Store) Mutations(ctx context.Context, id ledger.AccountID) ([]ledger.Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, account_id, type, amount, available_delta, held_delta,
		       reference_id, reason, idempotency_key, created_by, created_at
		FROM mutations
		WHERE account_id = ?
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var muts []ledger.Mutation
	for rows.Next() {
		var m ledger.Mutation
		var amount, availDelta, heldDelta, createdAt string
		var reference, reason, createdBy sql.NullString
		if err := rows.Scan(&m.ID, &m.AccountID, &m.Type, &amount, &availDelta, &heldDelta,
			&reference, &reason, &m.IdempotencyKey, &createdBy, &createdAt); err != nil {
			return nil, err
		}
		m.Amount = parseAmount(amount)
		m.AvailableDelta = parseAmount(availDelta)
		m.HeldDelta = parseAmount(heldDelta)
		m.ReferenceID = reference.String
		m.Reason = reason.String
		m.CreatedBy = createdBy.String
		m.CreatedAt = parseTime(createdAt)
		muts = append(muts, m)
	}
	return muts, rows.Err()
}

// =============================================================================
// HOLD STORE (hold.Store interface)
// =============================================================================

// CreateHold persists a new hold.
func (s *Store) CreateHold(ctx context.Context, h hold.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO holds
		(id, item_ref, holder_ref, owner_ref, amount, shipping_cost, status,
		 created_at, duration_days, expires_at, extended_at,
		 stagnation_accrued, last_accrual_date, grace_flagged, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		h.ID, h.ItemRef, h.HolderRef, h.OwnerRef,
		h.Amount.Value.String(), h.ShippingCost.Value.String(), h.Status,
		h.CreatedAt.UTC().Format(time.RFC3339), h.DurationDays,
		h.ExpiresAt.UTC().Format(time.RFC3339),
		nullTime(h.ExtendedAt),
		h.StagnationAccrued.Value.String(),
		nullZeroTime(h.LastAccrualDate),
		h.GraceFlagged,
		h.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetHold retrieves a hold by ID.
func (s *Store) GetHold(ctx context.Context, id hold.ID) (hold.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := holdSelect + " WHERE id = ?"
	hs, err := s.queryHolds(ctx, query, id)
	if err != nil {
		return hold.Hold{}, err
	}
	if len(hs) == 0 {
		return hold.Hold{}, ledger.ErrNotFound
	}
	return hs[0], nil
}

// UpdateHold writes a hold back, guarded by the UpdatedAt the caller read.
func (s *Store) UpdateHold(ctx context.Context, h hold.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE holds SET
			status = ?, duration_days = ?, expires_at = ?, extended_at = ?,
			stagnation_accrued = ?, last_accrual_date = ?, grace_flagged = ?,
			updated_at = ?
		WHERE id = ? AND updated_at = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		h.Status, h.DurationDays,
		h.ExpiresAt.UTC().Format(time.RFC3339),
		nullTime(h.ExtendedAt),
		h.StagnationAccrued.Value.String(),
		nullZeroTime(h.LastAccrualDate),
		h.GraceFlagged,
		time.Now().UTC().Format(time.RFC3339),
		h.ID, h.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrConcurrentModification
	}
	return nil
}

// ActiveHolds returns all holds in the active state, oldest first.
func (s *Store) ActiveHolds(ctx context.Context) ([]hold.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := holdSelect + " WHERE status = ? ORDER BY created_at ASC"
	return s.queryHolds(ctx, query, hold.StatusActive)
}

const holdSelect = `
	SELECT id, item_ref, holder_ref, owner_ref, amount, shipping_cost, status,
	       created_at, duration_days, expires_at, extended_at,
	       stagnation_accrued, last_accrual_date, grace_flagged, updated_at
	FROM holds`

func (s *Store) queryHolds(ctx context.Context, query string, args ...any) ([]hold.Hold, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holds []hold.Hold
	for rows.Next() {
		var h hold.Hold
		var amount, shipping, accrued, createdAt, expiresAt, updatedAt string
		var extendedAt, lastAccrual sql.NullString
		if err := rows.Scan(&h.ID, &h.ItemRef, &h.HolderRef, &h.OwnerRef,
			&amount, &shipping, &h.Status, &createdAt, &h.DurationDays,
			&expiresAt, &extendedAt, &accrued, &lastAccrual, &h.GraceFlagged,
			&updatedAt); err != nil {
			return nil, err
		}
		h.Amount = parseAmount(amount)
		h.ShippingCost = parseAmount(shipping)
		h.StagnationAccrued = parseAmount(accrued)
		h.CreatedAt = parseTime(createdAt)
		h.ExpiresAt = parseTime(expiresAt)
		h.UpdatedAt = parseTime(updatedAt)
		if extendedAt.Valid {
			t := parseTime(extendedAt.String)
			h.ExtendedAt = &t
		}
		if lastAccrual.Valid {
			h.LastAccrualDate = parseTime(lastAccrual.String)
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// =============================================================================
// POOL STORE (pool.Store interface)
// =============================================================================

// CreatePool persists a new pool.
func (s *Store) CreatePool(ctx context.Context, p pool.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO pools
		(id, owner_ref, type, risk, water_level, target_water_level,
		 current_balance, total_invested, total_returned, herd_allocation,
		 active, suspended, last_rebalance_date, last_valued_at,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.OwnerRef, p.Type, p.Risk, p.WaterLevel, p.TargetWaterLevel,
		p.CurrentBalance.Value.String(),
		p.TotalInvested.Value.String(),
		p.TotalReturned.Value.String(),
		p.HerdAllocation.Value.String(),
		p.Active, p.Suspended,
		nullZeroTime(p.LastRebalanceDate),
		nullZeroTime(p.LastValuedAt),
		p.CreatedAt.UTC().Format(time.RFC3339),
		p.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetPool retrieves a pool by ID.
func (s *Store) GetPool(ctx context.Context, id pool.PoolID) (pool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, err := s.queryPools(ctx, poolSelect+" WHERE id = ?", id)
	if err != nil {
		return pool.Pool{}, err
	}
	if len(ps) == 0 {
		return pool.Pool{}, ledger.ErrNotFound
	}
	return ps[0], nil
}

// UpdatePool writes a pool's state back.
func (s *Store) UpdatePool(ctx context.Context, p pool.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE pools SET
			water_level = ?, target_water_level = ?,
			current_balance = ?, total_invested = ?, total_returned = ?,
			herd_allocation = ?, active = ?, suspended = ?,
			last_rebalance_date = ?, last_valued_at = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, query,
		p.WaterLevel, p.TargetWaterLevel,
		p.CurrentBalance.Value.String(),
		p.TotalInvested.Value.String(),
		p.TotalReturned.Value.String(),
		p.HerdAllocation.Value.String(),
		p.Active, p.Suspended,
		nullZeroTime(p.LastRebalanceDate),
		nullZeroTime(p.LastValuedAt),
		p.UpdatedAt.UTC().Format(time.RFC3339),
		p.ID,
	)
	return err
}

// ListPools returns pools, optionally filtered by type.
func (s *Store) ListPools(ctx context.Context, typ pool.Type) ([]pool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if typ == "" {
		return s.queryPools(ctx, poolSelect+" ORDER BY created_at ASC")
	}
	return s.queryPools(ctx, poolSelect+" WHERE type = ? ORDER BY created_at ASC", typ)
}

const poolSelect = `
	SELECT id, owner_ref, type, risk, water_level, target_water_level,
	       current_balance, total_invested, total_returned, herd_allocation,
	       active, suspended, last_rebalance_date, last_valued_at,
	       created_at, updated_at
	FROM pools`

func (s *Store) queryPools(ctx context.Context, query string, args ...any) ([]pool.Pool, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []pool.Pool
	for rows.Next() {
		var p pool.Pool
		var balance, invested, returned, herd, createdAt, updatedAt string
		var lastRebalance, lastValued sql.NullString
		if err := rows.Scan(&p.ID, &p.OwnerRef, &p.Type, &p.Risk,
			&p.WaterLevel, &p.TargetWaterLevel,
			&balance, &invested, &returned, &herd,
			&p.Active, &p.Suspended, &lastRebalance, &lastValued,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.CurrentBalance = parseAmount(balance)
		p.TotalInvested = parseAmount(invested)
		p.TotalReturned = parseAmount(returned)
		p.HerdAllocation = parseAmount(herd)
		if lastRebalance.Valid {
			p.LastRebalanceDate = parseTime(lastRebalance.String)
		}
		if lastValued.Valid {
			p.LastValuedAt = parseTime(lastValued.String)
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// CreateInvestment appends an investment record.
func (s *Store) CreateInvestment(ctx context.Context, inv pool.PoolInvestment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO investments
		(id, pool_ref, user_ref, amount, type, status, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		inv.ID, inv.PoolRef, inv.UserRef,
		inv.Amount.Value.String(), inv.Type, inv.Status, inv.Source,
		inv.CreatedAt.UTC().Format(time.RFC3339),
		inv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// UpdateInvestment writes an investment's status back.
func (s *Store) UpdateInvestment(ctx context.Context, inv pool.PoolInvestment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE investments SET status = ?, updated_at = ? WHERE id = ?",
		inv.Status, inv.UpdatedAt.UTC().Format(time.RFC3339), inv.ID,
	)
	return err
}

// InvestmentsForPool returns a pool's investment records, chronologically.
func (s *Store) InvestmentsForPool(ctx context.Context, id pool.PoolID) ([]pool.PoolInvestment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, pool_ref, user_ref, amount, type, status, source, created_at, updated_at
		FROM investments
		WHERE pool_ref = ?
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invs []pool.PoolInvestment
	for rows.Next() {
		var inv pool.PoolInvestment
		var amount, createdAt, updatedAt string
		if err := rows.Scan(&inv.ID, &inv.PoolRef, &inv.UserRef, &amount,
			&inv.Type, &inv.Status, &inv.Source, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		inv.Amount = parseAmount(amount)
		inv.CreatedAt = parseTime(createdAt)
		inv.UpdatedAt = parseTime(updatedAt)
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}

// =============================================================================
// DISBURSEMENT STORE (disburse.Store interface)
// =============================================================================

// CreateWaterLimit persists a pending credit.
func (s *Store) CreateWaterLimit(ctx context.Context, wl disburse.WaterLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO water_limits
		(id, account_id, category, amount, status, effective_date, method,
		 reference_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		wl.ID, wl.AccountID, wl.Category,
		wl.Amount.Value.String(), wl.Status,
		wl.EffectiveDate.UTC().Format(time.RFC3339),
		string(wl.Method), wl.ReferenceID,
		wl.CreatedAt.UTC().Format(time.RFC3339),
		wl.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetWaterLimit retrieves a water limit by ID.
func (s *Store) GetWaterLimit(ctx context.Context, id disburse.WaterLimitID) (disburse.WaterLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wls, err := s.queryWaterLimits(ctx, waterLimitSelect+" WHERE id = ?", id)
	if err != nil {
		return disburse.WaterLimit{}, err
	}
	if len(wls) == 0 {
		return disburse.WaterLimit{}, ledger.ErrNotFound
	}
	return wls[0], nil
}

// UpdateWaterLimit writes a water limit's status back.
func (s *Store) UpdateWaterLimit(ctx context.Context, wl disburse.WaterLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE water_limits SET status = ?, updated_at = ? WHERE id = ?",
		wl.Status, wl.UpdatedAt.UTC().Format(time.RFC3339), wl.ID,
	)
	return err
}

// PendingWaterLimits returns pending records past the cutoff, FIFO.
func (s *Store) PendingWaterLimits(ctx context.Context, cutoff time.Time) ([]disburse.WaterLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := waterLimitSelect + `
		WHERE status = ? AND effective_date <= ?
		ORDER BY effective_date ASC, id ASC
	`
	return s.queryWaterLimits(ctx, query,
		disburse.LimitPending, cutoff.UTC().Format(time.RFC3339))
}

// SumPendingWaterLimits returns the total pending amount.
func (s *Store) SumPendingWaterLimits(ctx context.Context) (ledger.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT amount FROM water_limits WHERE status = ?", disburse.LimitPending)
	if err != nil {
		return ledger.Zero(), err
	}
	defer rows.Close()

	sum := ledger.Zero()
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return ledger.Zero(), err
		}
		sum = sum.Add(parseAmount(amount))
	}
	return sum, rows.Err()
}

const waterLimitSelect = `
	SELECT id, account_id, category, amount, status, effective_date, method,
	       reference_id, created_at, updated_at
	FROM water_limits`

func (s *Store) queryWaterLimits(ctx context.Context, query string, args ...any) ([]disburse.WaterLimit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wls []disburse.WaterLimit
	for rows.Next() {
		var wl disburse.WaterLimit
		var amount, effectiveDate, createdAt, updatedAt string
		var method, reference sql.NullString
		if err := rows.Scan(&wl.ID, &wl.AccountID, &wl.Category, &amount,
			&wl.Status, &effectiveDate, &method, &reference,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		wl.Amount = parseAmount(amount)
		wl.EffectiveDate = parseTime(effectiveDate)
		wl.Method = disburse.Method(method.String)
		wl.ReferenceID = reference.String
		wl.CreatedAt = parseTime(createdAt)
		wl.UpdatedAt = parseTime(updatedAt)
		wls = append(wls, wl)
	}
	return wls, rows.Err()
}

// CreateDisbursement persists a payout record.
func (s *Store) CreateDisbursement(ctx context.Context, d disburse.Disbursement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO disbursements
		(id, water_limit_id, recipient_id, amount, method, status,
		 scheduled_at, processed_at, attempts, last_error, exhausted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.WaterLimit, d.RecipientID,
		d.Amount.Value.String(), d.Method, d.Status,
		d.ScheduledAt.UTC().Format(time.RFC3339),
		nullTime(d.ProcessedAt),
		d.Attempts, d.LastError, d.Exhausted,
	)
	return err
}

// GetDisbursement retrieves a disbursement by ID.
func (s *Store) GetDisbursement(ctx context.Context, id disburse.DisbursementID) (disburse.Disbursement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, err := s.queryDisbursements(ctx, disbursementSelect+" WHERE id = ?", id)
	if err != nil {
		return disburse.Disbursement{}, err
	}
	if len(ds) == 0 {
		return disburse.Disbursement{}, ledger.ErrNotFound
	}
	return ds[0], nil
}

// UpdateDisbursement writes a disbursement's state back.
func (s *Store) UpdateDisbursement(ctx context.Context, d disburse.Disbursement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE disbursements SET
			status = ?, processed_at = ?, attempts = ?, last_error = ?, exhausted = ?
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, query,
		d.Status, nullTime(d.ProcessedAt), d.Attempts, d.LastError, d.Exhausted, d.ID,
	)
	return err
}

// ListDisbursements returns disbursements, optionally filtered by status.
func (s *Store) ListDisbursements(ctx context.Context, status disburse.DisbursementStatus) ([]disburse.Disbursement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if status == "" {
		return s.queryDisbursements(ctx, disbursementSelect+" ORDER BY scheduled_at ASC")
	}
	return s.queryDisbursements(ctx,
		disbursementSelect+" WHERE status = ? ORDER BY scheduled_at ASC", status)
}

// FailedDisbursements returns non-exhausted failures, FIFO.
func (s *Store) FailedDisbursements(ctx context.Context) ([]disburse.Disbursement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := disbursementSelect + `
		WHERE status = ? AND exhausted = FALSE
		ORDER BY scheduled_at ASC, id ASC
	`
	return s.queryDisbursements(ctx, query, disburse.DisbFailed)
}

// CompletedTotalForDay returns the amount paid out on a calendar day.
func (s *Store) CompletedTotalForDay(ctx context.Context, day time.Time) (ledger.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dayStr := day.UTC().Format("2006-01-02")
	rows, err := s.db.QueryContext(ctx, `
		SELECT amount FROM disbursements
		WHERE status IN (?, ?) AND DATE(processed_at) = ?`,
		disburse.DisbCompleted, disburse.DisbProcessing, dayStr)
	if err != nil {
		return ledger.Zero(), err
	}
	defer rows.Close()

	sum := ledger.Zero()
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return ledger.Zero(), err
		}
		sum = sum.Add(parseAmount(amount))
	}
	return sum, rows.Err()
}

const disbursementSelect = `
	SELECT id, water_limit_id, recipient_id, amount, method, status,
	       scheduled_at, processed_at, attempts, last_error, exhausted
	FROM disbursements`

func (s *Store) queryDisbursements(ctx context.Context, query string, args ...any) ([]disburse.Disbursement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ds []disburse.Disbursement
	for rows.Next() {
		var d disburse.Disbursement
		var amount, scheduledAt string
		var processedAt, lastError sql.NullString
		if err := rows.Scan(&d.ID, &d.WaterLimit, &d.RecipientID, &amount,
			&d.Method, &d.Status, &scheduledAt, &processedAt,
			&d.Attempts, &lastError, &d.Exhausted); err != nil {
			return nil, err
		}
		d.Amount = parseAmount(amount)
		d.ScheduledAt = parseTime(scheduledAt)
		if processedAt.Valid {
			t := parseTime(processedAt.String)
			d.ProcessedAt = &t
		}
		d.LastError = lastError.String
		ds = append(ds, d)
	}
	return ds, rows.Err()
}

// =============================================================================
// WATER LEVEL STORE (waterlevel.Store interface)
// =============================================================================

// RecordEvent appends a billing event.
func (s *Store) RecordEvent(ctx context.Context, e waterlevel.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO billing_events (category, amount, observed_at) VALUES (?, ?, ?)",
		e.Category, e.Amount, e.ObservedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// EventsSince returns events observed at or after the cutoff.
func (s *Store) EventsSince(ctx context.Context, cutoff time.Time) ([]waterlevel.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, amount, observed_at FROM billing_events
		WHERE observed_at >= ?
		ORDER BY observed_at ASC`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []waterlevel.Event
	for rows.Next() {
		var e waterlevel.Event
		var observedAt string
		if err := rows.Scan(&e.Category, &e.Amount, &observedAt); err != nil {
			return nil, err
		}
		e.ObservedAt = parseTime(observedAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// =============================================================================
// CYCLE RUNS (idempotent scheduling stamps)
// =============================================================================

// CycleRunDone reports whether a (task, key) pair has been stamped.
func (s *Store) CycleRunDone(ctx context.Context, task, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM cycle_runs WHERE task = ? AND run_key = ?",
		task, key,
	).Scan(&count)
	return count > 0, err
}

// MarkCycleRun stamps a (task, key) pair as completed.
func (s *Store) MarkCycleRun(ctx context.Context, task, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_runs (task, run_key, completed_at) VALUES (?, ?, ?)
		ON CONFLICT(task, run_key) DO NOTHING`,
		task, key, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"mutations", "accounts", "holds", "investments", "pools",
		"disbursements", "water_limits", "billing_events", "cycle_runs",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Helper functions

func parseAmount(s string) ledger.Amount {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ledger.Zero()
	}
	return ledger.NewAmountFromDecimal(d)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func nullZeroTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

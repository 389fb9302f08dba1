/*
store.go - Persistence interface for accounts and the mutation log

PURPOSE:
  Defines the contract between the Ledger and the database. The mutation
  log is append-only; account rows are updated only through ApplyMutation,
  which couples the balance change and the log entry in one atomic write.

APPEND-ONLY CONTRACT:
  Mutations are never updated or deleted. Corrections are made by applying
  an opposite-signed mutation, so the log always explains the balance.

IDEMPOTENCY:
  ApplyMutation rejects a mutation whose idempotency key already exists
  with ErrDuplicateIdempotencyKey. The Ledger turns that rejection into a
  no-op replay, which is what scheduled cycles rely on.

CONCURRENCY:
  ApplyMutation must serialize writers per account. Implementations use
  either a transaction with a conditional balance update (sqlite) or a
  per-account lock (memory). A detected conflict surfaces as
  ErrConcurrentModification.

IMPLEMENTATIONS:
  - store/sqlite: production store, shared with the domain records
  - store/memory: in-memory store for tests and development

SEE ALSO:
  - ledger.go: the only caller of ApplyMutation
*/
package ledger

import "context"

// =============================================================================
// STORE - Accounts + append-only mutation log
// =============================================================================

type Store interface {
	// CreateAccount persists a new account. Fails if the id exists.
	CreateAccount(ctx context.Context, acct Account) error

	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// ListAccounts returns all accounts. Used by conservation audits.
	ListAccounts(ctx context.Context) ([]Account, error)

	// ApplyMutation atomically applies the mutation's deltas to the account
	// and appends the mutation to the log. Fails without effect if:
	//   - the idempotency key exists (ErrDuplicateIdempotencyKey)
	//   - a balance would go negative (ErrInsufficientFunds)
	//   - a concurrent writer won (ErrConcurrentModification)
	ApplyMutation(ctx context.Context, m Mutation) (Account, error)

	// MutationExists checks whether an idempotency key has been recorded.
	MutationExists(ctx context.Context, idempotencyKey string) (bool, error)

	// Mutations returns an account's mutations, chronologically.
	Mutations(ctx context.Context, id AccountID) ([]Mutation, error)
}

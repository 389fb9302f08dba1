// Package memory provides in-memory store implementations (for testing/dev).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meridian/escrow-engine/disburse"
	"github.com/meridian/escrow-engine/hold"
	"github.com/meridian/escrow-engine/ledger"
	"github.com/meridian/escrow-engine/pool"
	"github.com/meridian/escrow-engine/waterlevel"
)

// =============================================================================
// MEMORY STORE - One store backing every persistence contract
// =============================================================================

// Store keeps all records in maps under a single RWMutex. The lock gives
// ApplyMutation the same read-check-write serialization the sqlite store
// gets from its IMMEDIATE transaction.
type Store struct {
	mu sync.RWMutex

	accounts    map[ledger.AccountID]ledger.Account
	mutations   map[ledger.AccountID][]ledger.Mutation
	idempotency map[string]bool

	holds       map[hold.ID]hold.Hold
	pools       map[pool.PoolID]pool.Pool
	investments map[pool.PoolID][]pool.PoolInvestment

	waterLimits   map[disburse.WaterLimitID]disburse.WaterLimit
	disbursements map[disburse.DisbursementID]disburse.Disbursement

	events    []waterlevel.Event
	cycleRuns map[cycleKey]bool
}

type cycleKey struct {
	Task string
	Key  string
}

// Compile-time interface checks.
var (
	_ ledger.Store     = (*Store)(nil)
	_ hold.Store       = (*Store)(nil)
	_ pool.Store       = (*Store)(nil)
	_ disburse.Store   = (*Store)(nil)
	_ waterlevel.Store = (*Store)(nil)
)

func New() *Store {
	return &Store{
		accounts:      make(map[ledger.AccountID]ledger.Account),
		mutations:     make(map[ledger.AccountID][]ledger.Mutation),
		idempotency:   make(map[string]bool),
		holds:         make(map[hold.ID]hold.Hold),
		pools:         make(map[pool.PoolID]pool.Pool),
		investments:   make(map[pool.PoolID][]pool.PoolInvestment),
		waterLimits:   make(map[disburse.WaterLimitID]disburse.WaterLimit),
		disbursements: make(map[disburse.DisbursementID]disburse.Disbursement),
		cycleRuns:     make(map[cycleKey]bool),
	}
}

// =============================================================================
// LEDGER - Accounts + append-only mutation log
// =============================================================================

func (s *Store) CreateAccount(_ context.Context, acct ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return fmt.Errorf("account %s already exists", acct.ID)
	}
	s.accounts[acct.ID] = acct
	return nil
}

func (s *Store) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]ledger.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		accounts = append(accounts, acct)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

// ApplyMutation applies the deltas and appends the mutation under one lock
// hold, so the pair is atomic.
func (s *Store) ApplyMutation(_ context.Context, m ledger.Mutation) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.IdempotencyKey != "" && s.idempotency[m.IdempotencyKey] {
		return ledger.Account{}, ledger.ErrDuplicateIdempotencyKey
	}

	acct, ok := s.accounts[m.AccountID]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
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

	acct.Available = newAvailable
	acct.Held = newHeld
	acct.UpdatedAt = m.CreatedAt
	s.accounts[m.AccountID] = acct

	s.appendMutationLocked(m)
	return acct, nil
}

// appendMutationLocked inserts sorted by CreatedAt so Mutations stays
// chronological even under a test clock that jumps backwards.
func (s *Store) appendMutationLocked(m ledger.Mutation) {
	muts := s.mutations[m.AccountID]
	i := sort.Search(len(muts), func(i int) bool {
		return muts[i].CreatedAt.After(m.CreatedAt)
	})
	muts = append(muts, ledger.Mutation{})
	copy(muts[i+1:], muts[i:])
	muts[i] = m
	s.mutations[m.AccountID] = muts

	if m.IdempotencyKey != "" {
		s.idempotency[m.IdempotencyKey] = true
	}
}

func (s *Store) MutationExists(_ context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idempotency[idempotencyKey], nil
}

func (s *Store) Mutations(_ context.Context, id ledger.AccountID) ([]ledger.Mutation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ledger.Mutation, len(s.mutations[id]))
	copy(result, s.mutations[id])
	return result, nil
}

// =============================================================================
// HOLDS
// =============================================================================

func (s *Store) CreateHold(_ context.Context, h hold.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.holds[h.ID]; ok {
		return fmt.Errorf("hold %s already exists", h.ID)
	}
	s.holds[h.ID] = h
	return nil
}

func (s *Store) GetHold(_ context.Context, id hold.ID) (hold.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holds[id]
	if !ok {
		return hold.Hold{}, ledger.ErrNotFound
	}
	return h, nil
}

// UpdateHold rejects the write when the stored UpdatedAt no longer matches
// the one the caller read, then stamps a fresh one.
func (s *Store) UpdateHold(_ context.Context, h hold.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.holds[h.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	if !stored.UpdatedAt.Equal(h.UpdatedAt) {
		return ledger.ErrConcurrentModification
	}
	h.UpdatedAt = time.Now().UTC()
	s.holds[h.ID] = h
	return nil
}

func (s *Store) ActiveHolds(_ context.Context) ([]hold.Hold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var holds []hold.Hold
	for _, h := range s.holds {
		if h.Status == hold.StatusActive {
			holds = append(holds, h)
		}
	}
	sort.Slice(holds, func(i, j int) bool { return holds[i].CreatedAt.Before(holds[j].CreatedAt) })
	return holds, nil
}

// =============================================================================
// POOLS
// =============================================================================

func (s *Store) CreatePool(_ context.Context, p pool.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[p.ID]; ok {
		return fmt.Errorf("pool %s already exists", p.ID)
	}
	s.pools[p.ID] = p
	return nil
}

func (s *Store) GetPool(_ context.Context, id pool.PoolID) (pool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return pool.Pool{}, ledger.ErrNotFound
	}
	return p, nil
}

func (s *Store) UpdatePool(_ context.Context, p pool.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[p.ID]; !ok {
		return ledger.ErrNotFound
	}
	s.pools[p.ID] = p
	return nil
}

func (s *Store) ListPools(_ context.Context, typ pool.Type) ([]pool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pools []pool.Pool
	for _, p := range s.pools {
		if typ == "" || p.Type == typ {
			pools = append(pools, p)
		}
	}
	sort.Slice(pools, func(i, j int) bool {
		if pools[i].CreatedAt.Equal(pools[j].CreatedAt) {
			return pools[i].ID < pools[j].ID
		}
		return pools[i].CreatedAt.Before(pools[j].CreatedAt)
	})
	return pools, nil
}

func (s *Store) CreateInvestment(_ context.Context, inv pool.PoolInvestment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.investments[inv.PoolRef] = append(s.investments[inv.PoolRef], inv)
	return nil
}

func (s *Store) UpdateInvestment(_ context.Context, inv pool.PoolInvestment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invs := s.investments[inv.PoolRef]
	for i := range invs {
		if invs[i].ID == inv.ID {
			invs[i] = inv
			return nil
		}
	}
	return ledger.ErrNotFound
}

func (s *Store) InvestmentsForPool(_ context.Context, id pool.PoolID) ([]pool.PoolInvestment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]pool.PoolInvestment, len(s.investments[id]))
	copy(result, s.investments[id])
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// =============================================================================
// WATER LIMITS + DISBURSEMENTS
// =============================================================================

func (s *Store) CreateWaterLimit(_ context.Context, wl disburse.WaterLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.waterLimits[wl.ID]; ok {
		return fmt.Errorf("water limit %s already exists", wl.ID)
	}
	s.waterLimits[wl.ID] = wl
	return nil
}

func (s *Store) GetWaterLimit(_ context.Context, id disburse.WaterLimitID) (disburse.WaterLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wl, ok := s.waterLimits[id]
	if !ok {
		return disburse.WaterLimit{}, ledger.ErrNotFound
	}
	return wl, nil
}

func (s *Store) UpdateWaterLimit(_ context.Context, wl disburse.WaterLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.waterLimits[wl.ID]; !ok {
		return ledger.ErrNotFound
	}
	s.waterLimits[wl.ID] = wl
	return nil
}

func (s *Store) PendingWaterLimits(_ context.Context, cutoff time.Time) ([]disburse.WaterLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []disburse.WaterLimit
	for _, wl := range s.waterLimits {
		if wl.Status == disburse.LimitPending && !wl.EffectiveDate.After(cutoff) {
			pending = append(pending, wl)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].EffectiveDate.Equal(pending[j].EffectiveDate) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].EffectiveDate.Before(pending[j].EffectiveDate)
	})
	return pending, nil
}

func (s *Store) SumPendingWaterLimits(_ context.Context) (ledger.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := ledger.Zero()
	for _, wl := range s.waterLimits {
		if wl.Status == disburse.LimitPending {
			total = total.Add(wl.Amount)
		}
	}
	return total, nil
}

func (s *Store) CreateDisbursement(_ context.Context, d disburse.Disbursement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.disbursements[d.ID]; ok {
		return fmt.Errorf("disbursement %s already exists", d.ID)
	}
	s.disbursements[d.ID] = d
	return nil
}

func (s *Store) GetDisbursement(_ context.Context, id disburse.DisbursementID) (disburse.Disbursement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.disbursements[id]
	if !ok {
		return disburse.Disbursement{}, ledger.ErrNotFound
	}
	return d, nil
}

func (s *Store) UpdateDisbursement(_ context.Context, d disburse.Disbursement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.disbursements[d.ID]; !ok {
		return ledger.ErrNotFound
	}
	s.disbursements[d.ID] = d
	return nil
}

func (s *Store) ListDisbursements(_ context.Context, status disburse.DisbursementStatus) ([]disburse.Disbursement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []disburse.Disbursement
	for _, d := range s.disbursements {
		if status == "" || d.Status == status {
			result = append(result, d)
		}
	}
	sortDisbursements(result)
	return result, nil
}

func (s *Store) FailedDisbursements(_ context.Context) ([]disburse.Disbursement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []disburse.Disbursement
	for _, d := range s.disbursements {
		if d.Status == disburse.DisbFailed && !d.Exhausted {
			result = append(result, d)
		}
	}
	sortDisbursements(result)
	return result, nil
}

func (s *Store) CompletedTotalForDay(_ context.Context, day time.Time) (ledger.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := ledger.Zero()
	for _, d := range s.disbursements {
		if d.Status != disburse.DisbCompleted && d.Status != disburse.DisbProcessing {
			continue
		}
		if d.ProcessedAt == nil || !sameDay(*d.ProcessedAt, day) {
			continue
		}
		total = total.Add(d.Amount)
	}
	return total, nil
}

func sortDisbursements(ds []disburse.Disbursement) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].ScheduledAt.Equal(ds[j].ScheduledAt) {
			return ds[i].ID < ds[j].ID
		}
		return ds[i].ScheduledAt.Before(ds[j].ScheduledAt)
	})
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// =============================================================================
// BILLING EVENTS + CYCLE RUNS
// =============================================================================

func (s *Store) RecordEvent(_ context.Context, e waterlevel.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, e)
	return nil
}

func (s *Store) EventsSince(_ context.Context, cutoff time.Time) ([]waterlevel.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []waterlevel.Event
	for _, e := range s.events {
		if !e.ObservedAt.Before(cutoff) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *Store) CycleRunDone(_ context.Context, task, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cycleRuns[cycleKey{Task: task, Key: key}], nil
}

func (s *Store) MarkCycleRun(_ context.Context, task, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycleRuns[cycleKey{Task: task, Key: key}] = true
	return nil
}

// =============================================================================
// RESET
// =============================================================================

// Reset drops every record. Demo scenarios and tests only.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[ledger.AccountID]ledger.Account)
	s.mutations = make(map[ledger.AccountID][]ledger.Mutation)
	s.idempotency = make(map[string]bool)
	s.holds = make(map[hold.ID]hold.Hold)
	s.pools = make(map[pool.PoolID]pool.Pool)
	s.investments = make(map[pool.PoolID][]pool.PoolInvestment)
	s.waterLimits = make(map[disburse.WaterLimitID]disburse.WaterLimit)
	s.disbursements = make(map[disburse.DisbursementID]disburse.Disbursement)
	s.events = nil
	s.cycleRuns = make(map[cycleKey]bool)
	return nil
}

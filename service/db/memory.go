package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of the settlement ledger store.
// It mirrors the Postgres store's uniqueness and atomic increment semantics
// and is used by tests and local runs without a database.
type MemoryStore struct {
	mu           sync.RWMutex
	farms        map[string]*Farm
	farmOrder    []string
	users        map[string]*User
	investments  map[string]*Investment // keyed by transaction hash
	transactions map[string]*Transaction
	errs         map[string]error
	now          func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		farms:        make(map[string]*Farm),
		users:        make(map[string]*User),
		investments:  make(map[string]*Investment),
		transactions: make(map[string]*Transaction),
		errs:         make(map[string]error),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetError makes the named method (e.g. "CreateTransaction") return err until cleared with nil.
func (m *MemoryStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, method)
		return
	}
	m.errs[method] = err
}

func (m *MemoryStore) injected(method string) error {
	return m.errs[method]
}

// UpsertFarm creates or updates a farm.
func (m *MemoryStore) UpsertFarm(ctx context.Context, params UpsertFarmParams) (*Farm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("UpsertFarm"); err != nil {
		return nil, err
	}

	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid farm id %q: %w", id, err)
	}
	status := params.Status
	if status == "" {
		status = FarmStatusActive
	}

	now := m.now()
	farm, ok := m.farms[id]
	if !ok {
		farm = &Farm{ID: id, CreatedAt: now}
		m.farms[id] = farm
		m.farmOrder = append(m.farmOrder, id)
	}
	farm.Name = params.Name
	farm.Status = status
	farm.TokenID = copyString(params.TokenID)
	farm.PaymentAddress = copyString(params.PaymentAddress)
	farm.TokenPrice = params.TokenPrice
	farm.InvestmentGoal = params.InvestmentGoal
	farm.UpdatedAt = now

	return copyFarm(farm), nil
}

// GetFarm retrieves a farm by ID.
func (m *MemoryStore) GetFarm(ctx context.Context, id string) (*Farm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("GetFarm"); err != nil {
		return nil, err
	}

	farm, ok := m.farms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFarm(farm), nil
}

// ListFarms returns all farms in creation order.
func (m *MemoryStore) ListFarms(ctx context.Context) ([]*Farm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("ListFarms"); err != nil {
		return nil, err
	}
	return m.orderedFarms(func(*Farm) bool { return true }), nil
}

// ListEligibleFarms returns active farms with an on-chain identity in creation order.
func (m *MemoryStore) ListEligibleFarms(ctx context.Context) ([]*Farm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("ListEligibleFarms"); err != nil {
		return nil, err
	}
	return m.orderedFarms((*Farm).Eligible), nil
}

func (m *MemoryStore) orderedFarms(keep func(*Farm) bool) []*Farm {
	farms := make([]*Farm, 0, len(m.farmOrder))
	for _, id := range m.farmOrder {
		if f := m.farms[id]; keep(f) {
			farms = append(farms, copyFarm(f))
		}
	}
	sort.SliceStable(farms, func(i, j int) bool {
		return farms[i].CreatedAt.Before(farms[j].CreatedAt)
	})
	return farms
}

// IncrementFarmInvestment atomically adds amount and one investor to the farm.
func (m *MemoryStore) IncrementFarmInvestment(ctx context.Context, farmID string, amount int64) (*Farm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("IncrementFarmInvestment"); err != nil {
		return nil, err
	}
	if amount < 0 {
		return nil, fmt.Errorf("farm investment increment must not be negative: %d", amount)
	}

	farm, ok := m.farms[farmID]
	if !ok {
		return nil, ErrNotFound
	}
	farm.CurrentInvestment += amount
	farm.InvestorsCount++
	farm.UpdatedAt = m.now()
	return copyFarm(farm), nil
}

// IncrementInvestorStats upserts the user and bumps their counters.
func (m *MemoryStore) IncrementInvestorStats(ctx context.Context, params IncrementInvestorStatsParams) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("IncrementInvestorStats"); err != nil {
		return nil, err
	}

	now := m.now()
	user, ok := m.users[params.UserID]
	if !ok {
		user = &User{ID: params.UserID, WalletAddress: params.WalletAddress, CreatedAt: now}
		m.users[params.UserID] = user
	}
	user.TotalInvested += params.Amount
	user.ActiveInvestments++
	user.UpdatedAt = now

	u := *user
	return &u, nil
}

// GetUser retrieves a user by ID.
func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("GetUser"); err != nil {
		return nil, err
	}

	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u := *user
	return &u, nil
}

// CreateInvestment inserts an investment, enforcing hash uniqueness.
func (m *MemoryStore) CreateInvestment(ctx context.Context, params CreateInvestmentParams) (*Investment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CreateInvestment"); err != nil {
		return nil, err
	}

	if _, exists := m.investments[params.TransactionHash]; exists {
		return nil, ErrDuplicateKey
	}

	now := m.now()
	inv := &Investment{
		ID:              uuid.NewString(),
		InvestorID:      params.InvestorID,
		InvestorWallet:  params.InvestorWallet,
		FarmID:          copyString(params.FarmID),
		Mode:            params.Mode,
		Amount:          params.Amount,
		TokenQuantity:   params.TokenQuantity,
		TransactionHash: params.TransactionHash,
		BlockNumber:     params.BlockNumber,
		Status:          InvestmentStatusActive,
		Distributions:   json.RawMessage("[]"),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if params.Percentage != nil {
		p := *params.Percentage
		inv.Percentage = &p
	}
	m.investments[params.TransactionHash] = inv

	return copyInvestment(inv), nil
}

// GetInvestmentByHash retrieves an investment by transaction hash.
func (m *MemoryStore) GetInvestmentByHash(ctx context.Context, hash string) (*Investment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("GetInvestmentByHash"); err != nil {
		return nil, err
	}

	inv, ok := m.investments[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInvestment(inv), nil
}

// ListInvestmentsByInvestor returns an investor's investments, newest first.
func (m *MemoryStore) ListInvestmentsByInvestor(ctx context.Context, params ListInvestmentsParams) ([]*Investment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("ListInvestmentsByInvestor"); err != nil {
		return nil, err
	}

	var matched []*Investment
	for _, inv := range m.investments {
		if inv.InvestorID == params.InvestorID {
			matched = append(matched, copyInvestment(inv))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	start := int(params.Offset)
	if start > len(matched) {
		return nil, nil
	}
	end := len(matched)
	if params.Limit > 0 && start+int(params.Limit) < end {
		end = start + int(params.Limit)
	}
	return matched[start:end], nil
}

// CreateTransaction inserts a ledger transaction, enforcing hash uniqueness.
func (m *MemoryStore) CreateTransaction(ctx context.Context, params CreateTransactionParams) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("CreateTransaction"); err != nil {
		return nil, err
	}

	if _, exists := m.transactions[params.TransactionHash]; exists {
		return nil, ErrDuplicateKey
	}

	metadata := append(json.RawMessage(nil), params.Metadata...)
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	txn := &Transaction{
		ID:              uuid.NewString(),
		FromID:          params.FromID,
		FromWallet:      params.FromWallet,
		ToID:            copyString(params.ToID),
		ToWallet:        params.ToWallet,
		Amount:          params.Amount,
		Type:            params.Type,
		TransactionHash: params.TransactionHash,
		Status:          params.Status,
		BlockNumber:     params.BlockNumber,
		Metadata:        metadata,
		CreatedAt:       m.now(),
	}
	if params.BlockTime != nil {
		bt := *params.BlockTime
		txn.BlockTime = &bt
	}
	m.transactions[params.TransactionHash] = txn

	t := *txn
	return &t, nil
}

// GetTransactionByHash retrieves a ledger transaction by hash.
func (m *MemoryStore) GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.injected("GetTransactionByHash"); err != nil {
		return nil, err
	}

	txn, ok := m.transactions[hash]
	if !ok {
		return nil, ErrNotFound
	}
	t := *txn
	return &t, nil
}

// InvestmentCount returns the number of stored investments.
func (m *MemoryStore) InvestmentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.investments)
}

// TransactionCount returns the number of stored transactions.
func (m *MemoryStore) TransactionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transactions)
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyFarm(f *Farm) *Farm {
	c := *f
	c.TokenID = copyString(f.TokenID)
	c.PaymentAddress = copyString(f.PaymentAddress)
	return &c
}

func copyInvestment(inv *Investment) *Investment {
	c := *inv
	c.FarmID = copyString(inv.FarmID)
	if inv.Percentage != nil {
		p := *inv.Percentage
		c.Percentage = &p
	}
	c.Distributions = append(json.RawMessage(nil), inv.Distributions...)
	return &c
}

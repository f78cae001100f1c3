package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Transactions are serialised and rolled back on error.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func (store *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if fn == nil {
		return nil
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.state.clone()
	if err := fn(ctx, memoryTx{state: store.state}); err != nil {
		store.state = snapshot
		return err
	}
	return nil
}

func (store *MemoryStore) CreateAccount(ctx context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.createAccount(account)
}

func (store *MemoryStore) GetAccount(ctx context.Context, customerID CustomerID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.getAccount(customerID)
}

func (store *MemoryStore) UpdateAccount(ctx context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.updateAccount(account)
}

func (store *MemoryStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.insertTransaction(transaction)
}

func (store *MemoryStore) ListTransactions(ctx context.Context, customerID CustomerID, since time.Time, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.listTransactions(customerID, since, limit), nil
}

func (store *MemoryStore) ListCustomerIDs(ctx context.Context) ([]CustomerID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.listCustomerIDs(), nil
}

// memoryTx runs against the locked state of its parent MemoryStore.
type memoryTx struct {
	state *memoryState
}

func (transaction memoryTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, transaction)
}

func (transaction memoryTx) CreateAccount(_ context.Context, account Account) error {
	return transaction.state.createAccount(account)
}

func (transaction memoryTx) GetAccount(_ context.Context, customerID CustomerID) (Account, error) {
	return transaction.state.getAccount(customerID)
}

func (transaction memoryTx) UpdateAccount(_ context.Context, account Account) error {
	return transaction.state.updateAccount(account)
}

func (transaction memoryTx) InsertTransaction(_ context.Context, row Transaction) error {
	return transaction.state.insertTransaction(row)
}

func (transaction memoryTx) ListTransactions(_ context.Context, customerID CustomerID, since time.Time, limit int) ([]Transaction, error) {
	return transaction.state.listTransactions(customerID, since, limit), nil
}

func (transaction memoryTx) ListCustomerIDs(_ context.Context) ([]CustomerID, error) {
	return transaction.state.listCustomerIDs(), nil
}

type memoryState struct {
	accounts     map[string]Account
	transactions map[string][]Transaction
}

func newMemoryState() *memoryState {
	return &memoryState{
		accounts:     make(map[string]Account),
		transactions: make(map[string][]Transaction),
	}
}

func (state *memoryState) clone() *memoryState {
	cloned := newMemoryState()
	for key, account := range state.accounts {
		cloned.accounts[key] = account
	}
	for key, rows := range state.transactions {
		cloned.transactions[key] = append([]Transaction(nil), rows...)
	}
	return cloned
}

func (state *memoryState) createAccount(account Account) error {
	key := account.CustomerID.String()
	if _, exists := state.accounts[key]; exists {
		return ErrAccountExists
	}
	state.accounts[key] = account
	return nil
}

func (state *memoryState) getAccount(customerID CustomerID) (Account, error) {
	account, ok := state.accounts[customerID.String()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (state *memoryState) updateAccount(account Account) error {
	key := account.CustomerID.String()
	if _, ok := state.accounts[key]; !ok {
		return ErrUnknownAccount
	}
	state.accounts[key] = account
	return nil
}

func (state *memoryState) insertTransaction(transaction Transaction) error {
	key := transaction.CustomerID.String()
	if _, ok := state.accounts[key]; !ok {
		return ErrUnknownAccount
	}
	for _, existing := range state.transactions[key] {
		if existing.Sequence == transaction.Sequence || existing.TransactionID == transaction.TransactionID {
			return ErrDuplicateTransaction
		}
	}
	state.transactions[key] = append(state.transactions[key], transaction)
	return nil
}

func (state *memoryState) listTransactions(customerID CustomerID, since time.Time, limit int) []Transaction {
	var rows []Transaction
	for _, transaction := range state.transactions[customerID.String()] {
		if !transaction.CreatedAt.Before(since) {
			rows = append(rows, transaction)
		}
	}
	sort.Slice(rows, func(left, right int) bool { return rows[left].Sequence < rows[right].Sequence })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func (state *memoryState) listCustomerIDs() []CustomerID {
	identifiers := make([]CustomerID, 0, len(state.accounts))
	for _, account := range state.accounts {
		identifiers = append(identifiers, account.CustomerID)
	}
	sort.Slice(identifiers, func(left, right int) bool { return identifiers[left].String() < identifiers[right].String() })
	return identifiers
}

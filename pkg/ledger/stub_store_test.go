package ledger

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const (
	customerIDValue = "customer-1"
	chargeRefValue  = "ch_initial"
)

var testNow = time.Date(2024, time.April, 8, 9, 30, 0, 0, time.UTC)

type stubStore struct {
	accounts     map[string]Account
	transactions map[string][]Transaction

	createAccountError error
	getAccountError    error
	updateAccountError error
	insertError        error
	listError          error
}

func newStubStore() *stubStore {
	return &stubStore{
		accounts:     make(map[string]Account),
		transactions: make(map[string][]Transaction),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if fn == nil {
		return nil
	}
	accountsSnapshot := make(map[string]Account, len(store.accounts))
	for key, value := range store.accounts {
		accountsSnapshot[key] = value
	}
	transactionsSnapshot := make(map[string][]Transaction, len(store.transactions))
	for key, value := range store.transactions {
		transactionsSnapshot[key] = append([]Transaction(nil), value...)
	}
	if err := fn(ctx, store); err != nil {
		store.accounts = accountsSnapshot
		store.transactions = transactionsSnapshot
		return err
	}
	return nil
}

func (store *stubStore) CreateAccount(_ context.Context, account Account) error {
	if store.createAccountError != nil {
		return store.createAccountError
	}
	if _, exists := store.accounts[account.CustomerID.String()]; exists {
		return ErrAccountExists
	}
	store.accounts[account.CustomerID.String()] = account
	return nil
}

func (store *stubStore) GetAccount(_ context.Context, customerID CustomerID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.accounts[customerID.String()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *stubStore) UpdateAccount(_ context.Context, account Account) error {
	if store.updateAccountError != nil {
		return store.updateAccountError
	}
	if _, ok := store.accounts[account.CustomerID.String()]; !ok {
		return ErrUnknownAccount
	}
	store.accounts[account.CustomerID.String()] = account
	return nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	if store.insertError != nil {
		return store.insertError
	}
	key := transaction.CustomerID.String()
	for _, existing := range store.transactions[key] {
		if existing.Sequence == transaction.Sequence {
			return ErrDuplicateTransaction
		}
	}
	store.transactions[key] = append(store.transactions[key], transaction)
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, customerID CustomerID, since time.Time, limit int) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	var result []Transaction
	for _, transaction := range store.transactions[customerID.String()] {
		if !transaction.CreatedAt.Before(since) {
			result = append(result, transaction)
		}
	}
	sort.Slice(result, func(left, right int) bool { return result[left].Sequence < result[right].Sequence })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (store *stubStore) ListCustomerIDs(_ context.Context) ([]CustomerID, error) {
	identifiers := make([]CustomerID, 0, len(store.accounts))
	for _, account := range store.accounts {
		identifiers = append(identifiers, account.CustomerID)
	}
	sort.Slice(identifiers, func(left, right int) bool { return identifiers[left].String() < identifiers[right].String() })
	return identifiers, nil
}

type mutableClock struct {
	current time.Time
}

func (clock *mutableClock) Now() time.Time {
	return clock.current
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() time.Time { return testNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustCustomerID(test *testing.T, raw string) CustomerID {
	test.Helper()
	value, err := NewCustomerID(raw)
	if err != nil {
		test.Fatalf("customer id: %v", err)
	}
	return value
}

func mustOpenAccount(test *testing.T, service *Service, customerID CustomerID, initial string) Account {
	test.Helper()
	account, err := service.OpenAccount(context.Background(), customerID, decimal.RequireFromString(initial), chargeRefValue)
	if err != nil {
		test.Fatalf("open account: %v", err)
	}
	return account
}

func amount(raw string) decimal.Decimal {
	return decimal.RequireFromString(raw)
}

func assertDecimal(test *testing.T, label string, want string, got decimal.Decimal) {
	test.Helper()
	if !got.Equal(amount(want)) {
		test.Fatalf("%s: expected %s, got %s", label, want, got.String())
	}
}

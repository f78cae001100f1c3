package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	customerIDValue = "customer-42"
	campaignIDValue = "cmp-1"
)

var errCardDeclined = errors.New("card declined")

type fixtureClock struct {
	mu      sync.Mutex
	current time.Time
}

func (clock *fixtureClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.current
}

func (clock *fixtureClock) AdvanceDays(days int) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.current = clock.current.AddDate(0, 0, days)
}

type stubCharger struct {
	mu       sync.Mutex
	err      error
	requests []ChargeRequest
}

func (charger *stubCharger) Charge(_ context.Context, request ChargeRequest) (ChargeReceipt, error) {
	charger.mu.Lock()
	defer charger.mu.Unlock()
	charger.requests = append(charger.requests, request)
	if charger.err != nil {
		return ChargeReceipt{}, charger.err
	}
	return ChargeReceipt{Reference: "ch_" + request.IdempotencyKey}, nil
}

func (charger *stubCharger) calls() int {
	charger.mu.Lock()
	defer charger.mu.Unlock()
	return len(charger.requests)
}

type stubSpend struct {
	mu      sync.Mutex
	amount  decimal.Decimal
	err     error
	periods []DateRange
}

func (reporter *stubSpend) ActualSpend(_ context.Context, _ ledger.CustomerID, period DateRange) (decimal.Decimal, error) {
	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	reporter.periods = append(reporter.periods, period)
	if reporter.err != nil {
		return decimal.Zero, reporter.err
	}
	return reporter.amount, nil
}

type multiplierCall struct {
	campaignID string
	multiplier decimal.Decimal
}

type stubCampaigns struct {
	mu          sync.Mutex
	campaigns   []Campaign
	pauseCalls  int
	resumeCalls int
	multipliers []multiplierCall
	pauseErr    error
}

func (controller *stubCampaigns) ListCampaigns(context.Context, ledger.CustomerID) ([]Campaign, error) {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	return append([]Campaign(nil), controller.campaigns...), nil
}

func (controller *stubCampaigns) PauseCampaigns(context.Context, ledger.CustomerID, string) error {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	controller.pauseCalls++
	return controller.pauseErr
}

func (controller *stubCampaigns) ResumeCampaigns(context.Context, ledger.CustomerID) error {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	controller.resumeCalls++
	return nil
}

func (controller *stubCampaigns) ApplyBudgetMultiplier(_ context.Context, _ ledger.CustomerID, campaignID string, multiplier decimal.Decimal) error {
	controller.mu.Lock()
	defer controller.mu.Unlock()
	controller.multipliers = append(controller.multipliers, multiplierCall{campaignID: campaignID, multiplier: multiplier})
	return nil
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	err           error
}

func (notifier *recordingNotifier) Notify(_ context.Context, notification Notification) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.notifications = append(notifier.notifications, notification)
	return notifier.err
}

func (notifier *recordingNotifier) kinds() []NotificationKind {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	kinds := make([]NotificationKind, 0, len(notifier.notifications))
	for _, notification := range notifier.notifications {
		kinds = append(kinds, notification.Kind)
	}
	return kinds
}

type billingFixture struct {
	clock      *fixtureClock
	ledger     *ledger.Service
	charger    *stubCharger
	spend      *stubSpend
	campaigns  *stubCampaigns
	notifier   *recordingNotifier
	runs       *MemoryRunStore
	locker     *MemoryLocker
	processor  *Processor
	customerID ledger.CustomerID
}

func newBillingFixture(test *testing.T, initialCredit string, options ...ProcessorOption) *billingFixture {
	test.Helper()
	clock := &fixtureClock{current: time.Date(2024, time.May, 1, 6, 0, 0, 0, time.UTC)}
	ledgerService, err := ledger.NewService(ledger.NewMemoryStore(), clock.Now)
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	customerID, err := ledger.NewCustomerID(customerIDValue)
	if err != nil {
		test.Fatalf("customer id: %v", err)
	}
	if _, err := ledgerService.OpenAccount(context.Background(), customerID, decimal.RequireFromString(initialCredit), "ch_open"); err != nil {
		test.Fatalf("open account: %v", err)
	}
	fixture := &billingFixture{
		clock:      clock,
		ledger:     ledgerService,
		charger:    &stubCharger{},
		spend:      &stubSpend{amount: decimal.Zero},
		campaigns:  &stubCampaigns{campaigns: []Campaign{{ID: campaignIDValue, Name: "Spring sale", Platform: "google", Active: true}}},
		notifier:   &recordingNotifier{},
		runs:       NewMemoryRunStore(),
		locker:     NewMemoryLocker(clock.Now),
		customerID: customerID,
	}
	allOptions := append([]ProcessorOption{WithClock(clock.Now)}, options...)
	processor, err := NewProcessor(ledgerService, Dependencies{
		Charger:   fixture.charger,
		Spend:     fixture.spend,
		Campaigns: fixture.campaigns,
		Notifier:  fixture.notifier,
		Locker:    fixture.locker,
		Runs:      fixture.runs,
	}, allOptions...)
	if err != nil {
		test.Fatalf("new processor: %v", err)
	}
	fixture.processor = processor
	return fixture
}

func (fixture *billingFixture) run(test *testing.T) Result {
	test.Helper()
	result, err := fixture.processor.ProcessDailyBilling(context.Background(), fixture.customerID, fixture.clock.Now())
	if err != nil {
		test.Fatalf("process daily billing: %v", err)
	}
	return result
}

func (fixture *billingFixture) account(test *testing.T) ledger.Account {
	test.Helper()
	account, err := fixture.ledger.Account(context.Background(), fixture.customerID)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	return account
}

func (fixture *billingFixture) setSpend(raw string) {
	fixture.spend.mu.Lock()
	defer fixture.spend.mu.Unlock()
	fixture.spend.amount = decimal.RequireFromString(raw)
}

func assertAmount(test *testing.T, label string, want string, got decimal.Decimal) {
	test.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		test.Fatalf("%s: expected %s, got %s", label, want, got.String())
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type staticLister struct {
	customerIDs []ledger.CustomerID
	err         error
}

func (lister staticLister) ListCustomerIDs(context.Context) ([]ledger.CustomerID, error) {
	return lister.customerIDs, lister.err
}

type recordingProcessor struct {
	mu          sync.Mutex
	active      int
	maxActive   int
	dates       []time.Time
	failFor     map[string]error
	hold        time.Duration
	outcomeFor  billing.Outcome
	processedBy map[string]int
}

func (processor *recordingProcessor) ProcessDailyBilling(_ context.Context, customerID ledger.CustomerID, billingDate time.Time) (billing.Result, error) {
	processor.mu.Lock()
	processor.active++
	if processor.active > processor.maxActive {
		processor.maxActive = processor.active
	}
	processor.dates = append(processor.dates, billingDate)
	processor.processedBy[customerID.String()]++
	processor.mu.Unlock()

	time.Sleep(processor.hold)

	processor.mu.Lock()
	defer processor.mu.Unlock()
	processor.active--
	if err := processor.failFor[customerID.String()]; err != nil {
		return billing.Result{}, err
	}
	return billing.Result{CustomerID: customerID, Outcome: processor.outcomeFor}, nil
}

func customerIDs(test *testing.T, count int) []ledger.CustomerID {
	test.Helper()
	ids := make([]ledger.CustomerID, 0, count)
	for index := 0; index < count; index++ {
		customerID, err := ledger.NewCustomerID(fmt.Sprintf("customer-%02d", index))
		if err != nil {
			test.Fatalf("customer id: %v", err)
		}
		ids = append(ids, customerID)
	}
	return ids
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{
		failFor:     make(map[string]error),
		hold:        5 * time.Millisecond,
		outcomeFor:  billing.OutcomeDeducted,
		processedBy: make(map[string]int),
	}
}

func TestRunOnceBillsEveryCustomerWithinWorkerLimit(test *testing.T) {
	test.Parallel()
	processor := newRecordingProcessor()
	processor.failFor["customer-03"] = errors.New("spend report unavailable")
	processor.failFor["customer-05"] = fmt.Errorf("wrapped: %w", billing.ErrBillingInProgress)
	core, logs := observer.New(zap.ErrorLevel)

	scheduler, err := New(processor, staticLister{customerIDs: customerIDs(test, 12)}, Config{Workers: 3}, WithLogger(zap.New(core)))
	if err != nil {
		test.Fatalf("new scheduler: %v", err)
	}
	summary, err := scheduler.RunOnce(context.Background(), time.Date(2024, time.May, 1, 1, 0, 5, 0, time.UTC))
	if err != nil {
		test.Fatalf("run once: %v", err)
	}
	if summary.Customers != 12 || summary.Failures != 1 || summary.Busy != 1 || summary.Outcomes[billing.OutcomeDeducted] != 10 {
		test.Fatalf("unexpected summary %+v", summary)
	}
	if processor.maxActive > 3 {
		test.Fatalf("expected at most 3 concurrent runs, got %d", processor.maxActive)
	}
	for customer, count := range processor.processedBy {
		if count != 1 {
			test.Fatalf("%s processed %d times", customer, count)
		}
	}
	wantDate := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	for _, date := range processor.dates {
		if !date.Equal(wantDate) {
			test.Fatalf("expected billing date %s, got %s", wantDate, date)
		}
	}
	if logs.FilterMessage("customer billing failed").Len() != 1 {
		test.Fatalf("expected one failure log")
	}
}

func TestRunOnceReportsListingFailure(test *testing.T) {
	test.Parallel()
	errDatabase := errors.New("database down")
	scheduler, err := New(newRecordingProcessor(), staticLister{err: errDatabase}, Config{})
	if err != nil {
		test.Fatalf("new scheduler: %v", err)
	}
	if _, err := scheduler.RunOnce(context.Background(), time.Now()); !errors.Is(err, errDatabase) {
		test.Fatalf("expected listing error, got %v", err)
	}
}

func TestRunOnceStopsOnCancellation(test *testing.T) {
	test.Parallel()
	processor := newRecordingProcessor()
	scheduler, err := New(processor, staticLister{customerIDs: customerIDs(test, 5)}, Config{Workers: 1})
	if err != nil {
		test.Fatalf("new scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := scheduler.RunOnce(ctx, time.Now()); !errors.Is(err, context.Canceled) {
		test.Fatalf("expected cancellation, got %v", err)
	}
	if len(processor.dates) != 0 {
		test.Fatalf("cancelled sweep must not bill, got %d runs", len(processor.dates))
	}
}

func TestTriggerUsesClockDate(test *testing.T) {
	test.Parallel()
	processor := newRecordingProcessor()
	core, logs := observer.New(zap.InfoLevel)
	now := time.Date(2024, time.June, 3, 1, 0, 0, 0, time.UTC)
	scheduler, err := New(processor, staticLister{customerIDs: customerIDs(test, 2)}, Config{}, WithClock(func() time.Time { return now }), WithLogger(zap.New(core)))
	if err != nil {
		test.Fatalf("new scheduler: %v", err)
	}
	scheduler.trigger()
	if len(processor.dates) != 2 || !processor.dates[0].Equal(time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC)) {
		test.Fatalf("unexpected billing dates %v", processor.dates)
	}
	if logs.FilterMessage("daily billing sweep completed").Len() != 1 {
		test.Fatalf("expected completion log")
	}
}

func TestNewRejectsInvalidConfig(test *testing.T) {
	test.Parallel()
	if _, err := New(nil, staticLister{}, Config{}); !errors.Is(err, ErrInvalidSchedulerConfig) {
		test.Fatalf("expected invalid config for nil processor, got %v", err)
	}
	if _, err := New(newRecordingProcessor(), staticLister{}, Config{Schedule: "every day"}); !errors.Is(err, ErrInvalidSchedulerConfig) {
		test.Fatalf("expected invalid config for bad schedule, got %v", err)
	}
}

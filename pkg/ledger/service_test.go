package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOpenAccountRecordsInitialCredit(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	customerID := mustCustomerID(test, customerIDValue)

	account := mustOpenAccount(test, service, customerID, "350")
	assertDecimal(test, "balance", "350", account.CurrentBalance)
	assertDecimal(test, "initial credit", "350", account.InitialCreditAmount)
	if account.Status != AccountStatusActive || account.PaymentStatus != PaymentStatusCurrent {
		test.Fatalf("unexpected statuses %s/%s", account.Status, account.PaymentStatus)
	}
	rows := store.transactions[customerIDValue]
	if len(rows) != 1 {
		test.Fatalf("expected 1 transaction, got %d", len(rows))
	}
	if rows[0].Type != TransactionCredit || rows[0].Sequence != 1 || rows[0].ChargeReference != chargeRefValue {
		test.Fatalf("unexpected initial row %+v", rows[0])
	}
	assertDecimal(test, "balance after", "350", rows[0].BalanceAfter)
}

func TestOpenAccountRejectsDuplicates(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore())
	customerID := mustCustomerID(test, customerIDValue)
	mustOpenAccount(test, service, customerID, "100")

	_, err := service.OpenAccount(context.Background(), customerID, amount("50"), "ch_2")
	if !errors.Is(err, ErrAccountExists) {
		test.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestOpenAccountRejectsNonPositiveCredit(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore())
	for _, raw := range []string{"0", "-5", "0.001"} {
		_, err := service.OpenAccount(context.Background(), mustCustomerID(test, customerIDValue), amount(raw), "")
		if !errors.Is(err, ErrInvalidAmount) {
			test.Fatalf("amount %s: expected ErrInvalidAmount, got %v", raw, err)
		}
	}
}

func TestDeductMayOverdraw(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	customerID := mustCustomerID(test, customerIDValue)
	mustOpenAccount(test, service, customerID, "10")

	transaction, err := service.Deduct(context.Background(), customerID, amount("50"), "daily ad spend")
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	assertDecimal(test, "amount", "-50", transaction.Amount)
	assertDecimal(test, "balance after", "-40", transaction.BalanceAfter)
	account, _ := service.Account(context.Background(), customerID)
	assertDecimal(test, "balance", "-40", account.CurrentBalance)
	if account.Status != AccountStatusDepleted {
		test.Fatalf("expected depleted, got %s", account.Status)
	}
	assertDecimal(test, "debt", "40", account.Debt())
}

func TestBalanceStatusTracksInitialCreditRatio(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	customerID := mustCustomerID(test, customerIDValue)
	mustOpenAccount(test, service, customerID, "100")
	ctx := context.Background()

	testCases := []struct {
		deduct string
		want   AccountStatus
	}{
		{deduct: "70", want: AccountStatusActive},
		{deduct: "10", want: AccountStatusLowBalance},
		{deduct: "20", want: AccountStatusDepleted},
	}
	for _, testCase := range testCases {
		if _, err := service.Deduct(ctx, customerID, amount(testCase.deduct), "spend"); err != nil {
			test.Fatalf("deduct %s: %v", testCase.deduct, err)
		}
		account, _ := service.Account(ctx, customerID)
		if account.Status != testCase.want {
			test.Fatalf("after deducting %s expected %s, got %s", testCase.deduct, testCase.want, account.Status)
		}
	}
}

func TestCreditRefundAndAdjustKeepRunningTotals(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	customerID := mustCustomerID(test, customerIDValue)
	ctx := context.Background()
	mustOpenAccount(test, service, customerID, "100")

	if _, err := service.AddCredit(ctx, customerID, amount("25.50"), "top up", "ch_topup"); err != nil {
		test.Fatalf("add credit: %v", err)
	}
	refund, err := service.Refund(ctx, customerID, amount("5"), "goodwill refund", "re_1")
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if refund.Type != TransactionRefund || !refund.Amount.IsNegative() {
		test.Fatalf("unexpected refund row %+v", refund)
	}
	if _, err := service.Adjust(ctx, customerID, amount("-0.50"), "rounding"); err != nil {
		test.Fatalf("adjust: %v", err)
	}
	if _, err := service.Adjust(ctx, customerID, amount("0"), "noop"); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected zero adjustment to fail, got %v", err)
	}

	verification, err := service.VerifyAccount(ctx, customerID)
	if err != nil {
		test.Fatalf("verify: %v", err)
	}
	assertDecimal(test, "replayed", "120", verification.ReplayedBalance)
	if verification.TransactionCount != 4 {
		test.Fatalf("expected 4 rows, got %d", verification.TransactionCount)
	}
}

func TestSuspendedAccountRejectsSpendAndCredit(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore())
	customerID := mustCustomerID(test, customerIDValue)
	ctx := context.Background()
	mustOpenAccount(test, service, customerID, "100")

	account, err := service.Suspend(ctx, customerID)
	if err != nil {
		test.Fatalf("suspend: %v", err)
	}
	if account.Status != AccountStatusSuspended {
		test.Fatalf("expected suspended, got %s", account.Status)
	}
	if _, err := service.Deduct(ctx, customerID, amount("1"), "spend"); !errors.Is(err, ErrAccountSuspended) {
		test.Fatalf("expected ErrAccountSuspended on deduct, got %v", err)
	}
	if _, err := service.AddCredit(ctx, customerID, amount("1"), "top up", ""); !errors.Is(err, ErrAccountSuspended) {
		test.Fatalf("expected ErrAccountSuspended on credit, got %v", err)
	}
	if _, err := service.Refund(ctx, customerID, amount("100"), "close out", "re_close"); err != nil {
		test.Fatalf("refund on suspended account: %v", err)
	}
	account, _ = service.Account(ctx, customerID)
	if account.Status != AccountStatusSuspended {
		test.Fatalf("suspension must survive balance changes, got %s", account.Status)
	}
}

func TestPaymentEscalationAndRestore(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore())
	customerID := mustCustomerID(test, customerIDValue)
	ctx := context.Background()
	mustOpenAccount(test, service, customerID, "100")

	graceEnd := testNow.Add(24 * time.Hour)
	account, err := service.EnterGracePeriod(ctx, customerID, graceEnd)
	if err != nil {
		test.Fatalf("grace: %v", err)
	}
	if account.PaymentStatus != PaymentStatusGracePeriod || account.FailedChargeCount != 1 || account.GracePeriodEndsAt == nil || !account.GracePeriodEndsAt.Equal(graceEnd) {
		test.Fatalf("unexpected grace state %+v", account)
	}
	account, _ = service.MarkPaymentFailed(ctx, customerID)
	if account.PaymentStatus != PaymentStatusFailed || account.FailedChargeCount != 2 {
		test.Fatalf("unexpected failed state %+v", account)
	}
	account, _ = service.MarkCampaignsPaused(ctx, customerID)
	if account.PaymentStatus != PaymentStatusPaused || account.FailedChargeCount != 3 || account.CampaignsPausedAt == nil {
		test.Fatalf("unexpected paused state %+v", account)
	}

	account, err = service.RestoreAccount(ctx, customerID)
	if err != nil {
		test.Fatalf("restore: %v", err)
	}
	if account.PaymentStatus != PaymentStatusCurrent || account.FailedChargeCount != 0 || account.GracePeriodEndsAt != nil || account.CampaignsPausedAt != nil {
		test.Fatalf("unexpected restored state %+v", account)
	}
}

func TestUnknownAccountOperations(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore())
	customerID := mustCustomerID(test, "missing")
	ctx := context.Background()
	if _, err := service.Deduct(ctx, customerID, amount("1"), "spend"); !errors.Is(err, ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
	if _, err := service.RestoreAccount(ctx, customerID); !errors.Is(err, ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
	if _, err := service.ListTransactions(ctx, customerID, time.Time{}, 10); !errors.Is(err, ErrUnknownAccount) {
		test.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestNewServiceValidatesDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, time.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil clock, got %v", err)
	}
}

func TestListCustomerIDs(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore())
	mustOpenAccount(test, service, mustCustomerID(test, "b"), "10")
	mustOpenAccount(test, service, mustCustomerID(test, "a"), "10")
	identifiers, err := service.ListCustomerIDs(context.Background())
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(identifiers) != 2 || identifiers[0].String() != "a" || identifiers[1].String() != "b" {
		test.Fatalf("unexpected ids %v", identifiers)
	}
}

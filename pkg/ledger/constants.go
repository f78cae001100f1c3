package ledger

import "time"

const (
	operationOpenAccount       = "open_account"
	operationDeduct            = "deduct"
	operationAddCredit         = "add_credit"
	operationRefund            = "refund"
	operationAdjust            = "adjust"
	operationRestore           = "restore_account"
	operationEnterGracePeriod  = "enter_grace_period"
	operationMarkPaymentFailed = "mark_payment_failed"
	operationMarkPaused        = "mark_campaigns_paused"
	operationSuspend           = "suspend"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// AmountScale is the number of decimal places kept on every stored amount.
	AmountScale = 2

	defaultLowBalanceRatio = "0.25"
	defaultSpendWindow     = 7 * 24 * time.Hour
)

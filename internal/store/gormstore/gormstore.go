package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/adspend/pkg/billing"
	"github.com/MarkoPoloResearchLab/adspend/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dialectPostgres       = "postgres"
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectCustomer  = "customer"
	errorSubjectRun       = "billing_run"
	errorSubjectRow       = "transaction"
	errorCodeClaim        = "claim"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeFinish       = "finish"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeRelease      = "release"
	errorCodeUpdate       = "update"
)

// Store implements ledger.Store and billing.RunStore using GORM.
type Store struct {
	db   *gorm.DB
	inTx bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates every table the store uses.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, inTx: true})
	})
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) error {
	model := accountModel(account)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

// GetAccount locks the row for update when called inside WithTx on postgres.
func (store *Store) GetAccount(ctx context.Context, customerID ledger.CustomerID) (ledger.Account, error) {
	query := store.db.WithContext(ctx)
	if store.inTx && store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model CreditAccount
	err := query.Where("customer_id = ?", customerID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrUnknownAccount)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) UpdateAccount(ctx context.Context, account ledger.Account) error {
	model := accountModel(account)
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("customer_id = ?", model.CustomerID).
		Updates(map[string]any{
			"current_balance":       model.CurrentBalance,
			"initial_credit_amount": model.InitialCreditAmount,
			"status":                model.Status,
			"payment_status":        model.PaymentStatus,
			"failed_charge_count":   model.FailedChargeCount,
			"grace_period_ends_at":  model.GracePeriodEndsAt,
			"campaigns_paused_at":   model.CampaignsPausedAt,
			"transaction_count":     model.TransactionCount,
			"updated_at":            model.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	row := CreditTransaction{
		TransactionID:   transaction.TransactionID,
		CustomerID:      transaction.CustomerID.String(),
		Sequence:        transaction.Sequence,
		Type:            string(transaction.Type),
		Amount:          transaction.Amount,
		BalanceAfter:    transaction.BalanceAfter,
		Description:     transaction.Description,
		ChargeReference: transaction.ChargeReference,
		Metadata:        datatypesJSON(transaction.Metadata.String()),
		CreatedAt:       transaction.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueConflict(err) {
		return wrapStoreError(errorSubjectRow, errorCodeDuplicate, ledger.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRow, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, customerID ledger.CustomerID, since time.Time, limit int) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).Where("customer_id = ?", customerID.String())
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since.UTC())
	}
	query = query.Order("sequence ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []CreditTransaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectRow, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRow, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) ListCustomerIDs(ctx context.Context) ([]ledger.CustomerID, error) {
	var raw []string
	err := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Order("customer_id ASC").
		Pluck("customer_id", &raw).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCustomer, errorCodeList, err)
	}
	customerIDs := make([]ledger.CustomerID, 0, len(raw))
	for _, value := range raw {
		customerID, err := ledger.NewCustomerID(value)
		if err != nil {
			return nil, wrapStoreError(errorSubjectCustomer, errorCodeInvalid, err)
		}
		customerIDs = append(customerIDs, customerID)
	}
	return customerIDs, nil
}

// ClaimRun inserts the billing_runs row; the primary key makes the claim exclusive.
func (store *Store) ClaimRun(ctx context.Context, claim billing.RunClaim) error {
	row := BillingRun{
		RunKey:      claim.Key,
		CustomerID:  claim.CustomerID.String(),
		BillingDate: claim.BillingDate.UTC(),
		ClaimedAt:   claim.ClaimedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueConflict(err) {
		return wrapStoreError(errorSubjectRun, errorCodeDuplicate, billing.ErrRunAlreadyClaimed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRun, errorCodeClaim, err)
	}
	return nil
}

func (store *Store) FinishRun(ctx context.Context, key string, result billing.Result) error {
	finishedAt := time.Now().UTC()
	paymentError := ""
	if result.PaymentError != nil {
		paymentError = result.PaymentError.Error()
	}
	update := store.db.WithContext(ctx).
		Model(&BillingRun{}).
		Where("run_key = ?", key).
		Updates(map[string]any{
			"finished_at":      &finishedAt,
			"outcome":          string(result.Outcome),
			"actual_spend":     result.ActualSpend,
			"deducted":         result.Deducted,
			"charged":          result.Charged,
			"charge_reference": result.ChargeReference,
			"payment_status":   string(result.PaymentStatus),
			"balance":          result.Balance,
			"payment_error":    paymentError,
		})
	if update.Error != nil {
		return wrapStoreError(errorSubjectRun, errorCodeFinish, update.Error)
	}
	if update.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRun, errorCodeFinish, billing.ErrUnknownRun)
	}
	return nil
}

func (store *Store) ReleaseRun(ctx context.Context, key string) error {
	if err := store.db.WithContext(ctx).Where("run_key = ?", key).Delete(&BillingRun{}).Error; err != nil {
		return wrapStoreError(errorSubjectRun, errorCodeRelease, err)
	}
	return nil
}

// Run returns the stored row for key.
func (store *Store) Run(ctx context.Context, key string) (BillingRun, error) {
	var row BillingRun
	err := store.db.WithContext(ctx).Where("run_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BillingRun{}, wrapStoreError(errorSubjectRun, errorCodeGet, billing.ErrUnknownRun)
	}
	if err != nil {
		return BillingRun{}, wrapStoreError(errorSubjectRun, errorCodeGet, err)
	}
	return row, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func accountModel(account ledger.Account) CreditAccount {
	return CreditAccount{
		CustomerID:          account.CustomerID.String(),
		CurrentBalance:      account.CurrentBalance,
		InitialCreditAmount: account.InitialCreditAmount,
		Status:              string(account.Status),
		PaymentStatus:       string(account.PaymentStatus),
		FailedChargeCount:   account.FailedChargeCount,
		GracePeriodEndsAt:   utcPointer(account.GracePeriodEndsAt),
		CampaignsPausedAt:   utcPointer(account.CampaignsPausedAt),
		TransactionCount:    account.TransactionCount,
		CreatedAt:           account.CreatedAt.UTC(),
		UpdatedAt:           account.UpdatedAt.UTC(),
	}
}

func mapAccount(model CreditAccount) (ledger.Account, error) {
	customerID, err := ledger.NewCustomerID(model.CustomerID)
	if err != nil {
		return ledger.Account{}, err
	}
	status, err := ledger.ParseAccountStatus(model.Status)
	if err != nil {
		return ledger.Account{}, err
	}
	paymentStatus, err := ledger.ParsePaymentStatus(model.PaymentStatus)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		CustomerID:          customerID,
		CurrentBalance:      model.CurrentBalance.Round(ledger.AmountScale),
		InitialCreditAmount: model.InitialCreditAmount.Round(ledger.AmountScale),
		Status:              status,
		PaymentStatus:       paymentStatus,
		FailedChargeCount:   model.FailedChargeCount,
		GracePeriodEndsAt:   utcPointer(model.GracePeriodEndsAt),
		CampaignsPausedAt:   utcPointer(model.CampaignsPausedAt),
		TransactionCount:    model.TransactionCount,
		CreatedAt:           model.CreatedAt.UTC(),
		UpdatedAt:           model.UpdatedAt.UTC(),
	}, nil
}

func mapTransaction(row CreditTransaction) (ledger.Transaction, error) {
	customerID, err := ledger.NewCustomerID(row.CustomerID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		TransactionID:   row.TransactionID,
		CustomerID:      customerID,
		Sequence:        row.Sequence,
		Type:            transactionType,
		Amount:          row.Amount.Round(ledger.AmountScale),
		BalanceAfter:    row.BalanceAfter.Round(ledger.AmountScale),
		Description:     row.Description,
		ChargeReference: row.ChargeReference,
		Metadata:        metadata,
		CreatedAt:       row.CreatedAt.UTC(),
	}, nil
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount mirrors the ad_spend_credits table.
type CreditAccount struct {
	CustomerID          string          `gorm:"primaryKey"`
	CurrentBalance      decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	InitialCreditAmount decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Status              string          `gorm:"not null;index:idx_ad_spend_credits_status"`
	PaymentStatus       string          `gorm:"not null;index:idx_ad_spend_credits_payment_status"`
	FailedChargeCount   int             `gorm:"not null;default:0"`
	GracePeriodEndsAt   *time.Time
	CampaignsPausedAt   *time.Time
	TransactionCount    int64     `gorm:"not null;default:0"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "ad_spend_credits" }

// CreditTransaction mirrors the ad_spend_transactions table.
type CreditTransaction struct {
	TransactionID   string          `gorm:"type:uuid;primaryKey"`
	CustomerID      string          `gorm:"not null;index:uniq_ad_spend_transactions_sequence,unique,priority:1;index:idx_ad_spend_transactions_created,priority:1"`
	Sequence        int64           `gorm:"not null;index:uniq_ad_spend_transactions_sequence,unique,priority:2"`
	Type            string          `gorm:"not null"`
	Amount          decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	BalanceAfter    decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Description     string          `gorm:"not null;default:''"`
	ChargeReference string          `gorm:"not null;default:'';index:idx_ad_spend_transactions_charge_reference"`
	Metadata        datatypes.JSON  `gorm:"type:jsonb;not null"`
	CreatedAt       time.Time       `gorm:"not null;index:idx_ad_spend_transactions_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "ad_spend_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// BillingRun mirrors the billing_runs table. One row per customer and UTC billing date.
type BillingRun struct {
	RunKey          string    `gorm:"primaryKey"`
	CustomerID      string    `gorm:"not null;index:idx_billing_runs_customer_date,priority:1"`
	BillingDate     time.Time `gorm:"not null;index:idx_billing_runs_customer_date,priority:2"`
	ClaimedAt       time.Time `gorm:"not null"`
	FinishedAt      *time.Time
	Outcome         string          `gorm:"not null;default:''"`
	ActualSpend     decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	Deducted        decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	Charged         decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	ChargeReference string          `gorm:"not null;default:''"`
	PaymentStatus   string          `gorm:"not null;default:''"`
	Balance         decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	PaymentError    string          `gorm:"not null;default:''"`
}

func (BillingRun) TableName() string { return "billing_runs" }

// Models lists every table the store migrates.
func Models() []any {
	return []any{&CreditAccount{}, &CreditTransaction{}, &BillingRun{}}
}

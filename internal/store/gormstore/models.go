package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance mirrors the credit_balances table: one row per user, created
// lazily with the starting grant, never deleted.
type CreditBalance struct {
	UserID         string    `gorm:"primaryKey"`
	CurrentBalance int64     `gorm:"not null"`
	TotalSpent     int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	TransactionID     string         `gorm:"type:uuid;primaryKey"`
	UserID            string         `gorm:"not null;index:idx_credit_tx_user_created,priority:1"`
	Amount            int64          `gorm:"not null"`
	Kind              string         `gorm:"not null"`
	Status            string         `gorm:"not null;index:idx_credit_tx_status_created,priority:1"`
	Description       string         `gorm:""`
	Reason            string         `gorm:""`
	Metadata          datatypes.JSON `gorm:"type:jsonb;not null"`
	ReconcileAttempts int            `gorm:"not null;default:0"`
	RequiresReview    bool           `gorm:"not null;default:false"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_credit_tx_user_created,priority:2;index:idx_credit_tx_status_created,priority:2"`
	ResolvedAt        *time.Time
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (txn *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if txn.TransactionID == "" {
		txn.TransactionID = uuid.NewString()
	}
	return nil
}

// Subscription maps a user to their tier; absent rows mean free.
type Subscription struct {
	UserID    string    `gorm:"primaryKey"`
	Tier      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

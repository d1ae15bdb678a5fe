package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/bookyardhq/bookyard-backend/pkg/enums"
)

// PaymentRecord tracks one charge attempt against the gateway, keyed by the
// business transaction id derived deterministically from the order id so
// repeated intent preparations and webhook deliveries converge on one row.
type PaymentRecord struct {
	OutTradeNo    string              `gorm:"column:out_trade_no;primaryKey"`
	OrderID       uuid.UUID           `gorm:"column:order_id;type:uuid;not null;index"`
	Status        enums.PaymentStatus `gorm:"column:status;type:text;not null;default:'PENDING'"`
	AmountCents   int64               `gorm:"column:amount_cents;not null"`
	TransactionID *string             `gorm:"column:transaction_id"`
	PaidAt        *time.Time          `gorm:"column:paid_at"`
	CreatedAt     time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

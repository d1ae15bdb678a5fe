package payments

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bookyardhq/bookyard-backend/pkg/db/models"
	"github.com/bookyardhq/bookyard-backend/pkg/enums"
)

// DeriveOutTradeNo maps an order id to the business transaction id sent to
// the gateway. The mapping is deterministic so every intent preparation and
// every webhook delivery for one order converge on the same payment record.
func DeriveOutTradeNo(orderID uuid.UUID) string {
	return "bk" + strings.ReplaceAll(orderID.String(), "-", "")
}

// Repository persists payment records and the durable webhook dedup ledger.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	FindRecord(ctx context.Context, outTradeNo string) (*models.PaymentRecord, error)
	CreateRecord(ctx context.Context, record *models.PaymentRecord) error

	// MarkRecordSuccess finalizes a PENDING record with the gateway outcome
	// and reports the affected count. Zero means another writer got there
	// first or the record is not PENDING.
	MarkRecordSuccess(ctx context.Context, outTradeNo, transactionID string, paidAt time.Time) (int64, error)

	// MarkRecordRefundRequired flags a record whose money arrived for an
	// order that can no longer be fulfilled.
	MarkRecordRefundRequired(ctx context.Context, outTradeNo, transactionID string, paidAt time.Time) (int64, error)

	// MarkRecordFailed finalizes a PENDING record whose transaction the
	// gateway reported as terminally failed or unverifiable.
	MarkRecordFailed(ctx context.Context, outTradeNo string) (int64, error)

	FindWebhookEvent(ctx context.Context, notificationID string) (*models.WebhookEvent, error)

	// InsertWebhookEvent records a notification id before reconciliation
	// starts. A unique violation surfaces a duplicate delivery.
	InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) error

	FinalizeWebhookEvent(ctx context.Context, notificationID string, status enums.WebhookEventStatus) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a payments repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindRecord(ctx context.Context, outTradeNo string) (*models.PaymentRecord, error) {
	var record models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("out_trade_no = ?", outTradeNo).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repository) CreateRecord(ctx context.Context, record *models.PaymentRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *repository) MarkRecordSuccess(ctx context.Context, outTradeNo, transactionID string, paidAt time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.PaymentRecord{}).
		Where("out_trade_no = ? AND status = ?", outTradeNo, enums.PaymentStatusPending).
		Updates(map[string]any{
			"status":         enums.PaymentStatusSuccess,
			"transaction_id": transactionID,
			"paid_at":        paidAt,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repository) MarkRecordRefundRequired(ctx context.Context, outTradeNo, transactionID string, paidAt time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.PaymentRecord{}).
		Where("out_trade_no = ? AND status IN ?", outTradeNo, []enums.PaymentStatus{
			enums.PaymentStatusPending,
			enums.PaymentStatusSuccess,
		}).
		Updates(map[string]any{
			"status":         enums.PaymentStatusRefundRequired,
			"transaction_id": transactionID,
			"paid_at":        paidAt,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repository) MarkRecordFailed(ctx context.Context, outTradeNo string) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.PaymentRecord{}).
		Where("out_trade_no = ? AND status = ?", outTradeNo, enums.PaymentStatusPending).
		Update("status", enums.PaymentStatusFailed)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repository) FindWebhookEvent(ctx context.Context, notificationID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repository) InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *repository) FinalizeWebhookEvent(ctx context.Context, notificationID string, status enums.WebhookEventStatus) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("notification_id = ?", notificationID).
		Updates(map[string]any{
			"status":       status,
			"finalized_at": now,
		}).Error
}

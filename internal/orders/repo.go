package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bookyardhq/bookyard-backend/pkg/db/models"
	"github.com/bookyardhq/bookyard-backend/pkg/enums"
)

// Repository reads and conditionally mutates orders, their reservations and
// the inventory rows they hold.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	FindOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindOrderWithItems(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindLineItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderLineItem, error)

	// UpdateStatusIf performs the conditional transition and reports how many
	// rows changed. Zero means the optimistic write lost a race.
	UpdateStatusIf(ctx context.Context, orderID uuid.UUID, from, to enums.OrderStatus, stamps map[string]any) (int64, error)

	// MarkItemsSold flips this order's reserved copies to sold and returns the
	// affected count.
	MarkItemsSold(ctx context.Context, orderID uuid.UUID) (int64, error)

	// ReleaseItems returns this order's reserved copies to stock and returns
	// the affected count.
	ReleaseItems(ctx context.Context, orderID uuid.UUID) (int64, error)

	DeleteReservations(ctx context.Context, orderID uuid.UUID) error

	// MarkPaymentRefundRequired flips a SUCCESS payment record for the order
	// to REFUND_REQUIRED, returning the affected count.
	MarkPaymentRefundRequired(ctx context.Context, orderID uuid.UUID) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindOrderWithItems(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindLineItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderLineItem, error) {
	var items []models.OrderLineItem
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) UpdateStatusIf(ctx context.Context, orderID uuid.UUID, from, to enums.OrderStatus, stamps map[string]any) (int64, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range stamps {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, from).
		Updates(updates)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repository) MarkItemsSold(ctx context.Context, orderID uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE inventory_items
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status = ?
		  AND id IN (SELECT inventory_item_id FROM inventory_reservations WHERE order_id = ?)
	`, enums.InventoryStatusSold, enums.InventoryStatusReserved, orderID)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repository) ReleaseItems(ctx context.Context, orderID uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE inventory_items
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status = ?
		  AND id IN (SELECT inventory_item_id FROM inventory_reservations WHERE order_id = ?)
	`, enums.InventoryStatusInStock, enums.InventoryStatusReserved, orderID)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repository) DeleteReservations(ctx context.Context, orderID uuid.UUID) error {
	return r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Delete(&models.InventoryReservation{}).Error
}

func (r *repository) MarkPaymentRefundRequired(ctx context.Context, orderID uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.PaymentRecord{}).
		Where("order_id = ? AND status = ?", orderID, enums.PaymentStatusSuccess).
		Update("status", enums.PaymentStatusRefundRequired)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

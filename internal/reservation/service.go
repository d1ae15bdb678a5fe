package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bookyardhq/bookyard-backend/pkg/config"
	"github.com/bookyardhq/bookyard-backend/pkg/db"
	"github.com/bookyardhq/bookyard-backend/pkg/db/models"
	"github.com/bookyardhq/bookyard-backend/pkg/enums"
	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
	"github.com/bookyardhq/bookyard-backend/pkg/logger"
)

const (
	pendingOrderConstraint = "uq_orders_user_pending"

	// Matches both the postgres constraint name (uq_orders_pickup_code) and
	// the column sqlite reports in its violation message.
	pickupCodeConstraint = "pickup_code"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type orderMetrics interface {
	IncOrdersCreated()
	IncPickupCodeCollision()
}

// Service coordinates order creation: locks, quota and availability checks,
// pickup-code issuance and inventory reservation.
type Service interface {
	CreateOrder(ctx context.Context, userID uuid.UUID, itemIDs []uuid.UUID) (*models.Order, error)
	CreateOrderInTx(ctx context.Context, tx *gorm.DB, userID uuid.UUID, itemIDs []uuid.UUID) (*models.Order, error)
}

// ServiceParams configures the reservation coordinator.
type ServiceParams struct {
	TxRunner txRunner
	Locker   db.AdvisoryLocker
	Config   config.ReservationConfig
	Metrics  orderMetrics
	Logger   *logger.Logger
}

type service struct {
	tx      txRunner
	locker  db.AdvisoryLocker
	cfg     config.ReservationConfig
	metrics orderMetrics
	logg    *logger.Logger
	now     func() time.Time
	newCode func() (string, error)
}

// NewService builds the reservation coordinator.
func NewService(params ServiceParams) (Service, error) {
	if params.TxRunner == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("advisory locker required")
	}
	if params.Config.MaxItemsPerOrder <= 0 {
		return nil, fmt.Errorf("max items per order must be positive")
	}
	if params.Config.MaxReservedPerUser <= 0 {
		return nil, fmt.Errorf("max reserved per user must be positive")
	}
	return &service{
		tx:      params.TxRunner,
		locker:  params.Locker,
		cfg:     params.Config,
		metrics: params.Metrics,
		logg:    params.Logger,
		now:     time.Now,
		newCode: NewPickupCode,
	}, nil
}

// CreateOrder reserves the requested copies inside a fresh retried
// transaction.
func (s *service) CreateOrder(ctx context.Context, userID uuid.UUID, itemIDs []uuid.UUID) (*models.Order, error) {
	ids, err := s.validateInput(userID, itemIDs)
	if err != nil {
		return nil, err
	}

	var order *models.Order
	txErr := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		created, err := s.createLocked(ctx, tx, userID, ids)
		if err != nil {
			return err
		}
		order = created
		return nil
	})
	if txErr != nil {
		return nil, mapConstraintError(txErr)
	}
	return order, nil
}

// CreateOrderInTx reserves inside the caller's transaction. Nested calls must
// not stack another retry layer: a retry would re-run the caller's side
// effects.
func (s *service) CreateOrderInTx(ctx context.Context, tx *gorm.DB, userID uuid.UUID, itemIDs []uuid.UUID) (*models.Order, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction handle required")
	}
	ids, err := s.validateInput(userID, itemIDs)
	if err != nil {
		return nil, err
	}
	order, err := s.createLocked(ctx, tx, userID, ids)
	if err != nil {
		return nil, mapConstraintError(err)
	}
	return order, nil
}

func (s *service) validateInput(userID uuid.UUID, itemIDs []uuid.UUID) ([]uuid.UUID, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	ids := dedupIDs(itemIDs)
	if len(ids) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one item id required")
	}
	if len(ids) > s.cfg.MaxItemsPerOrder {
		return nil, pkgerrors.New(pkgerrors.CodeOrderSizeExceeded, "too many items in one order").
			WithDetails(map[string]any{"max": s.cfg.MaxItemsPerOrder, "requested": len(ids)})
	}
	return ids, nil
}

func (s *service) createLocked(ctx context.Context, tx *gorm.DB, userID uuid.UUID, ids []uuid.UUID) (*models.Order, error) {
	// Global lock order: user first, then items ascending. Every coordinator
	// acquiring in this order makes deadlock structurally impossible.
	if err := s.locker.Lock(ctx, tx, db.LockDomainUser, db.LockKeyForUUID(userID)); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire user lock")
	}
	sorted := append([]uuid.UUID(nil), ids...)
	db.SortUUIDs(sorted)
	for _, id := range sorted {
		if err := s.locker.Lock(ctx, tx, db.LockDomainInventoryItem, db.LockKeyForUUID(id)); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire item lock")
		}
	}

	if err := s.checkQuota(ctx, tx, userID, len(ids)); err != nil {
		return nil, err
	}

	rows, err := s.loadItems(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, row := range rows {
		total += row.PriceCents
	}

	order, err := s.createOrderRow(ctx, tx, userID, total)
	if err != nil {
		return nil, err
	}

	if err := s.reserveItems(ctx, tx, order, rows); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncOrdersCreated()
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id":    order.ID.String(),
			"items":       len(rows),
			"total_cents": total,
		})
		s.logg.Info(logCtx, "order created with reserved inventory")
	}
	return order, nil
}

func (s *service) checkQuota(ctx context.Context, tx *gorm.DB, userID uuid.UUID, requested int) error {
	var held int64
	err := tx.WithContext(ctx).
		Model(&models.OrderLineItem{}).
		Joins("JOIN orders ON orders.id = order_line_items.order_id").
		Where("orders.user_id = ? AND orders.status = ?", userID, enums.OrderStatusPendingPayment).
		Count(&held).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count held reservations")
	}
	if held+int64(requested) > int64(s.cfg.MaxReservedPerUser) {
		return pkgerrors.New(pkgerrors.CodeMaxReservedExceeded, "reservation quota exceeded").
			WithDetails(map[string]any{
				"held":      held,
				"requested": requested,
				"max":       s.cfg.MaxReservedPerUser,
			})
	}
	return nil
}

type itemRow struct {
	ID         uuid.UUID
	Status     enums.InventoryStatus
	PriceCents int64
	Title      string
}

// loadItems re-reads the requested copies under the held locks, so the
// in_stock check cannot race another coordinator.
func (s *service) loadItems(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]itemRow, error) {
	var rows []itemRow
	err := tx.WithContext(ctx).
		Table("inventory_items").
		Select("inventory_items.id, inventory_items.status, inventory_items.price_cents, books.title AS title").
		Joins("JOIN books ON books.id = inventory_items.book_id").
		Where("inventory_items.id IN ?", ids).
		Scan(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load inventory items")
	}
	if len(rows) != len(ids) {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientInventory, "one or more copies do not exist")
	}
	for _, row := range rows {
		if row.Status != enums.InventoryStatusInStock {
			return nil, pkgerrors.New(pkgerrors.CodeInsufficientInventory, "one or more copies are not in stock")
		}
	}
	return rows, nil
}

func (s *service) createOrderRow(ctx context.Context, tx *gorm.DB, userID uuid.UUID, total int64) (*models.Order, error) {
	expireAt := s.now().UTC().Add(s.cfg.PaymentTTL)
	attempts := s.cfg.PickupCodeAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodePickupCodeGenFailed, err, "generate pickup code")
		}
		order := &models.Order{
			UserID:      userID,
			Status:      enums.OrderStatusPendingPayment,
			TotalCents:  total,
			PickupCode:  code,
			PayExpireAt: expireAt,
		}
		err = tx.WithContext(ctx).Create(order).Error
		if err == nil {
			return order, nil
		}
		if db.IsUniqueViolation(err, pickupCodeConstraint) {
			if s.metrics != nil {
				s.metrics.IncPickupCodeCollision()
			}
			continue
		}
		return nil, err
	}
	return nil, pkgerrors.New(pkgerrors.CodePickupCodeGenFailed, "could not issue a unique pickup code")
}

func (s *service) reserveItems(ctx context.Context, tx *gorm.DB, order *models.Order, rows []itemRow) error {
	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}

	res := tx.WithContext(ctx).
		Model(&models.InventoryItem{}).
		Where("id IN ? AND status = ?", ids, enums.InventoryStatusInStock).
		Update("status", enums.InventoryStatusReserved)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "reserve inventory")
	}
	// The precheck ran under the item locks, so a short count means another
	// writer bypassed the lock protocol. Abort rather than oversell.
	if res.RowsAffected != int64(len(ids)) {
		return pkgerrors.New(pkgerrors.CodeInventoryRace, "inventory changed while reserving").
			WithDetails(map[string]any{"expected": len(ids), "reserved": res.RowsAffected})
	}

	reservations := make([]models.InventoryReservation, len(rows))
	lineItems := make([]models.OrderLineItem, len(rows))
	for i, row := range rows {
		reservations[i] = models.InventoryReservation{
			InventoryItemID: row.ID,
			OrderID:         order.ID,
		}
		lineItems[i] = models.OrderLineItem{
			OrderID:         order.ID,
			InventoryItemID: row.ID,
			Title:           row.Title,
			PriceCents:      row.PriceCents,
		}
	}
	if err := tx.WithContext(ctx).Create(&reservations).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create reservations")
	}
	if err := tx.WithContext(ctx).Create(&lineItems).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create line items")
	}
	order.Items = lineItems
	return nil
}

// mapConstraintError converts database-level defenses into their business
// codes once, at the coordinator boundary.
func mapConstraintError(err error) error {
	if err == nil {
		return nil
	}
	if typed := pkgerrors.As(err); typed != nil {
		return err
	}
	if db.IsUniqueViolation(err, pendingOrderConstraint) {
		return pkgerrors.Wrap(pkgerrors.CodeConcurrentPending, err, "an unpaid order already exists")
	}
	if db.IsCheckViolation(err, "") {
		return pkgerrors.Wrap(pkgerrors.CodeMaxReservedExceeded, err, "reservation quota exceeded")
	}
	return err
}

func dedupIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

package notify

import (
	"context"
	"time"

	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
	"github.com/bookyardhq/bookyard-backend/pkg/redis"
)

const guardScope = "payment-notification"

// NotificationGuard is the fast-path dedup in front of the durable
// webhook_events ledger. It trades strictness for cheapness: a lost key only
// means one extra trip through the ledger, never a double side effect.
type NotificationGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewNotificationGuard builds the redis-backed notification guard.
func NewNotificationGuard(store redis.IdempotencyStore, ttl time.Duration) (*NotificationGuard, error) {
	if store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "notify: idempotency store is required")
	}
	if ttl <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "notify: dedup ttl must be positive")
	}
	return &NotificationGuard{store: store, ttl: ttl}, nil
}

// CheckAndMark claims the notification id, reporting true when another
// delivery already holds it.
func (g *NotificationGuard) CheckAndMark(ctx context.Context, notificationID string) (bool, error) {
	if notificationID == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "notification id is required")
	}
	key := g.store.IdempotencyKey(guardScope, notificationID)
	set, err := g.store.SetNX(ctx, key, "1", g.ttl)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "set notification dedup key")
	}
	return !set, nil
}

// Release gives the claim back so the gateway's redelivery is not swallowed
// after a retryable failure.
func (g *NotificationGuard) Release(ctx context.Context, notificationID string) error {
	if notificationID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "notification id is required")
	}
	key := g.store.IdempotencyKey(guardScope, notificationID)
	return g.store.Del(ctx, key)
}

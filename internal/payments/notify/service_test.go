package notify

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/bookyardhq/bookyard-backend/internal/orders"
	"github.com/bookyardhq/bookyard-backend/internal/payments"
	"github.com/bookyardhq/bookyard-backend/pkg/config"
	"github.com/bookyardhq/bookyard-backend/pkg/db/models"
	"github.com/bookyardhq/bookyard-backend/pkg/enums"
	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
	"github.com/bookyardhq/bookyard-backend/pkg/gateway"
	"github.com/bookyardhq/bookyard-backend/pkg/logger"
)

func setupNotifyTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:notify_" + uuid.NewString() + "?mode=memory&cache=shared"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	ddl := []string{`
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'PENDING_PAYMENT',
  total_cents INTEGER NOT NULL,
  pickup_code TEXT NOT NULL UNIQUE,
  pay_expire_at DATETIME NOT NULL,
  paid_at DATETIME,
  completed_at DATETIME,
  cancelled_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS payment_records (
  out_trade_no TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'PENDING',
  amount_cents INTEGER NOT NULL,
  transaction_id TEXT,
  paid_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME
);`, `
CREATE TABLE IF NOT EXISTS webhook_events (
  notification_id TEXT PRIMARY KEY,
  out_trade_no TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'received',
  received_at DATETIME,
  finalized_at DATETIME
);`}
	for _, stmt := range ddl {
		require.NoError(t, gdb.Exec(stmt).Error)
	}
	return gdb
}

type notifyTxRunner struct {
	db *gorm.DB
}

func (r notifyTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// fakeIdempotencyStore is an in-memory stand-in for the redis fast path.
type fakeIdempotencyStore struct {
	mu     sync.Mutex
	keys   map[string]string
	failed bool
}

func newFakeStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{keys: map[string]string{}}
}

func (s *fakeIdempotencyStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[key], nil
}

func (s *fakeIdempotencyStore) SetNX(_ context.Context, key string, _ any, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return false, errors.New("redis unavailable")
	}
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = "1"
	return true, nil
}

func (s *fakeIdempotencyStore) IdempotencyKey(scope, id string) string {
	return "idem:" + scope + ":" + id
}

func (s *fakeIdempotencyStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.keys, key)
	}
	return nil
}

func (s *fakeIdempotencyStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok
}

// notifyGateway scripts the gateway calls the processor makes.
type notifyGateway struct {
	verifyErr  error
	decryptErr error
	plaintext  []byte

	queryStatus *gateway.TransactionStatus
	queryErr    error
	queryCalls  int
}

func (g *notifyGateway) CreateOrder(context.Context, gateway.CreateOrderRequest) (*gateway.PrepayHandle, error) {
	return nil, errors.New("not implemented")
}

func (g *notifyGateway) QueryStatus(context.Context, string) (*gateway.TransactionStatus, error) {
	g.queryCalls++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	return g.queryStatus, nil
}

func (g *notifyGateway) VerifySignature(context.Context, gateway.VerifyRequest) error {
	return g.verifyErr
}

func (g *notifyGateway) DecryptNotification(context.Context, string, string, string) ([]byte, error) {
	if g.decryptErr != nil {
		return nil, g.decryptErr
	}
	return g.plaintext, nil
}

func (g *notifyGateway) Sign(context.Context, string) (string, error) {
	return "", errors.New("not implemented")
}

func (g *notifyGateway) CreateRefund(context.Context, gateway.RefundRequest) (*gateway.RefundStatus, error) {
	return nil, errors.New("not implemented")
}

type fakePaymentMetrics struct {
	successes int
	refunds   int
}

func (m *fakePaymentMetrics) IncPaymentSuccess() { m.successes++ }
func (m *fakePaymentMetrics) IncRefundRequired() { m.refunds++ }

type notifyFixture struct {
	gdb        *gorm.DB
	gw         *notifyGateway
	store      *fakeIdempotencyStore
	metrics    *fakePaymentMetrics
	svc        Service
	order      models.Order
	outTradeNo string
}

const (
	testMerchantID = "mch-test"
	testAppID      = "app-test"
)

func newNotifyFixture(t *testing.T, orderStatus enums.OrderStatus) *notifyFixture {
	t.Helper()

	gdb := setupNotifyTestDB(t)
	order := models.Order{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Status:      orderStatus,
		TotalCents:  3000,
		PickupCode:  uuid.NewString()[:8],
		PayExpireAt: time.Now().UTC().Add(30 * time.Minute),
	}
	require.NoError(t, gdb.Create(&order).Error)

	outTradeNo := payments.DeriveOutTradeNo(order.ID)
	require.NoError(t, gdb.Create(&models.PaymentRecord{
		OutTradeNo:  outTradeNo,
		OrderID:     order.ID,
		Status:      enums.PaymentStatusPending,
		AmountCents: order.TotalCents,
	}).Error)

	gw := &notifyGateway{
		plaintext: []byte(`{"out_trade_no":"` + outTradeNo + `"}`),
		queryStatus: &gateway.TransactionStatus{
			OutTradeNo:    outTradeNo,
			TransactionID: "tx-123",
			TradeState:    gateway.TradeStateSuccess,
			AmountCents:   order.TotalCents,
			MerchantID:    testMerchantID,
			AppID:         testAppID,
		},
	}
	store := newFakeStore()
	guard, err := NewNotificationGuard(store, time.Hour)
	require.NoError(t, err)

	metrics := &fakePaymentMetrics{}
	svc, err := NewService(ServiceParams{
		TxRunner:   notifyTxRunner{db: gdb},
		Repo:       payments.NewRepository(gdb),
		OrdersRepo: orders.NewRepository(gdb),
		Gateway:    gw,
		Guard:      guard,
		Payment: config.PaymentConfig{
			AppID:             testAppID,
			MerchantID:        testMerchantID,
			QueryRetries:      1,
			QueryRetryBackoff: time.Millisecond,
		},
		Webhook: config.WebhookConfig{
			TimestampTolerance: 5 * time.Minute,
			FutureSkew:         time.Minute,
		},
		Metrics: metrics,
		Logger:  logger.New(logger.Options{ServiceName: "notify-test", Output: io.Discard}),
	})
	require.NoError(t, err)

	return &notifyFixture{
		gdb:        gdb,
		gw:         gw,
		store:      store,
		metrics:    metrics,
		svc:        svc,
		order:      order,
		outTradeNo: outTradeNo,
	}
}

func (f *notifyFixture) notification(id string) Notification {
	return Notification{
		ID:             id,
		Timestamp:      strconv.FormatInt(time.Now().Unix(), 10),
		Nonce:          "nonce",
		Signature:      "sig",
		Serial:         "serial",
		Body:           []byte(`{}`),
		Ciphertext:     "cipher",
		ResourceNonce:  "rnonce",
		AssociatedData: "transaction",
	}
}

func (f *notifyFixture) reloadOrder(t *testing.T) models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, f.gdb.First(&order, "id = ?", f.order.ID).Error)
	return order
}

func (f *notifyFixture) reloadRecord(t *testing.T) models.PaymentRecord {
	t.Helper()
	var record models.PaymentRecord
	require.NoError(t, f.gdb.First(&record, "out_trade_no = ?", f.outTradeNo).Error)
	return record
}

func (f *notifyFixture) reloadEvent(t *testing.T, id string) models.WebhookEvent {
	t.Helper()
	var event models.WebhookEvent
	require.NoError(t, f.gdb.First(&event, "notification_id = ?", id).Error)
	return event
}

func TestProcessConfirmsPayment(t *testing.T) {
	t.Parallel()

	fx := newNotifyFixture(t, enums.OrderStatusPendingPayment)
	err := fx.svc.Process(context.Background(), fx.notification("n-1"))
	require.NoError(t, err)

	order := fx.reloadOrder(t)
	assert.Equal(t, enums.OrderStatusPendingPickup, order.Status)
	require.NotNil(t, order.PaidAt)

	record := fx.reloadRecord(t)
	assert.Equal(t, enums.PaymentStatusSuccess, record.Status)
	require.NotNil(t, record.TransactionID)
	assert.Equal(t, "tx-123", *record.TransactionID)

	event := fx.reloadEvent(t, "n-1")
	assert.Equal(t, enums.WebhookEventStatusProcessed, event.Status)
	assert.NotNil(t, event.FinalizedAt)
	assert.Equal(t, 1, fx.metrics.successes)
}

func TestProcessRejectsBadTimestamps(t *testing.T) {
	t.Parallel()

	fx := newNotifyFixture(t, enums.OrderStatusPendingPayment)
	ctx := context.Background()

	n := fx.notification("n-ts")
	n.Timestamp = "not-a-number"
	err := fx.svc.Process(ctx, n)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeTimestampInvalid))

	n.Timestamp = strconv.FormatInt(time.Now().Add(10*time.Minute).Unix(), 10)
	err = fx.svc.Process(ctx, n)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeTimestampInvalid))

	n.Timestamp = strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	err = fx.svc.Process(ctx, n)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeTimestampExpired))

	// Nothing got past validation.
	assert.Zero(t, fx.gw.queryCalls)
	assert.Equal(t, enums.OrderStatusPendingPayment, fx.reloadOrder(t).Status)
}

func TestProcessRejectsBadSignatureAndCiphertext(t *testing.T) {
	t.Parallel()

	fx := newNotifyFixture(t, enums.OrderStatusPendingPayment)
	ctx := context.Background()

	fx.gw.verifyErr = errors.New("signature mismatch")
	err := fx.svc.Process(ctx, fx.notification("n-sig"))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))

	fx.gw.verifyErr = nil
	fx.gw.decryptErr = errors.New("aead open failed")
	err = fx.svc.Process(ctx, fx.notification("n-dec"))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))

	fx.gw.decryptErr = nil
	fx.gw.plaintext = []byte("not json")
	err = fx.svc.Process(ctx, fx.notification("n-json"))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	assert.Zero(t, fx.gw.queryCalls)
}

func TestProcessSuppressesDuplicateViaFastPath(t *testing.T) {
	t.Parallel()

	fx := newNotifyFixture(t, enums.OrderStatusPendingPayment)
	ctx := context.Background()

	require.NoError(t, fx.svc.Process(ctx, fx.notification("n-dup")))
	calls := fx.gw.queryCalls

	require.NoError(t, fx.svc.Process(ctx, fx.notification("n-dup")))
	assert.Equal(t, calls, fx.gw.queryCalls)
}

func TestProcessSurvivesRedisOutage(t *testing.T) {
	t.Parallel()

	fx := newNotifyFixture(t, enums.OrderStatusPendingPayment)
	ctx := context.Background()
	fx.store.failed = true

	// First delivery settles despite the dead fast path.
	require.NoError(t, fx.svc.Process(ctx, fx.notification("n-redis")))
	assert.Equal(t, enums.OrderStatusPendingPickup, fx.reloadOrder(t).Status)

	// Redelivery is still suppressed, by the durable ledger.
	calls := fx.gw.queryCalls
	require.NoError(t, fx.svc.Process(ctx, fx.notification("n-redis")))
	assert.Equal(t, calls, fx.gw.queryCalls)
}

func TestProcessAsksForRedeliveryWhileInProgress(t *testing.T) {
	t.Parallel()

	fx := newNotifyFixture(t, enums.OrderStatusPendingPayment)
	ctx := context.Background()
	fx.gw.queryStatus.TradeState = gateway.TradeStateUserPaying

	err := fx.svc.Process(ctx, fx.notification("n-prog"))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayTransient))

	// The fast-path claim was given back so the redelivery is processed.
	key := fx.store.IdempotencyKey(guardScope, "n-prog")
	assert.False(t, fx.store.has(key))

	// Ledger row stays claimable for the next attempt.
	event := fx.reloadEvent(t, "n-prog")
	assert.Equal(t, enums.WebhookEventStatusReceived, event.Status)

	// The redelivery then settles normally.
	fx.gw.queryStatus.TradeState = gateway.TradeStateSuccess
	require.NoError(t, fx.svc.Process(ctx, fx.notification("n-prog")))
	assert.Equal(t, enums.OrderStatusPendingPickup, fx.reloadOrder(t).Status)
	assert.Equal(t, enums.WebhookEventStatusProcessed, fx.reloadEvent(t, "n-prog").Status)
}

func TestProcessRetriesTransientQueryFailure(t *testing.T) {
	t.Parallel()

	fx := newNotifyFixture(t, enums.OrderStatusPendingPayment)
	ctx := context.Background()
	fx.gw.queryErr = errors.New("gateway timeout")

	err := fx.svc.Process(ctx, fx.notification("n-qerr"))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayTransient))
	assert.Equal(t, 2, fx.gw.queryCalls)
	assert.Equal(t, enums.PaymentStatusPending, fx.reloadRecord(t).Status)
}

func TestProcessFailsRecordOnTerminalState(t *testing.T) {
	t.Parallel()

	fx := newNotifyFixture(t, enums.OrderStatusPendingPayment)
	ctx := context.Background()
	fx.gw.queryStatus.TradeState = gateway.TradeStatePayError

	require.NoError(t, fx.svc.Process(ctx, fx.notification("n-fail")))
	assert.Equal(t, enums.PaymentStatusFailed, fx.reloadRecord(t).Status)
	assert.Equal(t, enums.OrderStatusPendingPayment, fx.reloadOrder(t).Status)
	assert.Equal(t, enums.WebhookEventStatusProcessed, fx.reloadEvent(t, "n-fail").Status)
}

func TestProcessFailsRecordWhenGatewayHasNoTransaction(t *testing.T) {
	t.Parallel()

	fx := newNotifyFixture(t, enums.OrderStatusPendingPayment)
	ctx := context.Background()
	fx.gw.queryErr = &gateway.ErrNotFound{OutTradeNo: fx.outTradeNo}

	err := fx.svc.Process(ctx, fx.notification("n-404"))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.Equal(t, 1, fx.gw.queryCalls)
	assert.Equal(t, enums.PaymentStatusFailed, fx.reloadRecord(t).Status)
	assert.Equal(t, enums.WebhookEventStatusFailed, fx.reloadEvent(t, "n-404").Status)
}

func TestProcessRejectsCrossCheckMismatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*gateway.TransactionStatus)
	}{
		{"amount", func(s *gateway.TransactionStatus) { s.AmountCents = 1 }},
		{"merchant", func(s *gateway.TransactionStatus) { s.MerchantID = "mch-other" }},
		{"app", func(s *gateway.TransactionStatus) { s.AppID = "app-other" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newNotifyFixture(t, enums.OrderStatusPendingPayment)
			tc.mutate(fx.gw.queryStatus)

			err := fx.svc.Process(context.Background(), fx.notification("n-xc"))
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
			assert.Equal(t, enums.PaymentStatusFailed, fx.reloadRecord(t).Status)
			assert.Equal(t, enums.OrderStatusPendingPayment, fx.reloadOrder(t).Status)
		})
	}
}

func TestProcessFlagsRefundWhenOrderNoLongerPayable(t *testing.T) {
	t.Parallel()

	fx := newNotifyFixture(t, enums.OrderStatusCancelled)
	err := fx.svc.Process(context.Background(), fx.notification("n-refund"))
	require.NoError(t, err)

	record := fx.reloadRecord(t)
	assert.Equal(t, enums.PaymentStatusRefundRequired, record.Status)
	assert.Equal(t, enums.OrderStatusCancelled, fx.reloadOrder(t).Status)
	assert.Equal(t, 1, fx.metrics.refunds)
	assert.Zero(t, fx.metrics.successes)
	assert.Equal(t, enums.WebhookEventStatusProcessed, fx.reloadEvent(t, "n-refund").Status)
}

func TestProcessIgnoresAlreadyFinalizedRecord(t *testing.T) {
	t.Parallel()

	fx := newNotifyFixture(t, enums.OrderStatusPendingPickup)
	require.NoError(t, fx.gdb.Model(&models.PaymentRecord{}).
		Where("out_trade_no = ?", fx.outTradeNo).
		Update("status", enums.PaymentStatusSuccess).Error)

	require.NoError(t, fx.svc.Process(context.Background(), fx.notification("n-done")))
	assert.Zero(t, fx.gw.queryCalls)
	assert.Equal(t, enums.WebhookEventStatusProcessed, fx.reloadEvent(t, "n-done").Status)
}

func TestProcessIgnoresUnknownTransaction(t *testing.T) {
	t.Parallel()

	fx := newNotifyFixture(t, enums.OrderStatusPendingPayment)
	fx.gw.plaintext = []byte(`{"out_trade_no":"bkunknown"}`)

	require.NoError(t, fx.svc.Process(context.Background(), fx.notification("n-unknown")))
	assert.Zero(t, fx.gw.queryCalls)
	assert.Equal(t, enums.PaymentStatusPending, fx.reloadRecord(t).Status)
}

func TestGuardClaimAndRelease(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	guard, err := NewNotificationGuard(store, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	dup, err := guard.CheckAndMark(ctx, "n-g")
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = guard.CheckAndMark(ctx, "n-g")
	require.NoError(t, err)
	assert.True(t, dup)

	require.NoError(t, guard.Release(ctx, "n-g"))
	dup, err = guard.CheckAndMark(ctx, "n-g")
	require.NoError(t, err)
	assert.False(t, dup)

	_, err = guard.CheckAndMark(ctx, "")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

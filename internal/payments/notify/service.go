package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/bookyardhq/bookyard-backend/internal/orders"
	"github.com/bookyardhq/bookyard-backend/internal/payments"
	"github.com/bookyardhq/bookyard-backend/pkg/config"
	"github.com/bookyardhq/bookyard-backend/pkg/db"
	"github.com/bookyardhq/bookyard-backend/pkg/db/models"
	"github.com/bookyardhq/bookyard-backend/pkg/enums"
	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
	"github.com/bookyardhq/bookyard-backend/pkg/gateway"
	"github.com/bookyardhq/bookyard-backend/pkg/logger"
)

// Notification is one inbound gateway delivery after envelope parsing. The
// body and resource fields are untrusted until the signature check and the
// active status query both pass.
type Notification struct {
	ID             string
	Timestamp      string
	Nonce          string
	Signature      string
	Serial         string
	Body           []byte
	Ciphertext     string
	ResourceNonce  string
	AssociatedData string
}

// decryptedResource is the part of the plaintext the processor needs. Every
// other field of the notification body is ignored in favor of the query.
type decryptedResource struct {
	OutTradeNo string `json:"out_trade_no"`
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type paymentMetrics interface {
	IncPaymentSuccess()
	IncRefundRequired()
}

// Service is the payment notification processor. Process returns nil when the
// delivery reached a terminal outcome and an error the classifier can turn
// into a retry ack otherwise.
type Service interface {
	Process(ctx context.Context, n Notification) error
}

// ServiceParams wires the notification processor.
type ServiceParams struct {
	TxRunner   txRunner
	Repo       payments.Repository
	OrdersRepo orders.Repository
	Gateway    gateway.Client
	Guard      *NotificationGuard
	Payment    config.PaymentConfig
	Webhook    config.WebhookConfig
	Metrics    paymentMetrics
	Logger     *logger.Logger
}

type service struct {
	runner     txRunner
	repo       payments.Repository
	ordersRepo orders.Repository
	gw         gateway.Client
	guard      *NotificationGuard
	payCfg     config.PaymentConfig
	hookCfg    config.WebhookConfig
	metrics    paymentMetrics
	logg       *logger.Logger
	now        func() time.Time
}

// NewService validates params and builds the processor.
func NewService(params ServiceParams) (Service, error) {
	if params.TxRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "notify: tx runner is required")
	}
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "notify: payments repository is required")
	}
	if params.OrdersRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "notify: orders repository is required")
	}
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "notify: gateway client is required")
	}
	if params.Guard == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "notify: notification guard is required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "notify: logger is required")
	}
	return &service{
		runner:     params.TxRunner,
		repo:       params.Repo,
		ordersRepo: params.OrdersRepo,
		gw:         params.Gateway,
		guard:      params.Guard,
		payCfg:     params.Payment,
		hookCfg:    params.Webhook,
		metrics:    params.Metrics,
		logg:       params.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Process runs the three phases: security validation, reconciliation against
// the gateway's authoritative status, then one short transaction that flips
// the order. Nothing from the notification body influences the outcome beyond
// selecting which payment record to reconcile.
func (s *service) Process(ctx context.Context, n Notification) error {
	ctx = s.logg.WithNotificationID(ctx, n.ID)

	if err := s.validateTimestamp(n.Timestamp); err != nil {
		return err
	}
	if err := s.gw.VerifySignature(ctx, gateway.VerifyRequest{
		Timestamp: n.Timestamp,
		Nonce:     n.Nonce,
		Body:      n.Body,
		Signature: n.Signature,
		Serial:    n.Serial,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, err, "notification signature rejected")
	}

	outTradeNo, err := s.decrypt(ctx, n)
	if err != nil {
		return err
	}
	ctx = s.logg.WithField(ctx, "out_trade_no", outTradeNo)

	duplicate, err := s.guard.CheckAndMark(ctx, n.ID)
	if err != nil {
		// Redis being down must not drop payments. The durable ledger below
		// still dedups; only the fast path is lost.
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "notification dedup fast path unavailable")
	} else if duplicate {
		s.logg.Info(ctx, "duplicate notification suppressed by fast path")
		return nil
	}

	proceed, err := s.claimDurable(ctx, n.ID, outTradeNo)
	if err != nil {
		s.releaseGuard(ctx, n.ID)
		return err
	}
	if !proceed {
		return nil
	}

	err = s.reconcile(ctx, n.ID, outTradeNo)
	if err != nil {
		if pkgerrors.MetadataFor(codeOf(err)).Retryable {
			s.releaseGuard(ctx, n.ID)
		} else {
			s.finalize(ctx, n.ID, enums.WebhookEventStatusFailed)
		}
		return err
	}
	s.finalize(ctx, n.ID, enums.WebhookEventStatusProcessed)
	return nil
}

// validateTimestamp bounds the notification's claimed send time: a little
// clock skew into the future is tolerated, anything older than the tolerance
// window is rejected as a possible replay.
func (s *service) validateTimestamp(raw string) error {
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return pkgerrors.New(pkgerrors.CodeTimestampInvalid, "notification timestamp is not a unix time")
	}
	sent := time.Unix(seconds, 0)
	now := s.now()
	if sent.After(now.Add(s.hookCfg.FutureSkew)) {
		return pkgerrors.New(pkgerrors.CodeTimestampInvalid, "notification timestamp is in the future")
	}
	if now.Sub(sent) > s.hookCfg.TimestampTolerance {
		return pkgerrors.New(pkgerrors.CodeTimestampExpired, "notification timestamp is outside the accepted window")
	}
	return nil
}

func (s *service) decrypt(ctx context.Context, n Notification) (string, error) {
	plaintext, err := s.gw.DecryptNotification(ctx, n.Ciphertext, n.ResourceNonce, n.AssociatedData)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, err, "notification resource decryption failed")
	}
	var resource decryptedResource
	if err := json.Unmarshal(plaintext, &resource); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "notification resource is not valid json")
	}
	if resource.OutTradeNo == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "notification resource has no transaction reference")
	}
	return resource.OutTradeNo, nil
}

// claimDurable writes the dedup ledger row. It reports false when this
// notification id already reached a terminal outcome. A row still in
// received state means an earlier attempt died mid-flight, so processing
// continues; phase 2 is conditional and cannot double-apply.
func (s *service) claimDurable(ctx context.Context, notificationID, outTradeNo string) (bool, error) {
	err := s.repo.InsertWebhookEvent(ctx, &models.WebhookEvent{
		NotificationID: notificationID,
		OutTradeNo:     outTradeNo,
		Status:         enums.WebhookEventStatusReceived,
	})
	if err == nil {
		return true, nil
	}
	if !db.IsUniqueViolation(err, "") {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record notification delivery")
	}

	existing, err := s.repo.FindWebhookEvent(ctx, notificationID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load notification ledger row")
	}
	if existing.Status == enums.WebhookEventStatusReceived {
		return true, nil
	}
	s.logg.Info(ctx, "notification already handled, acking duplicate")
	return false, nil
}

// reconcile is phases 1 and 2. Phase 1 runs outside any transaction because
// it holds a remote call; phase 2 is the single short conditional write.
func (s *service) reconcile(ctx context.Context, notificationID, outTradeNo string) error {
	record, err := s.repo.FindRecord(ctx, outTradeNo)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logg.Warn(ctx, "notification references unknown transaction")
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment record")
	}
	if record.Status != enums.PaymentStatusPending {
		s.logg.Info(ctx, "payment record already finalized, acking duplicate")
		return nil
	}

	status, err := s.queryGateway(ctx, outTradeNo)
	if err != nil {
		var notFound *gateway.ErrNotFound
		if errors.As(err, &notFound) {
			s.logg.Warn(ctx, "gateway has no record of notified transaction")
			if _, markErr := s.repo.MarkRecordFailed(ctx, outTradeNo); markErr != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, markErr, "mark payment record failed")
			}
			return pkgerrors.New(pkgerrors.CodeValidation, "notified transaction unknown to gateway")
		}
		return pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, err, "gateway status query failed")
	}

	if status.TradeState.InProgress() {
		return pkgerrors.New(pkgerrors.CodeGatewayTransient, "payment still in progress at gateway")
	}
	if status.TradeState != gateway.TradeStateSuccess {
		if _, err := s.repo.MarkRecordFailed(ctx, outTradeNo); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment record failed")
		}
		s.logg.Info(s.logg.WithField(ctx, "trade_state", string(status.TradeState)),
			"payment terminally failed at gateway")
		return nil
	}

	if err := s.crossCheck(ctx, record, status); err != nil {
		return err
	}
	return s.settle(ctx, record, status)
}

func (s *service) queryGateway(ctx context.Context, outTradeNo string) (*gateway.TransactionStatus, error) {
	var status *gateway.TransactionStatus
	backoff := retry.WithMaxRetries(s.payCfg.QueryRetries, retry.NewExponential(s.payCfg.QueryRetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, err := s.gw.QueryStatus(ctx, outTradeNo)
		if err != nil {
			var notFound *gateway.ErrNotFound
			if errors.As(err, &notFound) {
				return err
			}
			return retry.RetryableError(err)
		}
		status = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// crossCheck rejects settlements whose queried identity or amount disagrees
// with what this system asked the gateway to charge.
func (s *service) crossCheck(ctx context.Context, record *models.PaymentRecord, status *gateway.TransactionStatus) error {
	if status.MerchantID != s.payCfg.MerchantID || status.AppID != s.payCfg.AppID || status.AmountCents != record.AmountCents {
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"queried_amount": status.AmountCents,
			"stored_amount":  record.AmountCents,
		}), "queried transaction does not match stored payment record")
		if _, err := s.repo.MarkRecordFailed(ctx, record.OutTradeNo); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment record failed")
		}
		return pkgerrors.New(pkgerrors.CodeValidation, "transaction identity or amount mismatch")
	}
	return nil
}

// settle is phase 2: one transaction, one conditional order flip. Losing the
// conditional update means the order was cancelled while the money arrived,
// which routes the record to the refund worklist instead of erroring.
func (s *service) settle(ctx context.Context, record *models.PaymentRecord, status *gateway.TransactionStatus) error {
	err := s.runner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		ordersRepo := s.ordersRepo.WithTx(tx)

		current, err := repo.FindRecord(ctx, record.OutTradeNo)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reread payment record")
		}
		if current.Status != enums.PaymentStatusPending {
			s.logg.Info(ctx, "concurrent delivery finalized the record first")
			return nil
		}

		now := s.now()
		rows, err := ordersRepo.UpdateStatusIf(ctx, current.OrderID,
			enums.OrderStatusPendingPayment, enums.OrderStatusPendingPickup,
			map[string]any{"paid_at": now})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "confirm order payment")
		}

		if rows == 1 {
			if _, err := repo.MarkRecordSuccess(ctx, current.OutTradeNo, status.TransactionID, now); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "finalize payment record")
			}
			if s.metrics != nil {
				s.metrics.IncPaymentSuccess()
			}
			s.logg.Info(s.logg.WithField(ctx, "order_id", current.OrderID.String()),
				"payment confirmed, order awaiting pickup")
			return nil
		}

		// Money arrived for an order that is no longer payable.
		if _, err := repo.MarkRecordRefundRequired(ctx, current.OutTradeNo, status.TransactionID, now); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "flag refund for dead order")
		}
		if s.metrics != nil {
			s.metrics.IncRefundRequired()
		}
		s.logg.Warn(s.logg.WithField(ctx, "order_id", current.OrderID.String()),
			"payment settled for non-payable order, refund required")
		return nil
	})
	return err
}

func (s *service) releaseGuard(ctx context.Context, notificationID string) {
	if err := s.guard.Release(ctx, notificationID); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "failed to release notification dedup key")
	}
}

func (s *service) finalize(ctx context.Context, notificationID string, status enums.WebhookEventStatus) {
	if err := s.repo.FinalizeWebhookEvent(ctx, notificationID, status); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "failed to finalize notification ledger row")
	}
}

func codeOf(err error) pkgerrors.Code {
	if typed := pkgerrors.As(err); typed != nil {
		return typed.Code()
	}
	return pkgerrors.CodeInternal
}

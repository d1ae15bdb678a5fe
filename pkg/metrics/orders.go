package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics records counters for the order/payment pipeline. A nil receiver
// or an unregistered instance is safe to call, mirroring how jobs treat their
// metrics as optional.
type OrderMetrics struct {
	ordersCreated        prometheus.Counter
	txRetries            prometheus.Counter
	paymentSuccess       prometheus.Counter
	refundRequired       prometheus.Counter
	amountMismatch       prometheus.Counter
	pickupCodeCollisions prometheus.Counter
}

// NewOrderMetrics registers the pipeline metrics on the provided registerer.
func NewOrderMetrics(reg prometheus.Registerer) *OrderMetrics {
	if reg == nil {
		return &OrderMetrics{}
	}
	ordersCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Orders successfully created with reserved inventory.",
	})
	txRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tx_retries_total",
		Help: "Transaction attempts retried after a retryable database error.",
	})
	paymentSuccess := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_success_total",
		Help: "Payment notifications confirmed and applied exactly once.",
	})
	refundRequired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_refund_required_total",
		Help: "Payments confirmed after their order was cancelled; need refund follow-up.",
	})
	amountMismatch := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_amount_mismatch_total",
		Help: "Stored/recomputed order total mismatches. Any increase pages on-call.",
	})
	pickupCodeCollisions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pickup_code_collisions_total",
		Help: "Pickup code generation attempts lost to a uniqueness collision.",
	})
	reg.MustRegister(ordersCreated, txRetries, paymentSuccess, refundRequired, amountMismatch, pickupCodeCollisions)
	return &OrderMetrics{
		ordersCreated:        ordersCreated,
		txRetries:            txRetries,
		paymentSuccess:       paymentSuccess,
		refundRequired:       refundRequired,
		amountMismatch:       amountMismatch,
		pickupCodeCollisions: pickupCodeCollisions,
	}
}

// IncOrdersCreated counts one successfully created order.
func (m *OrderMetrics) IncOrdersCreated() {
	if m == nil || m.ordersCreated == nil {
		return
	}
	m.ordersCreated.Inc()
}

// IncTxRetry counts one retried transaction attempt (not final failures).
func (m *OrderMetrics) IncTxRetry() {
	if m == nil || m.txRetries == nil {
		return
	}
	m.txRetries.Inc()
}

// IncPaymentSuccess counts one applied payment confirmation.
func (m *OrderMetrics) IncPaymentSuccess() {
	if m == nil || m.paymentSuccess == nil {
		return
	}
	m.paymentSuccess.Inc()
}

// IncRefundRequired counts one race-loss payment needing refund follow-up.
func (m *OrderMetrics) IncRefundRequired() {
	if m == nil || m.refundRequired == nil {
		return
	}
	m.refundRequired.Inc()
}

// IncAmountMismatch counts one fatal integrity mismatch.
func (m *OrderMetrics) IncAmountMismatch() {
	if m == nil || m.amountMismatch == nil {
		return
	}
	m.amountMismatch.Inc()
}

// IncPickupCodeCollision counts one pickup-code uniqueness collision.
func (m *OrderMetrics) IncPickupCodeCollision() {
	if m == nil || m.pickupCodeCollisions == nil {
		return
	}
	m.pickupCodeCollisions.Inc()
}

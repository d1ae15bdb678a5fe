package gateway

import (
	"context"
	"time"
)

// TradeState is the gateway's authoritative view of a transaction.
type TradeState string

const (
	TradeStateSuccess    TradeState = "SUCCESS"
	TradeStateNotPay     TradeState = "NOTPAY"
	TradeStateUserPaying TradeState = "USERPAYING"
	TradeStatePayError   TradeState = "PAYERROR"
	TradeStateClosed     TradeState = "CLOSED"
	TradeStateRevoked    TradeState = "REVOKED"
	TradeStateRefund     TradeState = "REFUND"
)

// InProgress reports whether the gateway may still settle this transaction,
// i.e. the notification should be redelivered later rather than failed now.
func (s TradeState) InProgress() bool {
	return s == TradeStateNotPay || s == TradeStateUserPaying
}

// CreateOrderRequest asks the gateway to open a transaction for collection.
type CreateOrderRequest struct {
	OutTradeNo  string
	AmountCents int64
	Description string
	ExpireAt    time.Time
}

// PrepayHandle is the gateway's reference a client needs to start paying.
type PrepayHandle struct {
	PrepayID string
}

// TransactionStatus is the result of an active status query. The processor
// trusts these fields, never the notification body.
type TransactionStatus struct {
	OutTradeNo    string
	TransactionID string
	TradeState    TradeState
	AmountCents   int64
	PayerID       string
	MerchantID    string
	AppID         string
}

// VerifyRequest carries the signed material of an inbound notification.
type VerifyRequest struct {
	Timestamp string
	Nonce     string
	Body      []byte
	Signature string
	Serial    string
}

// RefundRequest asks the gateway to return funds for a settled transaction.
type RefundRequest struct {
	OutTradeNo  string
	AmountCents int64
	Reason      string
}

// RefundStatus reports the gateway's acceptance of a refund request.
type RefundStatus struct {
	RefundID string
	Accepted bool
}

// ClientPayload is what the API hands to the buyer's app to invoke payment:
// the opaque package string plus the client-side signature over it.
type ClientPayload struct {
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Package   string `json:"package"`
	SignType  string `json:"sign_type"`
	Signature string `json:"signature"`
}

// Client is the payment gateway adapter. Every method is a possibly-failing
// remote call; the cryptographic primitives behind VerifySignature,
// DecryptNotification and Sign are the gateway SDK's concern, not reimplemented
// here.
type Client interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*PrepayHandle, error)
	QueryStatus(ctx context.Context, outTradeNo string) (*TransactionStatus, error)
	VerifySignature(ctx context.Context, req VerifyRequest) error
	DecryptNotification(ctx context.Context, ciphertext, nonce, associatedData string) ([]byte, error)
	Sign(ctx context.Context, message string) (string, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundStatus, error)
}

// ErrNotFound is returned by QueryStatus implementations when the gateway has
// no record of the transaction. Treated as a permanent query failure.
type ErrNotFound struct {
	OutTradeNo string
}

func (e *ErrNotFound) Error() string {
	return "gateway has no transaction " + e.OutTradeNo
}

package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/bookyardhq/bookyard-backend/internal/payments/notify"
	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
	"github.com/bookyardhq/bookyard-backend/pkg/logger"
)

// Identity and signature material ride in headers; the body stays raw for
// signature verification before any field of it is trusted.
const (
	timestampHeader = "X-Gateway-Timestamp"
	nonceHeader     = "X-Gateway-Nonce"
	signatureHeader = "X-Gateway-Signature"
	serialHeader    = "X-Gateway-Serial"
)

type notificationEnvelope struct {
	ID       string `json:"id"`
	Resource struct {
		Ciphertext     string `json:"ciphertext"`
		Nonce          string `json:"nonce"`
		AssociatedData string `json:"associated_data"`
	} `json:"resource"`
}

type notifyService interface {
	Process(ctx context.Context, n notify.Notification) error
}

type ackBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PaymentNotification receives gateway deliveries. Whatever the processor
// decides, the response is always the fixed {code,message} ack the gateway
// expects; the classifier alone chooses the status and whether redelivery is
// requested.
func PaymentNotification(svc notifyService, strict bool, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var processErr error
		if svc == nil {
			processErr = pkgerrors.New(pkgerrors.CodeDependency, "notification processor unavailable")
		} else {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				processErr = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read notification body")
			} else {
				var envelope notificationEnvelope
				if err := json.Unmarshal(body, &envelope); err != nil {
					processErr = pkgerrors.Wrap(pkgerrors.CodeValidation, err, "notification envelope is not valid json")
				} else {
					processErr = svc.Process(ctx, notify.Notification{
						ID:             envelope.ID,
						Timestamp:      r.Header.Get(timestampHeader),
						Nonce:          r.Header.Get(nonceHeader),
						Signature:      r.Header.Get(signatureHeader),
						Serial:         r.Header.Get(serialHeader),
						Body:           body,
						Ciphertext:     envelope.Resource.Ciphertext,
						ResourceNonce:  envelope.Resource.Nonce,
						AssociatedData: envelope.Resource.AssociatedData,
					})
				}
			}
		}

		ack := notify.Classify(processErr, strict)
		logAck(ctx, logg, ack, processErr)
		writeAck(w, ack)
	}
}

func logAck(ctx context.Context, logg *logger.Logger, ack notify.Ack, err error) {
	if logg == nil {
		return
	}
	ctx = logg.WithFields(ctx, map[string]any{
		"ack_status": ack.HTTPStatus,
		"ack_code":   ack.Code,
		"ack_retry":  ack.Retry,
	})
	switch ack.Severity {
	case notify.SeverityError:
		logg.Error(ctx, "notification processing error", err)
	case notify.SeverityWarn:
		if err != nil {
			ctx = logg.WithField(ctx, "error", err.Error())
		}
		logg.Warn(ctx, "notification not settled")
	default:
		logg.Info(ctx, "notification acknowledged")
	}
}

func writeAck(w http.ResponseWriter, ack notify.Ack) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ack.HTTPStatus)
	if err := json.NewEncoder(w).Encode(ackBody{Code: ack.Code, Message: ack.Message}); err != nil {
		log.Printf(`{"level":"error","msg":"failed to encode ack","err":"%v"}`, err)
	}
}

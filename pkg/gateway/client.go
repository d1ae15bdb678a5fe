package gateway

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bookyardhq/bookyard-backend/pkg/config"
)

// HTTPClient talks to the gateway's merchant REST API. Request bodies are
// signed with the merchant's shared secret; notification resources arrive
// AES-256-GCM sealed under the API key.
type HTTPClient struct {
	base    string
	cfg     config.PaymentConfig
	httpc   *http.Client
	aead    cipher.AEAD
	hmacKey []byte
}

// NewHTTPClient builds the gateway client from the merchant credentials.
func NewHTTPClient(cfg config.PaymentConfig) (*HTTPClient, error) {
	if cfg.GatewayBaseURL == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	if cfg.APISecret == "" {
		return nil, fmt.Errorf("gateway api secret is required")
	}
	block, err := aes.NewCipher([]byte(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gateway api key is not a valid aes key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		base:    cfg.GatewayBaseURL,
		cfg:     cfg,
		httpc:   &http.Client{Timeout: timeout},
		aead:    aead,
		hmacKey: []byte(cfg.APISecret),
	}, nil
}

type createOrderBody struct {
	AppID       string `json:"appid"`
	MerchantID  string `json:"mchid"`
	OutTradeNo  string `json:"out_trade_no"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
	ExpireAt    string `json:"expire_at"`
}

type createOrderResponse struct {
	PrepayID string `json:"prepay_id"`
}

func (c *HTTPClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*PrepayHandle, error) {
	body := createOrderBody{
		AppID:       c.cfg.AppID,
		MerchantID:  c.cfg.MerchantID,
		OutTradeNo:  req.OutTradeNo,
		AmountCents: req.AmountCents,
		Description: req.Description,
		ExpireAt:    req.ExpireAt.UTC().Format(time.RFC3339),
	}
	var resp createOrderResponse
	if err := c.do(ctx, http.MethodPost, "/v1/transactions", body, &resp); err != nil {
		return nil, err
	}
	if resp.PrepayID == "" {
		return nil, fmt.Errorf("gateway returned no prepay id")
	}
	return &PrepayHandle{PrepayID: resp.PrepayID}, nil
}

type queryStatusResponse struct {
	OutTradeNo    string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
	TradeState    string `json:"trade_state"`
	AmountCents   int64  `json:"amount_cents"`
	PayerID       string `json:"payer_id"`
	MerchantID    string `json:"mchid"`
	AppID         string `json:"appid"`
}

func (c *HTTPClient) QueryStatus(ctx context.Context, outTradeNo string) (*TransactionStatus, error) {
	var resp queryStatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/transactions/"+outTradeNo, nil, &resp)
	if err != nil {
		var httpErr *httpStatusError
		if errors.As(err, &httpErr) && httpErr.status == http.StatusNotFound {
			return nil, &ErrNotFound{OutTradeNo: outTradeNo}
		}
		return nil, err
	}
	return &TransactionStatus{
		OutTradeNo:    resp.OutTradeNo,
		TransactionID: resp.TransactionID,
		TradeState:    TradeState(resp.TradeState),
		AmountCents:   resp.AmountCents,
		PayerID:       resp.PayerID,
		MerchantID:    resp.MerchantID,
		AppID:         resp.AppID,
	}, nil
}

// VerifySignature checks the notification's HMAC over the signed material.
func (c *HTTPClient) VerifySignature(_ context.Context, req VerifyRequest) error {
	message := req.Timestamp + "\n" + req.Nonce + "\n" + string(req.Body) + "\n"
	expected := c.hmacSum(message)
	provided, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return fmt.Errorf("signature is not valid base64: %w", err)
	}
	if !hmac.Equal(expected, provided) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// DecryptNotification opens the sealed notification resource.
func (c *HTTPClient) DecryptNotification(_ context.Context, ciphertext, nonce, associatedData string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("ciphertext is not valid base64: %w", err)
	}
	plaintext, err := c.aead.Open(nil, []byte(nonce), sealed, []byte(associatedData))
	if err != nil {
		return nil, fmt.Errorf("open notification resource: %w", err)
	}
	return plaintext, nil
}

// Sign produces the base64 HMAC the client payload carries.
func (c *HTTPClient) Sign(_ context.Context, message string) (string, error) {
	return base64.StdEncoding.EncodeToString(c.hmacSum(message)), nil
}

type refundBody struct {
	OutTradeNo  string `json:"out_trade_no"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

type refundResponse struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

func (c *HTTPClient) CreateRefund(ctx context.Context, req RefundRequest) (*RefundStatus, error) {
	body := refundBody{
		OutTradeNo:  req.OutTradeNo,
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
	}
	var resp refundResponse
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", body, &resp); err != nil {
		return nil, err
	}
	return &RefundStatus{
		RefundID: resp.RefundID,
		Accepted: resp.Status == "ACCEPTED",
	}, nil
}

func (c *HTTPClient) hmacSum(message string) []byte {
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	signature := base64.StdEncoding.EncodeToString(c.hmacSum(method + "\n" + path + "\n" + timestamp + "\n" + string(payload) + "\n"))
	req.Header.Set("Authorization", fmt.Sprintf("MERCHANT mchid=%q,timestamp=%q,signature=%q", c.cfg.MerchantID, timestamp, signature))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &httpStatusError{status: resp.StatusCode, body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.status, e.body)
}

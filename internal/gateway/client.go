// Package gateway integrates with the payment gateway: issuing refunds,
// verifying webhook signatures and decoding the encrypted order reference
// carried in event metadata.
package gateway

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

var (
	// ErrInvalidSignature is returned when the webhook signature does not
	// match the payload.
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")
	// ErrMetadataIntegrity is returned when the encrypted order reference
	// fails to decrypt. The event must not be processed.
	ErrMetadataIntegrity = errors.New("gateway: metadata integrity failure")
	// ErrRefundRejected is returned when the gateway refuses a refund call.
	ErrRefundRejected = errors.New("gateway: refund rejected")
)

// SignatureHeader carries the HMAC-SHA256 signature of the raw webhook body.
const SignatureHeader = "X-Gateway-Signature"

// WebhookEvent is the gateway's wire payload. Reference is an opaque
// encrypted blob that decodes to the internal order identifier.
type WebhookEvent struct {
	Type          string `json:"type"`
	TransactionID string `json:"transactionId"`
	AmountCents   int64  `json:"amountCents"`
	Reference     string `json:"reference"`
}

// EventPaymentConfirmed is the only event type with business effects;
// everything else is acknowledged and ignored.
const EventPaymentConfirmed = "payment.confirmed"

// Client talks to the payment gateway.
type Client struct {
	baseURL       string
	webhookSecret []byte
	encryptionKey []byte
	httpClient    *http.Client
}

// NewClient builds the gateway client. encryptionKeyHex must decode to a
// 32-byte AES-256 key.
func NewClient(baseURL, webhookSecret, encryptionKeyHex string) (*Client, error) {
	key, err := hex.DecodeString(encryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	rc.HTTPClient.Timeout = 10 * time.Second

	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		webhookSecret: []byte(webhookSecret),
		encryptionKey: key,
		httpClient:    rc.StandardClient(),
	}, nil
}

type refundRequest struct {
	TransactionID  string `json:"transactionId"`
	AmountCents    int64  `json:"amountCents"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Refund asks the gateway to return amountCents of the captured
// transaction. The idempotency key shields against duplicated delivery of
// the same refund call.
func (c *Client) Refund(ctx context.Context, transactionID string, amountCents int64) error {
	if transactionID == "" {
		return fmt.Errorf("refund: empty transaction id")
	}
	if amountCents <= 0 {
		return fmt.Errorf("refund: non-positive amount %d", amountCents)
	}

	body, err := json.Marshal(refundRequest{
		TransactionID:  transactionID,
		AmountCents:    amountCents,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("encode refund request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/refunds", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create refund request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do refund request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status %d", ErrRefundRejected, resp.StatusCode)
	}
	return nil
}

// VerifySignature checks the HMAC-SHA256 signature of the raw webhook body
// in constant time. Signature verification is mandatory before any business
// logic runs.
func (c *Client) VerifySignature(body []byte, signature string) error {
	mac := hmac.New(sha256.New, c.webhookSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return ErrInvalidSignature
	}
	return nil
}

// DecodeOrderReference decrypts the opaque reference into the internal
// order id. Any integrity failure yields ErrMetadataIntegrity.
func (c *Client) DecodeOrderReference(reference string) (int64, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(reference))
	if err != nil {
		return 0, ErrMetadataIntegrity
	}

	gcm, err := c.aead()
	if err != nil {
		return 0, err
	}
	if len(raw) < gcm.NonceSize() {
		return 0, ErrMetadataIntegrity
	}

	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return 0, ErrMetadataIntegrity
	}

	orderID, err := strconv.ParseInt(string(plain), 10, 64)
	if err != nil || orderID <= 0 {
		return 0, ErrMetadataIntegrity
	}
	return orderID, nil
}

// EncodeOrderReference produces the encrypted reference attached to charge
// metadata when the payment is created, the counterpart of
// DecodeOrderReference.
func (c *Client) EncodeOrderReference(orderID int64) (string, error) {
	gcm, err := c.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	plain := []byte(strconv.FormatInt(orderID, 10))
	sealed := gcm.Seal(nonce, nonce, plain, nil)
	return hex.EncodeToString(sealed), nil
}

func (c *Client) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

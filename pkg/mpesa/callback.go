package mpesa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the normalized final state of an STK push.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ResultCodeCancelledByUser is sent when the customer dismisses the STK prompt.
const ResultCodeCancelledByUser = 1032

// Query parameters appended to the callback URL to tie a notification to its attempt.
const (
	CallbackRefParam   = "ref"
	CallbackTokenParam = "token"
)

// ErrInvalidCallback is returned for callback bodies that are not STK results.
var ErrInvalidCallback = errors.New("invalid stk callback payload")

// Acknowledgement is the body Daraja expects in reply to every callback.
type Acknowledgement struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Accepted is the acknowledgement sent regardless of how the callback was processed.
var Accepted = Acknowledgement{ResultCode: 0, ResultDesc: "Accepted"}

// OutcomeForResultCode maps a Daraja result code onto an Outcome.
func OutcomeForResultCode(code int) Outcome {
	switch code {
	case 0:
		return OutcomeSucceeded
	case ResultCodeCancelledByUser:
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value,omitempty"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// CallbackResult is a parsed STK push callback.
type CallbackResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Outcome           Outcome
	// Amount is only reported for successful payments.
	Amount          decimal.Decimal
	AmountReported  bool
	ReceiptNumber   string
	Phone           string
	TransactionDate *time.Time
}

// ParseCallback decodes an STK push callback body.
func ParseCallback(body []byte) (*CallbackResult, error) {
	var envelope callbackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	cb := envelope.Body.StkCallback
	if cb == nil || strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return nil, ErrInvalidCallback
	}

	result := &CallbackResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		Outcome:           OutcomeForResultCode(cb.ResultCode),
	}

	for _, item := range cb.CallbackMetadata.Item {
		raw := metadataString(item.Value)
		if raw == "" {
			continue
		}
		switch item.Name {
		case "Amount":
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: bad amount %q", ErrInvalidCallback, raw)
			}
			result.Amount = amount
			result.AmountReported = true
		case "MpesaReceiptNumber":
			result.ReceiptNumber = raw
		case "PhoneNumber":
			result.Phone = raw
		case "TransactionDate":
			if ts, err := time.ParseInLocation(timestampLayout, raw, eastAfricaTime); err == nil {
				result.TransactionDate = &ts
			}
		}
	}

	return result, nil
}

// metadataString renders a metadata value that may arrive as a JSON number or string.
func metadataString(raw json.RawMessage) string {
	value := strings.TrimSpace(string(raw))
	if value == "" || value == "null" {
		return ""
	}
	if strings.HasPrefix(value, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return value
}

// CallbackURLFor returns the configured callback URL tagged with the correlation id
// and, when a secret is configured, its signature.
func (c *Client) CallbackURLFor(correlationID string) (string, error) {
	base := strings.TrimSpace(c.cfg.CallbackURL)
	if base == "" {
		return "", errors.New("callback url is not configured")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid callback url: %w", err)
	}
	q := u.Query()
	q.Set(CallbackRefParam, correlationID)
	if c.cfg.CallbackSecret != "" {
		q.Set(CallbackTokenParam, SignCorrelation(c.cfg.CallbackSecret, correlationID))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SignCorrelation returns hex(HMAC-SHA256(secret, correlationID)).
func SignCorrelation(secret, correlationID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(correlationID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCorrelation checks a callback token against the correlation id it claims.
func VerifyCorrelation(secret, correlationID, token string) bool {
	if correlationID == "" || token == "" {
		return false
	}
	expected := SignCorrelation(secret, correlationID)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(token))))
}

/**
 * @description
 * This package provides a client for the Safaricom M-Pesa Daraja API. It covers the
 * Lipa Na M-Pesa Online (STK push) flow used to collect contributions: OAuth token
 * management, push initiation, status queries and callback parsing.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, time: Standard Go libraries.
 * - go.uber.org/zap: Structured logging.
 */
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrGatewayRejected means the provider declined the request. Retrying the same
	// request will not help.
	ErrGatewayRejected = errors.New("payment gateway rejected the request")
	// ErrGatewayUnavailable means the provider could not be reached or did not answer in time.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrPaymentPending is returned by QueryPayment while the provider is still processing.
	ErrPaymentPending = errors.New("payment is still being processed")
)

const (
	defaultTimeout         = 45 * time.Second
	defaultTransactionType = "CustomerPayBillOnline"
	tokenExpiryMargin      = time.Minute
	timestampLayout        = "20060102150405"

	maxAccountReferenceLen = 12
	maxDescriptionLen      = 13

	// Daraja reports "The transaction is being processed" with this error code.
	processingErrorCode = "500.001.1001"
)

// Safaricom stamps requests and callbacks in East Africa Time.
var eastAfricaTime = time.FixedZone("EAT", 3*60*60)

// Config holds the Daraja credentials and callback settings.
type Config struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	PassKey         string
	TransactionType string
	CallbackURL     string
	CallbackSecret  string
	Timeout         time.Duration
}

// Client is a client for the Daraja API.
type Client struct {
	cfg        Config
	HTTPClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a new Daraja API client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if strings.TrimSpace(cfg.TransactionType) == "" {
		cfg.TransactionType = defaultTransactionType
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		HTTPClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With(zap.String("component", "mpesa_client")),
		now:    time.Now,
	}
}

// PaymentRequest describes a push payment to collect from a contributor.
type PaymentRequest struct {
	Phone                  string
	Amount                 int64
	BeneficiaryDestination string
	CorrelationID          string
	AccountReference       string
	Description            string
}

// PaymentResponse is the provider's synchronous answer to an STK push.
type PaymentResponse struct {
	Accepted            bool   `json:"accepted"`
	MerchantRequestID   string `json:"merchant_request_id"`
	CheckoutRequestID   string `json:"checkout_request_id"`
	ResponseDescription string `json:"response_description"`
	CustomerMessage     string `json:"customer_message"`
}

// ProviderReference returns the identifier the provider uses for this push.
func (r *PaymentResponse) ProviderReference() string {
	return r.CheckoutRequestID
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// ErrorResponse represents an error body from the Daraja API.
type ErrorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// GatewayError wraps a failed provider call. It matches ErrGatewayRejected or
// ErrGatewayUnavailable with errors.Is.
type GatewayError struct {
	Kind       error
	Operation  string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Operation != "" {
		b.WriteString(" (" + e.Operation + ")")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *GatewayError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func rejected(op string, status int, code, message string) *GatewayError {
	return &GatewayError{Kind: ErrGatewayRejected, Operation: op, StatusCode: status, Code: code, Message: message}
}

func unavailable(op string, status int, err error) *GatewayError {
	return &GatewayError{Kind: ErrGatewayUnavailable, Operation: op, StatusCode: status, Err: err}
}

// InitiatePayment sends an STK push prompting the contributor to approve the payment.
// It returns as soon as the provider accepts the request; the outcome arrives on the callback.
func (c *Client) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentResponse, error) {
	const op = "stk_push"

	if req.Amount <= 0 {
		return nil, rejected(op, 0, "", "amount must be positive")
	}
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, rejected(op, 0, "", err.Error())
	}
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		return nil, rejected(op, 0, "", "correlation id is required")
	}

	callbackURL, err := c.CallbackURLFor(correlationID)
	if err != nil {
		return nil, rejected(op, 0, "", err.Error())
	}

	timestamp := c.now().In(eastAfricaTime).Format(timestampLayout)
	partyB := strings.TrimSpace(req.BeneficiaryDestination)
	if partyB == "" || !isDigits(partyB) {
		partyB = c.cfg.ShortCode
	}
	accountReference := req.AccountReference
	if strings.TrimSpace(accountReference) == "" {
		accountReference = correlationID
	}
	description := req.Description
	if strings.TrimSpace(description) == "" {
		description = "Contribution"
	}

	payload := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   c.cfg.TransactionType,
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            partyB,
		PhoneNumber:       phone,
		CallBackURL:       callbackURL,
		AccountReference:  truncate(accountReference, maxAccountReferenceLen),
		TransactionDesc:   truncate(description, maxDescriptionLen),
	}

	var resp stkPushResponse
	if err := c.post(ctx, op, "/mpesa/stkpush/v1/processrequest", payload, &resp); err != nil {
		return nil, err
	}

	if strings.TrimSpace(resp.ResponseCode) != "0" {
		c.logger.Warn("stk push declined",
			zap.String("correlation_id", correlationID),
			zap.String("response_code", resp.ResponseCode),
			zap.String("description", resp.ResponseDescription),
		)
		return nil, rejected(op, http.StatusOK, resp.ResponseCode, resp.ResponseDescription)
	}

	c.logger.Info("stk push accepted",
		zap.String("correlation_id", correlationID),
		zap.String("checkout_request_id", resp.CheckoutRequestID),
	)

	return &PaymentResponse{
		Accepted:            true,
		MerchantRequestID:   resp.MerchantRequestID,
		CheckoutRequestID:   resp.CheckoutRequestID,
		ResponseDescription: resp.ResponseDescription,
		CustomerMessage:     resp.CustomerMessage,
	}, nil
}

// QueryResult is the final state of an STK push reported by the query API.
type QueryResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Outcome           Outcome
}

// QueryPayment asks the provider for the status of an STK push. It returns
// ErrPaymentPending while the provider has no final result.
func (c *Client) QueryPayment(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	const op = "stk_query"

	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if checkoutRequestID == "" {
		return nil, rejected(op, 0, "", "checkout request id is required")
	}

	timestamp := c.now().In(eastAfricaTime).Format(timestampLayout)
	payload := stkQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp stkQueryResponse
	if err := c.post(ctx, op, "/mpesa/stkpushquery/v1/query", payload, &resp); err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Code == processingErrorCode {
			return nil, ErrPaymentPending
		}
		return nil, err
	}

	if strings.TrimSpace(resp.ResponseCode) != "0" {
		return nil, rejected(op, http.StatusOK, resp.ResponseCode, resp.ResponseDescription)
	}

	resultCode, err := strconv.Atoi(strings.TrimSpace(resp.ResultCode))
	if err != nil {
		return nil, fmt.Errorf("unexpected stk query result code %q: %w", resp.ResultCode, err)
	}

	return &QueryResult{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		ResultCode:        resultCode,
		ResultDesc:        resp.ResultDesc,
		Outcome:           OutcomeForResultCode(resultCode),
	}, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload interface{}, out interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.logger.Warn("provider request failed", zap.String("op", op), zap.Error(err))
		return unavailable(op, 0, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return unavailable(op, resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		_ = json.Unmarshal(bodyBytes, &errResp)
		c.logger.Warn("provider returned non-2xx",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("error_code", errResp.ErrorCode),
			zap.String("error_message", errResp.ErrorMessage),
		)
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateToken()
		}
		if resp.StatusCode >= 500 {
			gwErr := unavailable(op, resp.StatusCode, nil)
			gwErr.Code = errResp.ErrorCode
			gwErr.Message = errResp.ErrorMessage
			return gwErr
		}
		return rejected(op, resp.StatusCode, errResp.ErrorCode, errResp.ErrorMessage)
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return unavailable(op, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken returns a cached OAuth token, fetching a new one shortly before expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	const op = "oauth"

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", unavailable(op, 0, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", unavailable(op, resp.StatusCode, err)
	}
	if resp.StatusCode >= 500 {
		return "", unavailable(op, resp.StatusCode, nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		_ = json.Unmarshal(bodyBytes, &errResp)
		c.logger.Error("token request rejected", zap.Int("status", resp.StatusCode), zap.String("error_code", errResp.ErrorCode))
		return "", rejected(op, resp.StatusCode, errResp.ErrorCode, errResp.ErrorMessage)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(bodyBytes, &tokenResp); err != nil || tokenResp.AccessToken == "" {
		return "", unavailable(op, resp.StatusCode, fmt.Errorf("invalid token response"))
	}

	expiresIn, err := strconv.Atoi(strings.TrimSpace(tokenResp.ExpiresIn))
	if err != nil || expiresIn <= 0 {
		expiresIn = 3599
	}
	c.token = tokenResp.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(expiresIn)*time.Second - tokenExpiryMargin)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// password is base64(shortcode + passkey + timestamp), as Daraja requires.
func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.PassKey + timestamp))
}

func truncate(value string, max int) string {
	value = strings.TrimSpace(value)
	if len(value) <= max {
		return value
	}
	return value[:max]
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return value != ""
}

package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type darajaStub struct {
	tokenCalls int32
	pushCalls  int32
	lastPush   stkPushRequest
	pushStatus int
	pushBody   interface{}
	queryBody  interface{}
	queryCode  int
}

func (s *darajaStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{ErrorCode: "400.008.01", ErrorMessage: "Invalid Authentication passed"})
			return
		}
		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok-1", ExpiresIn: "3599"})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.pushCalls, 1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("unexpected authorization header %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&s.lastPush); err != nil {
			t.Errorf("decode push body: %v", err)
		}
		status := s.pushStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(s.pushBody)
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		status := s.queryCode
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(s.queryBody)
	})
	return mux
}

func newTestClient(t *testing.T, stub *darajaStub) *Client {
	t.Helper()
	server := httptest.NewServer(stub.handler(t))
	t.Cleanup(server.Close)

	client := NewClient(Config{
		BaseURL:        server.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		PassKey:        "passkey",
		CallbackURL:    "https://example.com/webhooks/mpesa/stk",
		CallbackSecret: "cb-secret",
	}, zap.NewNop())
	client.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }
	return client
}

func TestInitiatePayment_Accepted(t *testing.T) {
	stub := &darajaStub{pushBody: stkPushResponse{
		MerchantRequestID:   "m-1",
		CheckoutRequestID:   "ws_CO_1",
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
	}}
	client := newTestClient(t, stub)

	resp, err := client.InitiatePayment(context.Background(), PaymentRequest{
		Phone:         "0712345678",
		Amount:        5000,
		CorrelationID: "contribution-123",
	})
	if err != nil {
		t.Fatalf("InitiatePayment returned error: %v", err)
	}
	if !resp.Accepted || resp.ProviderReference() != "ws_CO_1" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	push := stub.lastPush
	if push.PhoneNumber != "254712345678" || push.PartyA != "254712345678" {
		t.Fatalf("expected normalized phone, got %q / %q", push.PhoneNumber, push.PartyA)
	}
	if push.Amount != 5000 {
		t.Fatalf("expected amount 5000, got %d", push.Amount)
	}
	if push.Timestamp != "20240501123000" {
		t.Fatalf("expected timestamp in EAT, got %q", push.Timestamp)
	}
	wantPassword := base64.StdEncoding.EncodeToString([]byte("174379" + "passkey" + "20240501123000"))
	if push.Password != wantPassword {
		t.Fatalf("unexpected password %q", push.Password)
	}
	if push.PartyB != "174379" {
		t.Fatalf("expected PartyB to fall back to short code, got %q", push.PartyB)
	}
	if len(push.AccountReference) > maxAccountReferenceLen {
		t.Fatalf("account reference not truncated: %q", push.AccountReference)
	}

	cbURL, err := url.Parse(push.CallBackURL)
	if err != nil {
		t.Fatalf("invalid callback url: %v", err)
	}
	ref := cbURL.Query().Get(CallbackRefParam)
	if ref != "contribution-123" {
		t.Fatalf("expected correlation id in callback url, got %q", ref)
	}
	if !VerifyCorrelation("cb-secret", ref, cbURL.Query().Get(CallbackTokenParam)) {
		t.Fatal("expected callback token to verify")
	}
}

func TestInitiatePayment_ReusesCachedToken(t *testing.T) {
	stub := &darajaStub{pushBody: stkPushResponse{CheckoutRequestID: "ws_CO_1", ResponseCode: "0"}}
	client := newTestClient(t, stub)

	for i := 0; i < 3; i++ {
		if _, err := client.InitiatePayment(context.Background(), PaymentRequest{Phone: "254712345678", Amount: 10, CorrelationID: "c"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&stub.tokenCalls); got != 1 {
		t.Fatalf("expected a single token request, got %d", got)
	}
}

func TestInitiatePayment_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   interface{}
	}{
		{"non-zero response code", http.StatusOK, stkPushResponse{ResponseCode: "1", ResponseDescription: "Rejected"}},
		{"bad request", http.StatusBadRequest, ErrorResponse{ErrorCode: "400.002.02", ErrorMessage: "Bad Request - Invalid PhoneNumber"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stub := &darajaStub{pushStatus: tc.status, pushBody: tc.body}
			client := newTestClient(t, stub)

			_, err := client.InitiatePayment(context.Background(), PaymentRequest{Phone: "0712345678", Amount: 100, CorrelationID: "c-1"})
			if !errors.Is(err, ErrGatewayRejected) {
				t.Fatalf("expected ErrGatewayRejected, got %v", err)
			}
			if errors.Is(err, ErrGatewayUnavailable) {
				t.Fatal("rejected error must not match ErrGatewayUnavailable")
			}
		})
	}
}

func TestInitiatePayment_InvalidInputRejectedWithoutCallingProvider(t *testing.T) {
	stub := &darajaStub{}
	client := newTestClient(t, stub)

	if _, err := client.InitiatePayment(context.Background(), PaymentRequest{Phone: "12345", Amount: 100, CorrelationID: "c"}); !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected rejection for bad phone, got %v", err)
	}
	if _, err := client.InitiatePayment(context.Background(), PaymentRequest{Phone: "0712345678", Amount: 0, CorrelationID: "c"}); !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected rejection for zero amount, got %v", err)
	}
	if atomic.LoadInt32(&stub.pushCalls) != 0 {
		t.Fatal("provider must not be called for invalid input")
	}
}

func TestInitiatePayment_ServerErrorIsUnavailable(t *testing.T) {
	stub := &darajaStub{pushStatus: http.StatusServiceUnavailable, pushBody: ErrorResponse{ErrorCode: "503.001.01"}}
	client := newTestClient(t, stub)

	_, err := client.InitiatePayment(context.Background(), PaymentRequest{Phone: "0712345678", Amount: 100, CorrelationID: "c"})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestInitiatePayment_TimeoutIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(server.Close)

	client := NewClient(Config{BaseURL: server.URL, CallbackURL: "https://example.com/cb"}, zap.NewNop())
	client.HTTPClient.Timeout = 20 * time.Millisecond

	_, err := client.InitiatePayment(context.Background(), PaymentRequest{Phone: "0712345678", Amount: 100, CorrelationID: "c"})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable on timeout, got %v", err)
	}
}

func TestQueryPayment(t *testing.T) {
	t.Run("final result", func(t *testing.T) {
		stub := &darajaStub{queryBody: stkQueryResponse{ResponseCode: "0", CheckoutRequestID: "ws_CO_1", ResultCode: "1032", ResultDesc: "Request cancelled by user"}}
		client := newTestClient(t, stub)

		result, err := client.QueryPayment(context.Background(), "ws_CO_1")
		if err != nil {
			t.Fatalf("QueryPayment returned error: %v", err)
		}
		if result.Outcome != OutcomeCancelled {
			t.Fatalf("expected cancelled outcome, got %s", result.Outcome)
		}
	})

	t.Run("still processing", func(t *testing.T) {
		stub := &darajaStub{queryCode: http.StatusInternalServerError, queryBody: ErrorResponse{ErrorCode: processingErrorCode, ErrorMessage: "The transaction is being processed"}}
		client := newTestClient(t, stub)

		_, err := client.QueryPayment(context.Background(), "ws_CO_1")
		if !errors.Is(err, ErrPaymentPending) {
			t.Fatalf("expected ErrPaymentPending, got %v", err)
		}
	})
}

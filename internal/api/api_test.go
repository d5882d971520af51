package api

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mshikaki/fundraising-service/internal/app"
	"github.com/mshikaki/fundraising-service/internal/domain"
	"github.com/mshikaki/fundraising-service/internal/store"
	"github.com/mshikaki/fundraising-service/pkg/mpesa"
	"go.uber.org/zap"
)

const (
	testKID            = "test-key"
	testCallbackSecret = "s3cret"
	testOwner          = "user_owner"
)

type gatewayStub struct {
	initiateErr error
}

func (g *gatewayStub) InitiatePayment(ctx context.Context, req mpesa.PaymentRequest) (*mpesa.PaymentResponse, error) {
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	return &mpesa.PaymentResponse{Accepted: true, CheckoutRequestID: "ws_CO_" + req.CorrelationID}, nil
}

func (g *gatewayStub) QueryPayment(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error) {
	return nil, mpesa.ErrPaymentPending
}

type staticKeys map[string]*rsa.PublicKey

func (k staticKeys) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := k[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

type testAPI struct {
	router  *chi.Mux
	service *app.Service
	repo    *store.MemoryRepository
	gateway *gatewayStub
	key     *rsa.PrivateKey
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	repo := store.NewMemoryRepository()
	gateway := &gatewayStub{}
	svc := app.NewService(repo, gateway, nil, nil, zap.NewNop(), app.Options{})
	h := NewHandler(svc, zap.NewNop())
	callback := NewMpesaCallbackHandler(svc, testCallbackSecret, zap.NewNop())
	router := NewRouter(h, callback, staticKeys{testKID: &key.PublicKey}, []string{"http://localhost:3000"})
	return &testAPI{router: router, service: svc, repo: repo, gateway: gateway, key: key}
}

func (a *testAPI) token(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = testKID
	signed, err := tok.SignedString(a.key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func (a *testAPI) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) createEvent(t *testing.T) *domain.Event {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/events", a.token(t, testOwner), domain.CreateEventRequest{
		Title:                  "Wanjiku & Otieno wedding",
		Location:               "Nairobi",
		Category:               domain.CategoryWedding,
		Goal:                   100000,
		BeneficiaryDestination: "174379",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating event, got %d: %s", rec.Code, rec.Body.String())
	}
	var event domain.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &event); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	return &event
}

func contributionBody(amount int64) domain.ContributionRequest {
	return domain.ContributionRequest{ContributorName: "Amina", ContributorPhone: "0712345678", Amount: amount}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "healthy" {
		t.Fatalf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestOwnerRoutesRequireAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/events", "", domain.CreateEventRequest{Title: "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = api.do(t, http.MethodPost, "/events", "not-a-jwt", domain.CreateEventRequest{Title: "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}

	event := api.createEvent(t)
	if event.OwnerID != testOwner {
		t.Fatalf("expected owner from token subject, got %q", event.OwnerID)
	}

	rec = api.do(t, http.MethodPatch, "/events/"+event.ID.String()+"/visibility", api.token(t, "user_other"), domain.UpdateVisibilityRequest{Visible: false})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", rec.Code)
	}
	rec = api.do(t, http.MethodPatch, "/events/"+event.ID.String()+"/visibility", api.token(t, testOwner), domain.UpdateVisibilityRequest{Visible: false})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for owner, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateEventValidationError(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/events", api.token(t, testOwner), domain.CreateEventRequest{
		Title: "Party", Location: "Kisumu", Category: domain.CategoryBirthday, Goal: 0, BeneficiaryDestination: "174379",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["field"] != "goal" {
		t.Fatalf("expected goal field error, got %v", body)
	}
}

func TestRequestContributionStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		gatewayErr error
		body       interface{}
		path       func(event *domain.Event) string
		wantStatus int
		wantState  domain.ContributionStatus
	}{
		{
			name:       "accepted",
			body:       contributionBody(5000),
			wantStatus: http.StatusCreated,
			wantState:  domain.ContributionStatusPending,
		},
		{
			name:       "gateway unavailable",
			gatewayErr: &mpesa.GatewayError{Kind: mpesa.ErrGatewayUnavailable, Operation: "stk_push", Err: errors.New("timeout")},
			body:       contributionBody(5000),
			wantStatus: http.StatusAccepted,
			wantState:  domain.ContributionStatusPending,
		},
		{
			name:       "gateway rejected",
			gatewayErr: &mpesa.GatewayError{Kind: mpesa.ErrGatewayRejected, Operation: "stk_push", Code: "400.002.02"},
			body:       contributionBody(5000),
			wantStatus: http.StatusPaymentRequired,
			wantState:  domain.ContributionStatusFailed,
		},
		{
			name:       "negative amount",
			body:       contributionBody(-50),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       "{",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown event",
			body:       contributionBody(100),
			path:       func(*domain.Event) string { return "/events/" + uuid.NewString() + "/contributions" },
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid event id",
			body:       contributionBody(100),
			path:       func(*domain.Event) string { return "/events/abc/contributions" },
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t)
			event := api.createEvent(t)
			api.gateway.initiateErr = tt.gatewayErr

			path := "/events/" + event.ID.String() + "/contributions"
			if tt.path != nil {
				path = tt.path(event)
			}
			rec := api.do(t, http.MethodPost, path, "", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantState == "" {
				return
			}

			var resp contributionResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Status != tt.wantState {
				t.Fatalf("expected status %s, got %s", tt.wantState, resp.Status)
			}
			if tt.wantStatus == http.StatusAccepted && resp.Warning == "" {
				t.Fatal("expected a retry warning when the gateway is unavailable")
			}
		})
	}
}

func TestRequestContributionDeletedEventConflict(t *testing.T) {
	api := newTestAPI(t)
	event := api.createEvent(t)

	rec := api.do(t, http.MethodDelete, "/events/"+event.ID.String(), api.token(t, testOwner), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 deleting event, got %d", rec.Code)
	}
	rec = api.do(t, http.MethodPost, "/events/"+event.ID.String()+"/contributions", "", contributionBody(100))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for deleted event, got %d", rec.Code)
	}
}

func TestRequestContributionStampsAuthenticatedContributor(t *testing.T) {
	api := newTestAPI(t)
	event := api.createEvent(t)

	rec := api.do(t, http.MethodPost, "/events/"+event.ID.String()+"/contributions", api.token(t, "user_guest"), contributionBody(100))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp contributionResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	stored, err := api.repo.FindContributionByID(context.Background(), uuid.MustParse(resp.ContributionID))
	if err != nil || stored.ContributorUserID == nil || *stored.ContributorUserID != "user_guest" {
		t.Fatalf("expected contributor user id to be stored, got %+v (%v)", stored, err)
	}

	rec = api.do(t, http.MethodPost, "/events/"+event.ID.String()+"/contributions", "garbage", contributionBody(100))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an invalid optional token, got %d", rec.Code)
	}
}

func callbackBody(checkoutRequestID string, resultCode int, amount int64) string {
	if resultCode != 0 {
		return fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-1","CheckoutRequestID":%q,"ResultCode":%d,"ResultDesc":"Request cancelled by user"}}}`, checkoutRequestID, resultCode)
	}
	return fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-1","CheckoutRequestID":%q,"ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":%d},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},{"Name":"TransactionDate","Value":20240519102115},{"Name":"PhoneNumber","Value":254712345678}]}}}}`, checkoutRequestID, amount)
}

func TestMpesaCallbackAlwaysAcknowledges(t *testing.T) {
	api := newTestAPI(t)
	event := api.createEvent(t)
	c, err := api.service.RequestContribution(context.Background(), event.ID, nil, contributionBody(5000))
	if err != nil {
		t.Fatalf("RequestContribution returned error: %v", err)
	}
	ref := c.ID.String()
	checkout := *c.ProviderRequestID
	token := mpesa.SignCorrelation(testCallbackSecret, ref)
	unknownRef := uuid.NewString()

	tests := []struct {
		name       string
		query      string
		body       string
		wantStatus domain.ContributionStatus
	}{
		{"bad token", "?ref=" + ref + "&token=deadbeef", callbackBody(checkout, 0, 5000), domain.ContributionStatusPending},
		{"garbage body", "?ref=" + ref + "&token=" + token, "not json", domain.ContributionStatusPending},
		{"unknown contribution", "?ref=" + unknownRef + "&token=" + mpesa.SignCorrelation(testCallbackSecret, unknownRef), callbackBody("ws_CO_unknown", 0, 10), domain.ContributionStatusPending},
		{"valid", "?ref=" + ref + "&token=" + token, callbackBody(checkout, 0, 5000), domain.ContributionStatusSettled},
		{"redelivery", "?ref=" + ref + "&token=" + token, callbackBody(checkout, 0, 5000), domain.ContributionStatusSettled},
		{"late cancel after settle", "?ref=" + ref + "&token=" + token, callbackBody(checkout, 1032, 0), domain.ContributionStatusSettled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/webhooks/mpesa/stk"+tt.query, "", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			var ack mpesa.Acknowledgement
			if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil || ack != mpesa.Accepted {
				t.Fatalf("expected acknowledgement, got %q", rec.Body.String())
			}

			stored, _ := api.repo.FindContributionByID(context.Background(), c.ID)
			if stored.Status != tt.wantStatus {
				t.Fatalf("expected contribution %s, got %s", tt.wantStatus, stored.Status)
			}
		})
	}

	progress, _ := api.service.GetProgress(context.Background(), event.ID)
	if progress.Raised != 5000 || progress.Percentage != 5 {
		t.Fatalf("expected a single 5000 settlement to count, got %+v", progress)
	}
}

func TestListContributionsAndProgress(t *testing.T) {
	api := newTestAPI(t)
	event := api.createEvent(t)
	c, _ := api.service.RequestContribution(context.Background(), event.ID, nil, contributionBody(20000))
	api.service.HandleSettlement(context.Background(), domain.SettlementEvent{
		CorrelationID: c.ID.String(), Outcome: domain.SettlementSucceeded,
	})

	rec := api.do(t, http.MethodGet, "/events/"+event.ID.String()+"/contributions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list struct {
		Contributions []domain.ContributionView `json:"contributions"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Contributions) != 1 || list.Contributions[0].ContributorPhone != "25********78" {
		t.Fatalf("expected one masked contribution, got %+v", list.Contributions)
	}
	if strings.Contains(rec.Body.String(), "254712345678") {
		t.Fatal("raw phone number leaked in contribution list")
	}

	rec = api.do(t, http.MethodGet, "/events/"+event.ID.String()+"/progress", "", nil)
	var progress domain.Progress
	json.Unmarshal(rec.Body.Bytes(), &progress)
	if progress.Raised != 20000 || progress.Percentage != 20 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func readSSEData(t *testing.T, reader *bufio.Reader) domain.Progress {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			var p domain.Progress
			if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &p); err != nil {
				t.Fatalf("failed to decode progress: %v", err)
			}
			return p
		}
	}
}

func TestProgressStream(t *testing.T) {
	api := newTestAPI(t)
	event := api.createEvent(t)
	c, _ := api.service.RequestContribution(context.Background(), event.ID, nil, contributionBody(5000))

	srv := httptest.NewServer(api.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/"+event.ID.String()+"/progress/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if first := readSSEData(t, reader); first.Raised != 0 {
		t.Fatalf("expected initial progress, got %+v", first)
	}

	if _, err := api.service.HandleSettlement(context.Background(), domain.SettlementEvent{
		CorrelationID: c.ID.String(), Outcome: domain.SettlementSucceeded, Amount: 5000, AmountReported: true,
	}); err != nil {
		t.Fatalf("HandleSettlement returned error: %v", err)
	}
	if next := readSSEData(t, reader); next.Raised != 5000 || next.Percentage != 5 {
		t.Fatalf("expected streamed settlement, got %+v", next)
	}
}

func TestJWKSKeySetCachesKeys(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	var hits int32
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": "k1",
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	defer jwks.Close()

	set := NewJWKSKeySet(jwks.URL)
	for i := 0; i < 3; i++ {
		pub, err := set.PublicKey(context.Background(), "k1")
		if err != nil {
			t.Fatalf("PublicKey returned error: %v", err)
		}
		if pub.N.Cmp(key.N) != 0 || pub.E != key.E {
			t.Fatal("parsed key does not match")
		}
	}
	if _, err := set.PublicKey(context.Background(), "unknown"); err == nil {
		t.Fatal("expected unknown kid to fail")
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected a single JWKS fetch, got %d", n)
	}

	if _, err := NewJWKSKeySet("").PublicKey(context.Background(), "k1"); !errors.Is(err, errAuthNotConfigured) {
		t.Fatalf("expected errAuthNotConfigured, got %v", err)
	}
}

func TestGetEventHidesOwnerDetailsFromPublic(t *testing.T) {
	api := newTestAPI(t)
	event := api.createEvent(t)
	path := "/events/" + event.ID.String()

	tests := []struct {
		name            string
		token           string
		wantOwner       string
		wantDestination string
	}{
		{"anonymous", "", "", "17**79"},
		{"other user", api.token(t, "user_other"), "", "17**79"},
		{"owner", api.token(t, testOwner), testOwner, "174379"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodGet, path, tt.token, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			var body map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode event: %v", err)
			}
			owner, _ := body["owner_id"].(string)
			if owner != tt.wantOwner {
				t.Fatalf("expected owner_id %q, got %q", tt.wantOwner, owner)
			}
			if got := body["beneficiary_destination"]; got != tt.wantDestination {
				t.Fatalf("expected beneficiary_destination %q, got %v", tt.wantDestination, got)
			}
		})
	}
}

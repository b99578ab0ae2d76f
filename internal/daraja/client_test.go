package daraja

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daniwesttech/mpesa-server/internal/config"
	apierrors "github.com/daniwesttech/mpesa-server/internal/errors"
)

// staticTokens satisfies TokenSource with a fixed token and records
// invalidations.
type staticTokens struct {
	token         string
	invalidations int64
}

func (s *staticTokens) GetToken(ctx context.Context) (string, error) {
	return s.token, nil
}

func (s *staticTokens) Invalidate() {
	atomic.AddInt64(&s.invalidations, 1)
}

func testConfig(baseURL string) config.DarajaConfig {
	return config.DarajaConfig{
		BaseURL:     baseURL,
		ShortCode:   "174379",
		Passkey:     "test-passkey",
		CallbackURL: "https://example.com/api/mpesa/callback",
		Timeout:     config.Duration{Duration: 5 * time.Second},
	}
}

// fastRetries keeps test backoff negligible.
func fastRetries() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		Multiplier:      1.0,
	}
}

func acceptedAck() string {
	return `{
		"MerchantRequestID": "29115-34620561-1",
		"CheckoutRequestID": "ws_CO_191220191020363925",
		"ResponseCode": "0",
		"ResponseDescription": "Success. Request accepted for processing",
		"CustomerMessage": "Success. Request accepted for processing"
	}`
}

func TestPush_Accepted(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 15, 9, 26, 0, time.FixedZone("EAT", 3*3600))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mpesa/stkpush/v1/processrequest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("wrong authorization header: %s", r.Header.Get("Authorization"))
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["BusinessShortCode"] != "174379" {
			t.Errorf("wrong short code: %v", payload["BusinessShortCode"])
		}
		if payload["TransactionType"] != "CustomerPayBillOnline" {
			t.Errorf("wrong transaction type: %v", payload["TransactionType"])
		}
		if payload["Timestamp"] != "20260314150926" {
			t.Errorf("wrong timestamp: %v", payload["Timestamp"])
		}
		wantPassword := base64.StdEncoding.EncodeToString([]byte("174379" + "test-passkey" + "20260314150926"))
		if payload["Password"] != wantPassword {
			t.Errorf("wrong password derivation: %v", payload["Password"])
		}

		w.Write([]byte(acceptedAck()))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), &staticTokens{token: "test-token"},
		WithClock(func() time.Time { return fixed }),
	)

	ack, err := client.Push(context.Background(), PushRequest{
		PhoneNumber:      "254712345678",
		Amount:           100,
		AccountReference: "INV-42",
		Description:      "Payment",
	})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if ack.CheckoutRequestID != "ws_CO_191220191020363925" {
		t.Errorf("wrong checkout request id: %s", ack.CheckoutRequestID)
	}
	if !ack.Accepted() {
		t.Error("expected accepted acknowledgment")
	}
}

func TestPush_SynchronousRejectionNotRetried(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Write([]byte(`{
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_1912",
			"ResponseCode": "1",
			"ResponseDescription": "Insufficient balance on the utility account"
		}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), &staticTokens{token: "t"},
		WithRetryConfig(fastRetries()),
	)

	_, err := client.Push(context.Background(), PushRequest{PhoneNumber: "254712345678", Amount: 10, AccountReference: "X"})
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if apierrors.CodeOf(err) != apierrors.ErrCodeGatewayRejected {
		t.Errorf("expected gateway_rejected, got %s", apierrors.CodeOf(err))
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Errorf("rejection must not be retried, got %d attempts", got)
	}
}

func TestPush_AuthRejectionRetriedOnceWithFreshToken(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(acceptedAck()))
	}))
	defer server.Close()

	tokens := &staticTokens{token: "t"}
	client := NewClient(testConfig(server.URL), tokens, WithRetryConfig(fastRetries()))

	ack, err := client.Push(context.Background(), PushRequest{PhoneNumber: "254712345678", Amount: 10, AccountReference: "X"})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !ack.Accepted() {
		t.Error("expected accepted acknowledgment after auth retry")
	}
	if got := atomic.LoadInt64(&tokens.invalidations); got != 1 {
		t.Errorf("expected 1 token invalidation, got %d", got)
	}
}

func TestPush_PersistentAuthRejectionSurfaces(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), &staticTokens{token: "t"}, WithRetryConfig(fastRetries()))

	_, err := client.Push(context.Background(), PushRequest{PhoneNumber: "254712345678", Amount: 10, AccountReference: "X"})
	if err == nil {
		t.Fatal("expected auth error")
	}
	if apierrors.CodeOf(err) != apierrors.ErrCodeAuthError {
		t.Errorf("expected auth_error, got %s", apierrors.CodeOf(err))
	}
	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Errorf("expected exactly 2 attempts (original plus one auth retry), got %d", got)
	}
}

func TestPush_TransportFailureRetriedThenUnavailable(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), &staticTokens{token: "t"}, WithRetryConfig(fastRetries()))

	_, err := client.Push(context.Background(), PushRequest{PhoneNumber: "254712345678", Amount: 10, AccountReference: "X"})
	if err == nil {
		t.Fatal("expected unavailability error")
	}
	if apierrors.CodeOf(err) != apierrors.ErrCodeGatewayUnavailable {
		t.Errorf("expected gateway_unavailable, got %s", apierrors.CodeOf(err))
	}
	if got := atomic.LoadInt64(&hits); got != 3 {
		t.Errorf("expected 3 transport attempts, got %d", got)
	}
}

func TestPush_TransientFailureRecovers(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(acceptedAck()))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), &staticTokens{token: "t"}, WithRetryConfig(fastRetries()))

	ack, err := client.Push(context.Background(), PushRequest{PhoneNumber: "254712345678", Amount: 10, AccountReference: "X"})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !ack.Accepted() {
		t.Error("expected accepted acknowledgment on final attempt")
	}
}

func TestPush_BadRequestUsesGatewayMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"requestId":"1234","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL), &staticTokens{token: "t"}, WithRetryConfig(fastRetries()))

	_, err := client.Push(context.Background(), PushRequest{PhoneNumber: "254712345678", Amount: 10, AccountReference: "X"})
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if apierrors.CodeOf(err) != apierrors.ErrCodeGatewayRejected {
		t.Errorf("expected gateway_rejected, got %s", apierrors.CodeOf(err))
	}
	var classified apierrors.Classified
	if !errors.As(err, &classified) || classified.Message != "Bad Request - Invalid PhoneNumber" {
		t.Errorf("expected gateway error message to surface, got %v", err)
	}
}

func TestCallbackEnvelope_Validate(t *testing.T) {
	valid := `{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_1912",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 100.0},
						{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`

	var envelope CallbackEnvelope
	if err := json.Unmarshal([]byte(valid), &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := envelope.Validate(); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}

	cb := envelope.Body.STKCallback
	if !cb.Succeeded() {
		t.Error("ResultCode 0 must mean success")
	}
	if cb.ReceiptNumber() != "NLJ7RT61SV" {
		t.Errorf("wrong receipt number: %s", cb.ReceiptNumber())
	}

	missingResult := `{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"c"}}}`
	var noResult CallbackEnvelope
	if err := json.Unmarshal([]byte(missingResult), &noResult); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := noResult.Validate(); err == nil {
		t.Error("expected validation failure for missing ResultCode")
	}

	empty := `{"Body":{"stkCallback":{"ResultCode":0}}}`
	var noIDs CallbackEnvelope
	if err := json.Unmarshal([]byte(empty), &noIDs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := noIDs.Validate(); err == nil {
		t.Error("expected validation failure for missing correlation ids")
	}
}

func TestCallback_FailureHasNoMetadata(t *testing.T) {
	payload := `{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_1912",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`

	var envelope CallbackEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := envelope.Validate(); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}

	cb := envelope.Body.STKCallback
	if cb.Succeeded() {
		t.Error("ResultCode 1032 must mean failure")
	}
	if cb.Code() != 1032 {
		t.Errorf("wrong result code: %d", cb.Code())
	}
	if cb.ReceiptNumber() != "" {
		t.Errorf("expected empty receipt number, got %s", cb.ReceiptNumber())
	}
}

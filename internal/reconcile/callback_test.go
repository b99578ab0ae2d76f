package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/daniwesttech/mpesa-server/internal/daraja"
	"github.com/daniwesttech/mpesa-server/internal/storage"
)

func successCallback(checkoutRequestID, receipt string) daraja.CallbackEnvelope {
	payload := `{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "` + checkoutRequestID + `",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 100.0},
						{"Name": "MpesaReceiptNumber", "Value": "` + receipt + `"},
						{"Name": "TransactionDate", "Value": 20260314150926},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`
	var envelope daraja.CallbackEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		panic(err)
	}
	return envelope
}

func failureCallback(checkoutRequestID string, code int) daraja.CallbackEnvelope {
	resultCode := code
	var envelope daraja.CallbackEnvelope
	envelope.Body.STKCallback = daraja.STKCallback{
		MerchantRequestID: "29115-34620561-1",
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        &resultCode,
		ResultDesc:        "Request cancelled by user",
	}
	return envelope
}

func initiatedEngine(t *testing.T, checkoutRequestID string) (*Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	engine := NewEngine(acceptedGateway(checkoutRequestID), store)

	_, err := engine.Initiate(context.Background(), InitiateRequest{
		PhoneNumber:      "254712345678",
		Amount:           100,
		AccountReference: "INV-1",
	})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	return engine, store
}

func TestHandleCallback_SuccessCompletesTransaction(t *testing.T) {
	engine, store := initiatedEngine(t, "ws_CO_1")

	outcome, err := engine.HandleCallback(context.Background(), successCallback("ws_CO_1", "NLJ7RT61SV"))
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Errorf("expected completed, got %s", outcome)
	}

	tx, _, _ := store.FindByCorrelationID(context.Background(), "ws_CO_1")
	if tx.Status != storage.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", tx.Status)
	}
	if tx.MpesaReceiptNumber != "NLJ7RT61SV" {
		t.Errorf("receipt not recorded: %s", tx.MpesaReceiptNumber)
	}
	if tx.ResultCode == nil || *tx.ResultCode != 0 {
		t.Errorf("result code not recorded: %v", tx.ResultCode)
	}
}

func TestHandleCallback_FailureMarksFailed(t *testing.T) {
	engine, store := initiatedEngine(t, "ws_CO_1")

	outcome, err := engine.HandleCallback(context.Background(), failureCallback("ws_CO_1", 1032))
	if err != nil {
		t.Fatalf("HandleCallback failed: %v", err)
	}
	if outcome != OutcomeFailed {
		t.Errorf("expected failed, got %s", outcome)
	}

	tx, _, _ := store.FindByCorrelationID(context.Background(), "ws_CO_1")
	if tx.Status != storage.StatusFailed {
		t.Errorf("expected FAILED, got %s", tx.Status)
	}
	if tx.ResultCode == nil || *tx.ResultCode != 1032 {
		t.Errorf("result code not recorded: %v", tx.ResultCode)
	}
	if tx.MpesaReceiptNumber != "" {
		t.Errorf("failed transaction must have no receipt, got %s", tx.MpesaReceiptNumber)
	}
}

func TestHandleCallback_DuplicateDeliveryDropped(t *testing.T) {
	engine, store := initiatedEngine(t, "ws_CO_1")
	ctx := context.Background()

	if _, err := engine.HandleCallback(ctx, successCallback("ws_CO_1", "NLJ7RT61SV")); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}

	// Redelivery of the same verdict
	outcome, err := engine.HandleCallback(ctx, successCallback("ws_CO_1", "NLJ7RT61SV"))
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("expected duplicate, got %s", outcome)
	}

	// Conflicting late delivery must not flip the terminal state
	outcome, err = engine.HandleCallback(ctx, failureCallback("ws_CO_1", 1032))
	if err != nil {
		t.Fatalf("conflicting delivery failed: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("expected duplicate, got %s", outcome)
	}

	tx, _, _ := store.FindByCorrelationID(ctx, "ws_CO_1")
	if tx.Status != storage.StatusCompleted {
		t.Errorf("terminal state flipped to %s", tx.Status)
	}
	if tx.MpesaReceiptNumber != "NLJ7RT61SV" {
		t.Errorf("receipt overwritten: %s", tx.MpesaReceiptNumber)
	}
}

func TestHandleCallback_ConcurrentDeliveriesOneWinner(t *testing.T) {
	engine, _ := initiatedEngine(t, "ws_CO_1")
	ctx := context.Background()

	const deliveries = 20
	var completed, duplicate int64
	var wg sync.WaitGroup

	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := engine.HandleCallback(ctx, successCallback("ws_CO_1", "NLJ7RT61SV"))
			if err != nil {
				t.Errorf("delivery failed: %v", err)
				return
			}
			switch outcome {
			case OutcomeCompleted:
				atomic.AddInt64(&completed, 1)
			case OutcomeDuplicate:
				atomic.AddInt64(&duplicate, 1)
			default:
				t.Errorf("unexpected outcome %s", outcome)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&completed); got != 1 {
		t.Errorf("exactly one delivery must win, got %d", got)
	}
	if got := atomic.LoadInt64(&duplicate); got != deliveries-1 {
		t.Errorf("expected %d duplicates, got %d", deliveries-1, got)
	}
}

func TestHandleCallback_TransientStoreFailureRetried(t *testing.T) {
	engine, store := initiatedEngine(t, "ws_CO_1")

	flaky := &flakyStore{Store: store, transitionFailures: 1}
	engine.store = flaky

	outcome, err := engine.HandleCallback(context.Background(), successCallback("ws_CO_1", "NLJ7RT61SV"))
	if err != nil {
		t.Fatalf("transient store failure must be absorbed, got: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Errorf("expected completed, got %s", outcome)
	}

	tx, _, err := store.FindByCorrelationID(context.Background(), "ws_CO_1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if tx.Status != storage.StatusCompleted {
		t.Errorf("transition lost to store hiccup, status %s", tx.Status)
	}
}

func TestHandleCallback_UnknownCorrelationAcknowledged(t *testing.T) {
	engine := NewEngine(acceptedGateway("ws_CO_other"), storage.NewMemoryStore())

	outcome, err := engine.HandleCallback(context.Background(), successCallback("ws_CO_never_issued", "NLJ7RT61SV"))
	if err != nil {
		t.Fatalf("unknown correlation must not error: %v", err)
	}
	if outcome != OutcomeUnknown {
		t.Errorf("expected unknown, got %s", outcome)
	}
}

func TestHandleCallback_MalformedPayload(t *testing.T) {
	engine := NewEngine(acceptedGateway("ws_CO_1"), storage.NewMemoryStore())

	outcome, err := engine.HandleCallback(context.Background(), daraja.CallbackEnvelope{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if outcome != OutcomeMalformed {
		t.Errorf("expected malformed, got %s", outcome)
	}
}

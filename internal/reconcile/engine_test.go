package reconcile

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/daniwesttech/mpesa-server/internal/daraja"
	apierrors "github.com/daniwesttech/mpesa-server/internal/errors"
	"github.com/daniwesttech/mpesa-server/internal/storage"
)

// fakeGateway scripts push outcomes per test.
type fakeGateway struct {
	ack   daraja.PushAck
	err   error
	calls int64
	last  daraja.PushRequest
}

func (g *fakeGateway) Push(ctx context.Context, req daraja.PushRequest) (daraja.PushAck, error) {
	atomic.AddInt64(&g.calls, 1)
	g.last = req
	if g.err != nil {
		return daraja.PushAck{}, g.err
	}
	return g.ack, nil
}

func acceptedGateway(checkoutRequestID string) *fakeGateway {
	return &fakeGateway{
		ack: daraja.PushAck{
			MerchantRequestID:   "29115-34620561-1",
			CheckoutRequestID:   checkoutRequestID,
			ResponseCode:        "0",
			ResponseDescription: "Success. Request accepted for processing",
			CustomerMessage:     "Success. Request accepted for processing",
		},
	}
}

func TestInitiate_AcceptedCreatesPendingTransaction(t *testing.T) {
	gateway := acceptedGateway("ws_CO_1")
	store := storage.NewMemoryStore()
	engine := NewEngine(gateway, store)

	result, err := engine.Initiate(context.Background(), InitiateRequest{
		PhoneNumber:      "0712345678",
		Amount:           250,
		AccountReference: "INV-42",
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if result.CheckoutRequestID != "ws_CO_1" {
		t.Errorf("wrong checkout request id: %s", result.CheckoutRequestID)
	}
	if result.TransactionID == "" {
		t.Error("expected a transaction id")
	}

	// The pushed MSISDN must be normalized
	if gateway.last.PhoneNumber != "254712345678" {
		t.Errorf("phone not normalized: %s", gateway.last.PhoneNumber)
	}

	tx, found, err := store.FindByCorrelationID(context.Background(), "ws_CO_1")
	if err != nil || !found {
		t.Fatalf("pending transaction not persisted: found=%v err=%v", found, err)
	}
	if tx.Status != storage.StatusPending {
		t.Errorf("expected PENDING, got %s", tx.Status)
	}
	if tx.Amount != 250 {
		t.Errorf("wrong amount: %d", tx.Amount)
	}
}

func TestInitiate_RejectionLeavesNoLedgerRow(t *testing.T) {
	gateway := &fakeGateway{err: apierrors.New(apierrors.ErrCodeGatewayRejected, "Insufficient balance")}
	store := storage.NewMemoryStore()
	engine := NewEngine(gateway, store)

	_, err := engine.Initiate(context.Background(), InitiateRequest{
		PhoneNumber:      "254712345678",
		Amount:           100,
		AccountReference: "INV-1",
	})
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if apierrors.CodeOf(err) != apierrors.ErrCodeGatewayRejected {
		t.Errorf("expected gateway_rejected, got %s", apierrors.CodeOf(err))
	}

	txs, listErr := store.List(context.Background(), 10)
	if listErr != nil {
		t.Fatalf("list failed: %v", listErr)
	}
	if len(txs) != 0 {
		t.Errorf("rejected push must not be persisted, found %d rows", len(txs))
	}
}

func TestInitiate_ValidationRejectsBeforeGateway(t *testing.T) {
	gateway := acceptedGateway("ws_CO_1")
	engine := NewEngine(gateway, storage.NewMemoryStore())

	cases := []struct {
		name string
		req  InitiateRequest
		code apierrors.ErrorCode
	}{
		{"bad phone", InitiateRequest{PhoneNumber: "12345", Amount: 10, AccountReference: "X"}, apierrors.ErrCodeInvalidPhone},
		{"foreign phone", InitiateRequest{PhoneNumber: "+12025550100", Amount: 10, AccountReference: "X"}, apierrors.ErrCodeInvalidPhone},
		{"zero amount", InitiateRequest{PhoneNumber: "254712345678", Amount: 0, AccountReference: "X"}, apierrors.ErrCodeInvalidAmount},
		{"negative amount", InitiateRequest{PhoneNumber: "254712345678", Amount: -5, AccountReference: "X"}, apierrors.ErrCodeInvalidAmount},
		{"missing reference", InitiateRequest{PhoneNumber: "254712345678", Amount: 10}, apierrors.ErrCodeMissingField},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := engine.Initiate(context.Background(), c.req)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if apierrors.CodeOf(err) != c.code {
				t.Errorf("expected %s, got %s", c.code, apierrors.CodeOf(err))
			}
		})
	}

	if got := atomic.LoadInt64(&gateway.calls); got != 0 {
		t.Errorf("invalid requests must not reach the gateway, got %d calls", got)
	}
}

func TestInitiate_CorrelationCollisionIsConflict(t *testing.T) {
	gateway := acceptedGateway("ws_CO_dup")
	store := storage.NewMemoryStore()
	engine := NewEngine(gateway, store)

	req := InitiateRequest{PhoneNumber: "254712345678", Amount: 10, AccountReference: "X"}

	if _, err := engine.Initiate(context.Background(), req); err != nil {
		t.Fatalf("first initiate failed: %v", err)
	}

	_, err := engine.Initiate(context.Background(), req)
	if err == nil {
		t.Fatal("expected conflict on reused checkout request id")
	}
	if apierrors.CodeOf(err) != apierrors.ErrCodeReconciliationConflict {
		t.Errorf("expected reconciliation_conflict, got %s", apierrors.CodeOf(err))
	}
}

// flakyStore wraps a real store and fails the first N ledger writes with a
// persistence error, the way a dropped connection would.
type flakyStore struct {
	storage.Store
	createFailures     int64
	transitionFailures int64
	createCalls        int64
}

func (s *flakyStore) CreatePending(ctx context.Context, tx storage.Transaction) error {
	atomic.AddInt64(&s.createCalls, 1)
	if atomic.AddInt64(&s.createFailures, -1) >= 0 {
		return apierrors.New(apierrors.ErrCodePersistenceError, "connection reset by peer")
	}
	return s.Store.CreatePending(ctx, tx)
}

func (s *flakyStore) TransitionIfPending(ctx context.Context, checkoutRequestID string, status storage.Status, result storage.TerminalResult) (bool, error) {
	if atomic.AddInt64(&s.transitionFailures, -1) >= 0 {
		return false, apierrors.New(apierrors.ErrCodePersistenceError, "connection reset by peer")
	}
	return s.Store.TransitionIfPending(ctx, checkoutRequestID, status, result)
}

func TestInitiate_TransientStoreFailureRetried(t *testing.T) {
	gateway := acceptedGateway("ws_CO_1")
	store := &flakyStore{Store: storage.NewMemoryStore(), createFailures: 1}
	engine := NewEngine(gateway, store)

	result, err := engine.Initiate(context.Background(), InitiateRequest{
		PhoneNumber:      "254712345678",
		Amount:           100,
		AccountReference: "INV-1",
	})
	if err != nil {
		t.Fatalf("transient store failure must be absorbed, got: %v", err)
	}
	if result.CheckoutRequestID != "ws_CO_1" {
		t.Errorf("wrong checkout request id: %s", result.CheckoutRequestID)
	}

	// The phone was prompted once; only the ledger write repeated.
	if got := atomic.LoadInt64(&gateway.calls); got != 1 {
		t.Errorf("expected 1 push, got %d", got)
	}
	if got := atomic.LoadInt64(&store.createCalls); got != 2 {
		t.Errorf("expected 2 write attempts, got %d", got)
	}

	_, found, err := store.FindByCorrelationID(context.Background(), "ws_CO_1")
	if err != nil || !found {
		t.Fatalf("pending transaction not persisted after retry: found=%v err=%v", found, err)
	}
}

func TestInitiate_PersistentStoreFailureSurfaces(t *testing.T) {
	gateway := acceptedGateway("ws_CO_1")
	store := &flakyStore{Store: storage.NewMemoryStore(), createFailures: 100}
	engine := NewEngine(gateway, store)

	_, err := engine.Initiate(context.Background(), InitiateRequest{
		PhoneNumber:      "254712345678",
		Amount:           100,
		AccountReference: "INV-1",
	})
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if apierrors.CodeOf(err) != apierrors.ErrCodePersistenceError {
		t.Errorf("expected persistence_error, got %s", apierrors.CodeOf(err))
	}
	if got := atomic.LoadInt64(&store.createCalls); got != 3 {
		t.Errorf("expected the write to be bounded at 3 attempts, got %d", got)
	}
}

func TestInitiate_DuplicateCorrelationNotRetried(t *testing.T) {
	store := storage.NewMemoryStore()
	counting := &flakyStore{Store: store}
	engine := NewEngine(acceptedGateway("ws_CO_dup"), counting)

	req := InitiateRequest{PhoneNumber: "254712345678", Amount: 10, AccountReference: "X"}
	if _, err := engine.Initiate(context.Background(), req); err != nil {
		t.Fatalf("first initiate failed: %v", err)
	}

	atomic.StoreInt64(&counting.createCalls, 0)
	_, err := engine.Initiate(context.Background(), req)
	if apierrors.CodeOf(err) != apierrors.ErrCodeReconciliationConflict {
		t.Fatalf("expected reconciliation_conflict, got %v", err)
	}
	if got := atomic.LoadInt64(&counting.createCalls); got != 1 {
		t.Errorf("a correlation conflict must not be retried, got %d attempts", got)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"254712345678", "254712345678", true},
		{"0712345678", "254712345678", true},
		{"+254712345678", "254712345678", true},
		{"712345678", "254712345678", true},
		{"0110123456", "254110123456", true},
		{"254110123456", "254110123456", true},
		{"25471234567", "", false},  // too short
		{"2547123456789", "", false}, // too long
		{"254812345678", "", false},  // not a 7xx/1xx range
		{"+12025550100", "", false},
		{"", "", false},
	}

	for _, c := range cases {
		got, err := NormalizePhone(c.in)
		if c.ok && err != nil {
			t.Errorf("NormalizePhone(%q) unexpected error: %v", c.in, err)
			continue
		}
		if !c.ok && err == nil {
			t.Errorf("NormalizePhone(%q) expected error, got %q", c.in, got)
			continue
		}
		if got != c.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

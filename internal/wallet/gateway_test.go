package wallet

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/watchmarket/internal/circuitbreaker"
	"github.com/mbd888/watchmarket/internal/logging"
	"github.com/mbd888/watchmarket/internal/money"
)

func newTestGateway(t *testing.T, h http.HandlerFunc, breaker *circuitbreaker.Breaker) *Gateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	g, err := NewGateway(GatewayConfig{
		BaseURL:     srv.URL,
		APIKey:      "k",
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	}, breaker, logging.Discard())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return g
}

func TestGateway_TransferRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") != "SELLER-PAYMENT:esc_1" {
			t.Errorf("Expected memo as idempotency key, got %q", r.Header.Get("Idempotency-Key"))
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("Expected API key, got %q", r.Header.Get("Authorization"))
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req TransferRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(Receipt{TxHash: "0xfeed", From: req.From, To: req.To, Amount: req.Amount, Memo: req.Memo})
	}, nil)

	r, err := g.Transfer(t.Context(), TransferRequest{From: "ESC", To: "SELLER", Amount: money.FromWhole(9200), Memo: "SELLER-PAYMENT:esc_1"})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if r.TxHash != "0xfeed" || r.Amount != money.FromWhole(9200) {
		t.Errorf("Unexpected receipt %+v", r)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestGateway_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"insufficient_funds","message":"escrow empty"}`))
	}, nil)

	_, err := g.Transfer(t.Context(), TransferRequest{From: "ESC", To: "SELLER", Amount: money.FromWhole(1), Memo: "m"})
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("Expected ErrTransferFailed, got %v", err)
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Code != "insufficient_funds" {
		t.Errorf("Expected decoded gateway error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a single attempt, got %d", calls.Load())
	}
}

func TestGateway_CircuitOpens(t *testing.T) {
	var calls atomic.Int32
	breaker := circuitbreaker.New(2, time.Minute)
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, breaker)

	_, err := g.Transfer(t.Context(), TransferRequest{From: "A", To: "B", Amount: money.FromWhole(1), Memo: "m1"})
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("Expected ErrTransferFailed, got %v", err)
	}
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("Expected the third attempt to hit the open circuit, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls before the circuit opened, got %d", calls.Load())
	}
}

func TestGateway_Convert(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/conversions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		q, _ := Quote(money.FromWhole(1000), Pix())
		q.Reference = "conv-1"
		_ = json.NewEncoder(w).Encode(q)
	}, nil)

	c, err := g.Convert(t.Context(), money.FromWhole(1000), Pix())
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if c.Reference != "conv-1" || c.Fee != money.FromWhole(10) {
		t.Errorf("Unexpected conversion %+v", c)
	}
}

func TestGateway_OpenAccount(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"address":"ESC-9","secret":"s3cret"}`))
	}, nil)

	acct, err := g.OpenAccount(t.Context())
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	if acct.Address != "ESC-9" || acct.Secret != "s3cret" {
		t.Errorf("Unexpected account %+v", acct)
	}
}

func TestInstrument_PassesThrough(t *testing.T) {
	svc := Instrument(NewSimulated(logging.Discard()))
	acct, err := svc.OpenAccount(t.Context())
	if err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	if _, err := svc.Transfer(t.Context(), TransferRequest{From: "EXT", To: acct.Address, Amount: money.FromWhole(5), Memo: "dep"}); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if _, err := svc.Transfer(t.Context(), TransferRequest{From: acct.Address, To: "EXT", Amount: money.FromWhole(6), Memo: "out", Credential: acct.Secret}); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected error to pass through decorator, got %v", err)
	}
}

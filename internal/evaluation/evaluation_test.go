package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/watchmarket/internal/auth"
	"github.com/mbd888/watchmarket/internal/ledger"
	"github.com/mbd888/watchmarket/internal/logging"
	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/registry"
	"github.com/mbd888/watchmarket/internal/wallet"
)

type fixture struct {
	svc       *Service
	reg       *registry.MemoryStore
	ledger    *ledger.Ledger
	watch     *registry.Watch
	evaluator *registry.Evaluator
	owner     auth.Principal
	storeUser auth.Principal
	evalUser  auth.Principal
	other     auth.Principal
	adminID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := registry.NewMemoryStore()

	users := map[string]*registry.User{}
	for _, u := range []struct {
		key, email string
		role       registry.Role
	}{
		{"admin", "admin@example.com", registry.RoleAdmin},
		{"owner", "owner@example.com", registry.RoleUser},
		{"store", "store@example.com", registry.RoleStore},
		{"eval", "eval@example.com", registry.RoleEvaluator},
		{"other", "other@example.com", registry.RoleEvaluator},
	} {
		user := &registry.User{FullName: u.key, Email: u.email, Role: u.role, Active: true}
		if err := reg.CreateUser(ctx, user); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		users[u.key] = user
	}

	shop := &registry.Shop{UserID: users["store"].ID, Name: "Relojoaria", Credentialed: true}
	if err := reg.CreateShop(ctx, shop); err != nil {
		t.Fatalf("CreateShop: %v", err)
	}
	evaluator := &registry.Evaluator{UserID: users["eval"].ID, StoreID: shop.ID, Name: "Bruno", Active: true}
	if err := reg.CreateEvaluator(ctx, evaluator); err != nil {
		t.Fatalf("CreateEvaluator: %v", err)
	}
	watch := &registry.Watch{SerialNumber: "SN-7", Brand: "Omega", Model: "Seamaster", OwnerID: users["owner"].ID}
	if err := reg.CreateWatch(ctx, watch); err != nil {
		t.Fatalf("CreateWatch: %v", err)
	}

	policy, err := ledger.DefaultPolicy(800, 3000)
	if err != nil {
		t.Fatalf("DefaultPolicy: %v", err)
	}
	ledgerStore := ledger.NewMemoryStore()
	led := ledger.New(policy, reg, ledgerStore, logging.Discard())
	svc := NewService(NewMemoryStore(ledgerStore), reg, led, wallet.NewSimulated(logging.Discard()), users["admin"].ID, logging.Discard())

	return &fixture{
		svc:       svc,
		reg:       reg,
		ledger:    led,
		watch:     watch,
		evaluator: evaluator,
		owner:     auth.Principal{UserID: users["owner"].ID, Role: auth.RoleUser},
		storeUser: auth.Principal{UserID: users["store"].ID, Role: auth.RoleStore},
		evalUser:  auth.Principal{UserID: users["eval"].ID, Role: auth.RoleEvaluator},
		other:     auth.Principal{UserID: users["other"].ID, Role: auth.RoleEvaluator},
		adminID:   users["admin"].ID,
	}
}

func (f *fixture) completed(t *testing.T) *Evaluation {
	t.Helper()
	ctx := context.Background()
	ev, err := f.svc.Request(ctx, f.owner, RequestInput{WatchID: f.watch.ID, EvaluatorID: f.evaluator.ID})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	ev, err = f.svc.Complete(ctx, f.evalUser, ev.ID, Result{Condition: "excellent", Authentic: true, EstimatedValue: money.FromWhole(25000)})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return ev
}

func TestEvaluation_PaySplitsFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.completed(t)

	if ev.Fee != money.FromWhole(500) {
		t.Fatalf("Expected default fee 500.00, got %s", ev.Fee)
	}
	watch, _ := f.reg.GetWatch(ctx, f.watch.ID)
	if watch.Status != registry.WatchEvaluated {
		t.Errorf("Expected watch evaluated, got %s", watch.Status)
	}

	paid, err := f.svc.Pay(ctx, f.owner, ev.ID, wallet.Pix())
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if paid.Status != StatusPaid || paid.PaidAt == nil || paid.PaymentMethod != "pix" || paid.PaymentRef == "" {
		t.Errorf("Expected paid with pix reference, got %+v", paid)
	}

	storeBal, _ := f.ledger.GetBalance(ctx, f.storeUser.UserID)
	adminBal, _ := f.ledger.GetBalance(ctx, f.adminID)
	if storeBal.Primary != money.FromWhole(350) {
		t.Errorf("Expected store credited 350.00, got %s", storeBal.Primary)
	}
	if adminBal.Primary != money.FromWhole(150) {
		t.Errorf("Expected admin credited 150.00, got %s", adminBal.Primary)
	}
	rows, _ := f.ledger.ListCommissions(ctx, ev.ID)
	if len(rows) != 2 {
		t.Errorf("Expected 2 commission rows, got %d", len(rows))
	}

	if _, err := f.svc.Pay(ctx, f.owner, ev.ID, wallet.Pix()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected second payment to be rejected, got %v", err)
	}
	storeBal, _ = f.ledger.GetBalance(ctx, f.storeUser.UserID)
	if storeBal.Primary != money.FromWhole(350) {
		t.Errorf("Expected store balance unchanged, got %s", storeBal.Primary)
	}
}

// countingWallet counts conversions made through the wrapped service.
type countingWallet struct {
	wallet.Service
	converts atomic.Int32
}

func (c *countingWallet) Convert(ctx context.Context, amount money.Amount, method wallet.Method) (*wallet.Conversion, error) {
	c.converts.Add(1)
	return c.Service.Convert(ctx, amount, method)
}

func TestEvaluation_ConcurrentPayChargesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.completed(t)

	cw := &countingWallet{Service: f.svc.wallet}
	f.svc.wallet = cw

	var paid, rejected atomic.Int32
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := f.svc.Pay(ctx, f.owner, ev.ID, wallet.Pix())
			switch {
			case err == nil:
				paid.Add(1)
			case errors.Is(err, ErrInvalidState):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Pay: %v", err)
	}

	if paid.Load() != 1 || rejected.Load() != 3 {
		t.Errorf("Expected 1 payment and 3 rejections, got %d and %d", paid.Load(), rejected.Load())
	}
	if n := cw.converts.Load(); n != 1 {
		t.Errorf("Expected requester charged once, got %d conversions", n)
	}
	storeBal, _ := f.ledger.GetBalance(ctx, f.storeUser.UserID)
	if storeBal.Primary != money.FromWhole(350) {
		t.Errorf("Expected store credited 350.00 once, got %s", storeBal.Primary)
	}
}

func TestEvaluation_PayBeforeComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev, _ := f.svc.Request(ctx, f.owner, RequestInput{WatchID: f.watch.ID, EvaluatorID: f.evaluator.ID})

	if _, err := f.svc.Pay(ctx, f.owner, ev.ID, wallet.Pix()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}

func TestEvaluation_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Request(ctx, f.storeUser, RequestInput{WatchID: f.watch.ID, EvaluatorID: f.evaluator.ID}); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected non-owner request to be rejected, got %v", err)
	}

	ev, _ := f.svc.Request(ctx, f.owner, RequestInput{WatchID: f.watch.ID, EvaluatorID: f.evaluator.ID})
	result := Result{Condition: "good", EstimatedValue: money.FromWhole(1)}
	if _, err := f.svc.Complete(ctx, f.other, ev.ID, result); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected another evaluator to be rejected, got %v", err)
	}
	if _, err := f.svc.Complete(ctx, f.evalUser, ev.ID, Result{Condition: "good"}); !errors.Is(err, ErrInvalidResult) {
		t.Errorf("Expected a result without value to be rejected, got %v", err)
	}
	if _, err := f.svc.Complete(ctx, f.evalUser, ev.ID, result); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := f.svc.Complete(ctx, f.evalUser, ev.ID, result); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected repeated completion to be rejected, got %v", err)
	}
	if _, err := f.svc.Pay(ctx, f.storeUser, ev.ID, wallet.Pix()); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected payment by non-requester to be rejected, got %v", err)
	}

	if _, err := f.svc.Get(ctx, f.storeUser, ev.ID); err != nil {
		t.Errorf("Expected the store to read its evaluation, got %v", err)
	}
	if _, err := f.svc.Get(ctx, f.other, ev.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("Expected ErrNotAuthorized, got %v", err)
	}
}

func TestEvaluation_InactiveOrMissingEvaluator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inactive := &registry.Evaluator{UserID: f.other.UserID, StoreID: f.evaluator.StoreID, Name: "Off", Active: false}
	f.reg.CreateEvaluator(ctx, inactive)

	for _, id := range []string{inactive.ID, "evr_missing"} {
		_, err := f.svc.Request(ctx, f.owner, RequestInput{WatchID: f.watch.ID, EvaluatorID: id})
		if !errors.Is(err, registry.ErrNotFound) {
			t.Errorf("%s: expected NotFound, got %v", id, err)
		}
	}
}

func TestEvaluation_UnresolvedRecipientChargesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.completed(t)
	f.svc.platformUserID = "usr_missing"

	if _, err := f.svc.Pay(ctx, f.owner, ev.ID, wallet.Pix()); !errors.Is(err, ledger.ErrRecipientNotFound) {
		t.Fatalf("Expected ErrRecipientNotFound, got %v", err)
	}
	got, _ := f.svc.Get(ctx, f.owner, ev.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Expected evaluation still completed, got %s", got.Status)
	}
	if bal, _ := f.ledger.GetBalance(ctx, f.storeUser.UserID); !bal.Primary.IsZero() {
		t.Errorf("Expected no credit, got %s", bal.Primary)
	}
}

func TestHandler_EvaluationFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)

	router := func(p auth.Principal) *gin.Engine {
		r := gin.New()
		r.Use(func(c *gin.Context) {
			c.Set(auth.ContextKeyPrincipal, p)
			c.Next()
		})
		NewHandler(f.svc).RegisterRoutes(r.Group("/v1"))
		return r
	}
	do := func(p auth.Principal, path string, body any) *httptest.ResponseRecorder {
		b, _ := json.Marshal(body)
		req := httptest.NewRequest("POST", path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router(p).ServeHTTP(w, req)
		return w
	}

	w := do(f.owner, "/v1/evaluations", map[string]string{"watchId": f.watch.ID, "evaluatorId": f.evaluator.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Evaluation Evaluation `json:"evaluation"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	id := resp.Evaluation.ID

	if w := do(f.owner, "/v1/evaluations/"+id+"/pay", map[string]any{"method": map[string]string{"kind": "pix"}}); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 before completion, got %d", w.Code)
	}
	if w := do(f.evalUser, "/v1/evaluations/"+id+"/complete", map[string]any{"condition": "good", "authentic": true, "estimatedValue": "0.00"}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for zero value, got %d", w.Code)
	}
	if w := do(f.evalUser, "/v1/evaluations/"+id+"/complete", map[string]any{"condition": "good", "authentic": true, "estimatedValue": "18000.00"}); w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(f.owner, "/v1/evaluations/"+id+"/pay", map[string]any{"method": map[string]string{"kind": "barter"}}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unknown method, got %d: %s", w.Code, w.Body.String())
	}

	w = do(f.owner, "/v1/evaluations/"+id+"/pay", map[string]any{"method": map[string]any{"kind": "credit_card", "installments": 3}})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Evaluation.Status != StatusPaid || resp.Evaluation.PaymentMethod != "credit_card" {
		t.Errorf("Expected paid by credit card, got %s %s", resp.Evaluation.Status, resp.Evaluation.PaymentMethod)
	}

	if w := do(f.owner, "/v1/evaluations/ofr_missing/complete", map[string]any{"condition": "good", "estimatedValue": "1.00"}); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

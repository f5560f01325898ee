package registry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupTestRouter() (*gin.Engine, *MemoryStore) {
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	h := NewHandler(store)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r, store
}

func postJSON(t *testing.T, r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateUserAndWatch(t *testing.T) {
	router, _ := setupTestRouter()

	w := postJSON(t, router, "/v1/admin/users", map[string]string{
		"fullName": "Ana Souza",
		"email":    "ana@example.com",
		"role":     "user",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var userResp struct {
		User User `json:"user"`
	}
	json.Unmarshal(w.Body.Bytes(), &userResp)

	w = postJSON(t, router, "/v1/admin/watches", map[string]string{
		"serialNumber": "SN-1",
		"brand":        "Rolex",
		"model":        "Submariner",
		"ownerId":      userResp.User.ID,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var watchResp struct {
		Watch Watch `json:"watch"`
	}
	json.Unmarshal(w.Body.Bytes(), &watchResp)

	req := httptest.NewRequest("GET", "/v1/watches/"+watchResp.Watch.ID, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/v1/watches/"+watchResp.Watch.ID+"/history", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var hist struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &hist)
	if hist.Count != 0 {
		t.Errorf("Expected empty history, got %d", hist.Count)
	}
}

func TestHandler_CreateUser_InvalidRole(t *testing.T) {
	router, _ := setupTestRouter()

	w := postJSON(t, router, "/v1/admin/users", map[string]string{
		"fullName": "X",
		"email":    "x@example.com",
		"role":     "superuser",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandler_CreateWatch_UnknownOwner(t *testing.T) {
	router, _ := setupTestRouter()

	w := postJSON(t, router, "/v1/admin/watches", map[string]string{
		"serialNumber": "SN-2",
		"brand":        "Tudor",
		"model":        "Black Bay",
		"ownerId":      "usr_missing",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_GetWatch_NotFound(t *testing.T) {
	router, _ := setupTestRouter()

	req := httptest.NewRequest("GET", "/v1/watches/wch_missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandler_CreateShop_RateOutOfRange(t *testing.T) {
	router, store := setupTestRouter()
	u := &User{FullName: "Loja", Email: "l@example.com", Role: RoleStore}
	store.CreateUser(t.Context(), u)

	w := postJSON(t, router, "/v1/admin/stores", map[string]any{
		"userId":            u.ID,
		"name":              "Loja",
		"commissionRateBps": 20000,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

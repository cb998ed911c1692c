package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/ledger"
	"depotflow/backend/internal/report"
	"depotflow/backend/internal/service"
	"depotflow/backend/internal/store/memory"
)

// newTestAPI builds a full API with the seeded in-memory store, real
// AuthManager and real Service so handler tests exercise the complete request
// path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded(nil)
	svc := service.New(repo, ledger.New(ledger.DefaultReorderLevel, nil), nil, nil, nil)
	reports := report.NewAggregator(repo, nil, time.Minute, nil)
	auth := NewAuthManager(testSecret, time.Hour, repo, nil)

	return New(svc, reports, auth, Options{AllowedOrigin: "*", DefaultWarehouseID: memory.SeedWarehouseID})
}

var seedPasswords = map[string]string{
	"owner":       "owner123",
	"manager":     "manager123",
	"distributor": "distributor123",
	"client":      "client123",
}

// login signs in a seeded account. Each username gets its own remote address
// so the login limiter never trips inside a test.
func login(t *testing.T, handler http.Handler, username string) string {
	t.Helper()
	payload, _ := json.Marshal(domain.LoginRequest{Username: username, Password: seedPasswords[username]})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = fmt.Sprintf("10.0.0.%d:4000", len(username))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d (body: %s)", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken
}

func call(t *testing.T, handler http.Handler, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeOrder(t *testing.T, rec *httptest.ResponseRecorder) domain.OrderResponse {
	t.Helper()
	var resp domain.OrderResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	return resp
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	for _, path := range []string{"/healthz", "/api/v1/healthz"} {
		rec := call(t, handler, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		var body map[string]any
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("expected ok:true, got %v", body["ok"])
		}
	}
}

func TestHandleLogin_Success(t *testing.T) {
	handler := newTestAPI(t).Handler()

	payload, _ := json.Marshal(domain.LoginRequest{Username: "distributor", Password: "distributor123"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["accessToken"] == nil || body["accessToken"] == "" {
		t.Fatalf("expected accessToken in response, got %v", body)
	}
	if body["role"] != string(domain.RoleDistributor) || body["partyId"] != memory.SeedDistributorID {
		t.Fatalf("unexpected role/party in %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := call(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "owner", Password: "wrongpassword"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler := newTestAPI(t).Handler()

	for _, path := range []string{"/api/v1/products", "/api/v1/orders", "/api/v1/inventory"} {
		rec := call(t, handler, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
	rec := call(t, handler, http.MethodGet, "/api/v1/products", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestWarehouseOrderLifecycle(t *testing.T) {
	handler := newTestAPI(t).Handler()
	owner := login(t, handler, "owner")
	distributor := login(t, handler, "distributor")

	rec := call(t, handler, http.MethodPost, "/api/v1/orders/warehouse", distributor, domain.WarehouseOrderCreateRequest{
		Items: []domain.OrderLineRequest{{ProductID: "prod-cola", Quantity: 10}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeOrder(t, rec)
	if created.Order.WarehouseID != memory.SeedWarehouseID {
		t.Fatalf("expected default warehouse, got %q", created.Order.WarehouseID)
	}
	if !strings.HasPrefix(created.Order.OrderNumber, "WO-") {
		t.Fatalf("unexpected order number %q", created.Order.OrderNumber)
	}
	orderPath := "/api/v1/orders/" + created.Order.ID

	rec = call(t, handler, http.MethodPost, orderPath+"/fulfill", owner, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("fulfill unpaid: expected 400, got %d", rec.Code)
	}

	rec = call(t, handler, http.MethodPost, orderPath+"/mark-paid", owner, domain.MarkPaidRequest{PaymentMethod: "bank_transfer"})
	if rec.Code != http.StatusOK {
		t.Fatalf("mark paid: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = call(t, handler, http.MethodPost, orderPath+"/fulfill", owner, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fulfill: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	fulfilled := decodeOrder(t, rec)
	if fulfilled.Order.Status != domain.OrderFulfilled || len(fulfilled.Transactions) != 1 {
		t.Fatalf("unexpected fulfill response %+v", fulfilled)
	}
	if fulfilled.Transactions[0].BalanceAfter != 110 {
		t.Fatalf("expected warehouse balance 110, got %d", fulfilled.Transactions[0].BalanceAfter)
	}

	rec = call(t, handler, http.MethodPost, orderPath+"/receive", distributor, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receive: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = call(t, handler, http.MethodPost, orderPath+"/receive", distributor, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second receive: expected 400, got %d", rec.Code)
	}

	rec = call(t, handler, http.MethodGet, "/api/v1/inventory/distributor", distributor, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("distributor inventory: expected 200, got %d", rec.Code)
	}
	var inv domain.InventoryListResponse
	if err := json.NewDecoder(rec.Body).Decode(&inv); err != nil {
		t.Fatalf("decode inventory: %v", err)
	}
	if len(inv.Items) != 1 || inv.Items[0].Quantity != 10 || inv.Items[0].IsLowStock {
		t.Fatalf("unexpected distributor inventory %+v", inv.Items)
	}

	rec = call(t, handler, http.MethodPost, orderPath+"/cancel", owner, domain.CancelOrderRequest{Reason: "too late"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("cancel fulfilled: expected 400, got %d", rec.Code)
	}
}

func TestInsufficientStockReturnsDetails(t *testing.T) {
	handler := newTestAPI(t).Handler()
	owner := login(t, handler, "owner")
	distributor := login(t, handler, "distributor")

	rec := call(t, handler, http.MethodPost, "/api/v1/orders/warehouse", distributor, domain.WarehouseOrderCreateRequest{
		Items: []domain.OrderLineRequest{{ProductID: "prod-cola", Quantity: 500}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: expected 201, got %d", rec.Code)
	}
	orderPath := "/api/v1/orders/" + decodeOrder(t, rec).Order.ID

	if rec = call(t, handler, http.MethodPost, orderPath+"/mark-paid", owner, nil); rec.Code != http.StatusOK {
		t.Fatalf("mark paid: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = call(t, handler, http.MethodPost, orderPath+"/fulfill", owner, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "insufficient stock" || len(body.Details) != 1 {
		t.Fatalf("unexpected error body %+v", body)
	}
	if !strings.Contains(body.Details[0], "available 120, requested 500") {
		t.Fatalf("unexpected detail %q", body.Details[0])
	}
}

func TestRoleAndOwnershipErrors(t *testing.T) {
	handler := newTestAPI(t).Handler()
	client := login(t, handler, "client")
	distributor := login(t, handler, "distributor")
	manager := login(t, handler, "manager")

	rec := call(t, handler, http.MethodPost, "/api/v1/inventory/restock", client, domain.RestockRequest{ProductID: "prod-cola", Quantity: 5})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("client restock: expected 403, got %d", rec.Code)
	}

	rec = call(t, handler, http.MethodGet, "/api/v1/reports/revenue", distributor, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("distributor revenue: expected 403, got %d", rec.Code)
	}

	rec = call(t, handler, http.MethodGet, "/api/v1/reports/turnover?warehouseId="+memory.SeedWarehouseID, distributor, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("distributor warehouse turnover: expected 403, got %d", rec.Code)
	}

	rec = call(t, handler, http.MethodGet, "/api/v1/reports/revenue?granularity=week", manager, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("manager revenue: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = call(t, handler, http.MethodGet, "/api/v1/orders/ord_missing", manager, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing order: expected 404, got %d", rec.Code)
	}
}

func TestRestockAndAdjustValidation(t *testing.T) {
	handler := newTestAPI(t).Handler()
	manager := login(t, handler, "manager")

	rec := call(t, handler, http.MethodPost, "/api/v1/inventory/adjust", manager, domain.AdjustRequest{
		ProductID:      "prod-cola",
		QuantityChange: -5,
		Notes:          "ok",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short notes: expected 400, got %d", rec.Code)
	}

	rec = call(t, handler, http.MethodPost, "/api/v1/inventory/adjust", manager, domain.AdjustRequest{
		ProductID:      "prod-cola",
		QuantityChange: -115,
		Notes:          "damaged pallet",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("adjust: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var adjusted domain.InventoryMutationResponse
	if err := json.NewDecoder(rec.Body).Decode(&adjusted); err != nil {
		t.Fatalf("decode adjust: %v", err)
	}
	if adjusted.Inventory.Quantity != 5 || !adjusted.Inventory.IsLowStock {
		t.Fatalf("expected low stock at 5, got %+v", adjusted.Inventory)
	}

	rec = call(t, handler, http.MethodGet, "/api/v1/reports/low-stock", manager, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("low stock: expected 200, got %d", rec.Code)
	}
	var low domain.LowStockReport
	if err := json.NewDecoder(rec.Body).Decode(&low); err != nil {
		t.Fatalf("decode low stock: %v", err)
	}
	if len(low.Items) != 1 || low.Items[0].Product.ID != "prod-cola" {
		t.Fatalf("unexpected low stock report %+v", low.Items)
	}

	rec = call(t, handler, http.MethodPost, "/api/v1/inventory/restock", manager, domain.RestockRequest{ProductID: "prod-cola", Quantity: 20})
	if rec.Code != http.StatusOK {
		t.Fatalf("restock: expected 200, got %d", rec.Code)
	}
	var restocked domain.InventoryMutationResponse
	if err := json.NewDecoder(rec.Body).Decode(&restocked); err != nil {
		t.Fatalf("decode restock: %v", err)
	}
	if restocked.Inventory.Quantity != 25 || restocked.Inventory.IsLowStock {
		t.Fatalf("expected 25 and not low, got %+v", restocked.Inventory)
	}
	if restocked.Transaction.Type != domain.TxRestock || restocked.Transaction.BalanceAfter != 25 {
		t.Fatalf("unexpected restock transaction %+v", restocked.Transaction)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	handler := newTestAPI(t).Handler()
	owner := login(t, handler, "owner")

	rec := call(t, handler, http.MethodPost, "/api/v1/products", owner, map[string]any{
		"name":      "Grape Soda",
		"sku":       "SODA-GRAPE",
		"category":  "soda",
		"unitPrice": "1.30",
		"discount":  10,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

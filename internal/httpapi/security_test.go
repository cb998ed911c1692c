package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/store"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected configured CORS origin, got %q", got)
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/orders/warehouse", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", res.Code)
	}
}

func TestLoginRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t)
	body, _ := json.Marshal(domain.LoginRequest{Username: "owner", Password: "wrong-pass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		api.Handler().ServeHTTP(res, req)

		if i < 5 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 5 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", res.Code)
		}
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too large body, got %d", res.Code)
	}
}

func TestInternalErrorsAreNotEchoed(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	res := httptest.NewRecorder()

	api.writeServiceError(res, req, errors.New("pq: relation \"orders\" does not exist"))

	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "relation") {
		t.Fatalf("internal error text leaked: %s", res.Body.String())
	}
}

func TestBareStockErrorDoesNotEchoCause(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/o-1/fulfill", nil)
	res := httptest.NewRecorder()

	cause := errors.New(`violates check constraint "inventory_records_quantity_check"`)
	api.writeServiceError(res, req, errors.Join(store.ErrInsufficientStock, cause))

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "constraint") {
		t.Fatalf("storage detail leaked: %s", res.Body.String())
	}
}

func TestServiceErrorStatusMapping(t *testing.T) {
	api := newTestAPI(t)
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: order is already cancelled", store.ErrStateConflict), http.StatusBadRequest},
		{&store.InsufficientStockError{Shortages: []store.Shortage{{ProductID: "p", Available: 1, Requested: 2}}}, http.StatusBadRequest},
		{store.ErrUnauthorized, http.StatusUnauthorized},
		{store.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("order x: %w", store.ErrNotFound), http.StatusNotFound},
		{errors.Join(store.ErrConflict, errors.New("40001")), http.StatusConflict},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
		res := httptest.NewRecorder()
		api.writeServiceError(res, req, tc.err)
		if res.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, res.Code)
		}
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	if got := parsePositiveLimit("9999", 50, 200); got != 200 {
		t.Fatalf("expected capped limit 200, got %d", got)
	}
	if got := parsePositiveLimit("", 50, 200); got != 50 {
		t.Fatalf("expected fallback limit 50, got %d", got)
	}
	if got := parsePositiveLimit("invalid", 50, 200); got != 50 {
		t.Fatalf("expected fallback on invalid input, got %d", got)
	}
}

func TestParseTimeAcceptsDateAndRFC3339(t *testing.T) {
	day, err := parseTime("2026-04-10")
	if err != nil || day.Day() != 10 || day.Hour() != 0 {
		t.Fatalf("unexpected date parse %v %v", day, err)
	}
	ts, err := parseTime("2026-04-10T08:30:00+02:00")
	if err != nil || ts.Hour() != 6 {
		t.Fatalf("unexpected rfc3339 parse %v %v", ts, err)
	}
	if _, err := parseTime("10/04/2026"); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/report"
	"depotflow/backend/internal/service"
	"depotflow/backend/internal/store"
)

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("includeInactive") == "true"
	products, err := a.service.ListProducts(r.Context(), includeInactive)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.UpdateProduct(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleListWarehouses(w http.ResponseWriter, r *http.Request) {
	warehouses, err := a.service.ListWarehouses(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": warehouses})
}

func (a *API) handleCreateWarehouse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	warehouse, err := a.service.CreateWarehouse(r.Context(), req.Name)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, warehouse)
}

func (a *API) handleListDistributors(w http.ResponseWriter, r *http.Request) {
	distributors, err := a.service.ListDistributors(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": distributors})
}

func (a *API) handleCreateDistributor(w http.ResponseWriter, r *http.Request) {
	var req domain.DistributorCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.WarehouseID) == "" {
		req.WarehouseID = a.defaultWarehouseID
	}
	distributor, err := a.service.CreateDistributor(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, distributor)
}

func (a *API) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.service.ListClients(r.Context(), r.URL.Query().Get("distributorId"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": clients})
}

func (a *API) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req domain.ClientCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	client, err := a.service.CreateClient(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, client)
}

func (a *API) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	filter := domain.OrderFilter{
		Type:          domain.OrderType(strings.ToUpper(strings.TrimSpace(q.Get("type")))),
		Status:        domain.OrderStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		PaymentStatus: domain.PaymentStatus(strings.ToUpper(strings.TrimSpace(q.Get("paymentStatus")))),
		WarehouseID:   strings.TrimSpace(q.Get("warehouseId")),
		DistributorID: strings.TrimSpace(q.Get("distributorId")),
		ClientID:      strings.TrimSpace(q.Get("clientId")),
		From:          from,
		To:            to,
		Limit:         parsePositiveLimit(q.Get("limit"), 100, 500),
	}
	resp, err := a.service.ListOrders(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreateWarehouseOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.WarehouseOrderCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.WarehouseID) == "" {
		req.WarehouseID = a.defaultWarehouseID
	}
	resp, err := a.service.CreateWarehouseOrder(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleCreateClientOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.ClientOrderCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.CreateClientOrder(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStartProcessing(w http.ResponseWriter, r *http.Request) {
	a.writeOrderResult(w, r)(a.service.StartProcessing(r.Context(), chi.URLParam(r, "id")))
}

func (a *API) handleFulfillWarehouseOrder(w http.ResponseWriter, r *http.Request) {
	a.writeOrderResult(w, r)(a.service.FulfillWarehouseOrder(r.Context(), chi.URLParam(r, "id")))
}

func (a *API) handleFulfillClientOrder(w http.ResponseWriter, r *http.Request) {
	a.writeOrderResult(w, r)(a.service.FulfillClientOrder(r.Context(), chi.URLParam(r, "id")))
}

func (a *API) handleReceiveOrder(w http.ResponseWriter, r *http.Request) {
	a.writeOrderResult(w, r)(a.service.ReceiveOrder(r.Context(), chi.URLParam(r, "id")))
}

func (a *API) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelOrderRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.writeOrderResult(w, r)(a.service.CancelOrder(r.Context(), chi.URLParam(r, "id"), req))
}

func (a *API) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	var req domain.MarkPaidRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.writeOrderResult(w, r)(a.service.MarkPaid(r.Context(), chi.URLParam(r, "id"), req))
}

func (a *API) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.writeOrderResult(w, r)(a.service.SubmitPayment(r.Context(), chi.URLParam(r, "id"), req))
}

func (a *API) handlePaymentFailed(w http.ResponseWriter, r *http.Request) {
	var req domain.PaymentFailedRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.writeOrderResult(w, r)(a.service.MarkPaymentFailed(r.Context(), chi.URLParam(r, "id"), req))
}

func (a *API) writeOrderResult(w http.ResponseWriter, r *http.Request) func(domain.OrderResponse, error) {
	return func(resp domain.OrderResponse, err error) {
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (a *API) handleWarehouseInventory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	warehouseID := strings.TrimSpace(q.Get("warehouseId"))
	if warehouseID == "" {
		warehouseID = a.defaultWarehouseID
	}
	a.writeInventory(w, r, domain.WarehouseLocation(warehouseID))
}

func (a *API) handleDistributorInventory(w http.ResponseWriter, r *http.Request) {
	distributorID := strings.TrimSpace(r.URL.Query().Get("distributorId"))
	if distributorID == "" {
		if actor, ok := service.ActorFromContext(r.Context()); ok && actor.Role == domain.RoleDistributor {
			distributorID = actor.PartyID
		}
	}
	a.writeInventory(w, r, domain.DistributorLocation(distributorID))
}

func (a *API) writeInventory(w http.ResponseWriter, r *http.Request, loc domain.Location) {
	q := r.URL.Query()
	resp, err := a.service.ListInventory(r.Context(), domain.InventoryFilter{
		Location:     loc,
		Category:     q.Get("category"),
		Search:       q.Get("search"),
		LowStockOnly: q.Get("lowStock") == "true",
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleInventoryTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	filter := domain.InventoryTransactionFilter{
		ProductID: strings.TrimSpace(q.Get("productId")),
		OrderID:   strings.TrimSpace(q.Get("orderId")),
		Type:      domain.TransactionType(strings.ToUpper(strings.TrimSpace(q.Get("type")))),
		From:      from,
		To:        to,
		Limit:     parsePositiveLimit(q.Get("limit"), 200, 1000),
	}
	switch {
	case strings.TrimSpace(q.Get("distributorId")) != "":
		loc := domain.DistributorLocation(strings.TrimSpace(q.Get("distributorId")))
		filter.Location = &loc
	case strings.TrimSpace(q.Get("warehouseId")) != "":
		loc := domain.WarehouseLocation(strings.TrimSpace(q.Get("warehouseId")))
		filter.Location = &loc
	}

	entries, err := a.service.ListInventoryTransactions(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) handleRestock(w http.ResponseWriter, r *http.Request) {
	var req domain.RestockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.WarehouseID) == "" {
		req.WarehouseID = a.defaultWarehouseID
	}
	resp, err := a.service.RestockInventory(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.WarehouseID) == "" {
		req.WarehouseID = a.defaultWarehouseID
	}
	resp, err := a.service.AdjustInventory(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRevenueReport(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r, 30*24*time.Hour)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	resp, err := a.reports.Revenue(r.Context(), report.RevenueQuery{
		From:          from,
		To:            to,
		Granularity:   q.Get("granularity"),
		OrderType:     domain.OrderType(strings.ToUpper(strings.TrimSpace(q.Get("orderType")))),
		DistributorID: strings.TrimSpace(q.Get("distributorId")),
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleFulfillmentReport(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r, 30*24*time.Hour)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	q := r.URL.Query()
	resp, err := a.reports.Fulfillment(r.Context(), report.FulfillmentQuery{
		From:          from,
		To:            to,
		OrderType:     domain.OrderType(strings.ToUpper(strings.TrimSpace(q.Get("orderType")))),
		DistributorID: strings.TrimSpace(q.Get("distributorId")),
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleTurnoverReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	windowDays := 30
	if raw := strings.TrimSpace(q.Get("windowDays")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, store.ErrInvalidInput)
			return
		}
		windowDays = parsed
	}

	loc := domain.WarehouseLocation(a.defaultWarehouseID)
	if id := strings.TrimSpace(q.Get("warehouseId")); id != "" {
		loc = domain.WarehouseLocation(id)
	}
	if id := strings.TrimSpace(q.Get("distributorId")); id != "" {
		loc = domain.DistributorLocation(id)
	}

	// Distributors only see turnover for their own stock.
	if actor, ok := service.ActorFromContext(r.Context()); ok && actor.Role == domain.RoleDistributor {
		if q.Get("warehouseId") == "" && q.Get("distributorId") == "" {
			loc = domain.DistributorLocation(actor.PartyID)
		}
		if loc != domain.DistributorLocation(actor.PartyID) {
			a.writeServiceError(w, r, store.ErrForbidden)
			return
		}
	}

	resp, err := a.reports.Turnover(r.Context(), loc, windowDays)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLowStockReport(w http.ResponseWriter, r *http.Request) {
	warehouseID := strings.TrimSpace(r.URL.Query().Get("warehouseId"))
	if warehouseID == "" {
		warehouseID = a.defaultWarehouseID
	}
	resp, err := a.reports.LowStock(r.Context(), warehouseID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

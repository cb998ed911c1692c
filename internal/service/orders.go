package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/events"
	"depotflow/backend/internal/ledger"
	"depotflow/backend/internal/store"
	"depotflow/backend/internal/xid"
)

// CreateWarehouseOrder records a distributor's purchase from a warehouse.
// Stock is not checked here; fulfillment checks it.
func (s *Service) CreateWarehouseOrder(ctx context.Context, req domain.WarehouseOrderCreateRequest) (resp domain.OrderResponse, err error) {
	actor, err := requireRole(ctx, domain.RoleDistributor, domain.RoleOwner, domain.RoleManager)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	req.WarehouseID = strings.TrimSpace(req.WarehouseID)
	req.DistributorID = strings.TrimSpace(req.DistributorID)
	if actor.Role == domain.RoleDistributor {
		if req.DistributorID == "" {
			req.DistributorID = actor.PartyID
		}
		if req.DistributorID != actor.PartyID {
			return domain.OrderResponse{}, fmt.Errorf("%w: distributors order for themselves", store.ErrForbidden)
		}
	}
	if req.WarehouseID == "" || req.DistributorID == "" {
		return domain.OrderResponse{}, fmt.Errorf("%w: warehouseId and distributorId are required", store.ErrInvalidInput)
	}
	lines, err := normalizeLines(req.Items)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	ctx, span := s.startSpan(ctx, "CreateWarehouseOrder",
		attribute.String("warehouse.id", req.WarehouseID),
		attribute.String("distributor.id", req.DistributorID),
	)
	defer func() { endSpan(span, err) }()

	var created domain.Order
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		warehouse, err := tx.GetWarehouse(ctx, req.WarehouseID)
		if err != nil {
			return fmt.Errorf("warehouse %s: %w", req.WarehouseID, err)
		}
		if !warehouse.Active {
			return fmt.Errorf("%w: warehouse %s is inactive", store.ErrInvalidInput, warehouse.ID)
		}
		distributor, err := tx.GetDistributor(ctx, req.DistributorID)
		if err != nil {
			return fmt.Errorf("distributor %s: %w", req.DistributorID, err)
		}
		if !distributor.Active {
			return fmt.Errorf("%w: distributor %s is inactive", store.ErrInvalidInput, distributor.ID)
		}

		order := domain.Order{
			ID:            xid.New("ord"),
			Type:          domain.OrderWarehouseToDistributor,
			WarehouseID:   warehouse.ID,
			DistributorID: distributor.ID,
			Notes:         strings.TrimSpace(req.Notes),
		}
		created, err = s.insertOrder(ctx, tx, actor, order, lines)
		return err
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}

	s.afterOrderCreated(ctx, created)
	return domain.OrderResponse{Order: created}, nil
}

// CreateClientOrder records a client's purchase from its distributor. Every
// line must be covered by the distributor's stock when the order is placed.
func (s *Service) CreateClientOrder(ctx context.Context, req domain.ClientOrderCreateRequest) (resp domain.OrderResponse, err error) {
	actor, err := requireRole(ctx, domain.RoleClient, domain.RoleDistributor)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	req.ClientID = strings.TrimSpace(req.ClientID)
	req.DistributorID = strings.TrimSpace(req.DistributorID)
	switch actor.Role {
	case domain.RoleClient:
		if req.ClientID == "" {
			req.ClientID = actor.PartyID
		}
		if req.ClientID != actor.PartyID {
			return domain.OrderResponse{}, fmt.Errorf("%w: clients order for themselves", store.ErrForbidden)
		}
	case domain.RoleDistributor:
		if req.DistributorID == "" {
			req.DistributorID = actor.PartyID
		}
		if req.DistributorID != actor.PartyID {
			return domain.OrderResponse{}, fmt.Errorf("%w: distributors order for their own clients", store.ErrForbidden)
		}
	case domain.RoleOwner, domain.RoleManager:
		return domain.OrderResponse{}, store.ErrForbidden
	}
	if req.ClientID == "" {
		return domain.OrderResponse{}, fmt.Errorf("%w: clientId is required", store.ErrInvalidInput)
	}
	lines, err := normalizeLines(req.Items)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	ctx, span := s.startSpan(ctx, "CreateClientOrder", attribute.String("client.id", req.ClientID))
	defer func() { endSpan(span, err) }()

	var created domain.Order
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		client, err := tx.GetClient(ctx, req.ClientID)
		if err != nil {
			return fmt.Errorf("client %s: %w", req.ClientID, err)
		}
		if req.DistributorID == "" {
			req.DistributorID = client.DistributorID
		}
		if client.DistributorID != req.DistributorID {
			return fmt.Errorf("%w: client %s is not served by distributor %s", store.ErrForbidden, client.ID, req.DistributorID)
		}
		distributor, err := tx.GetDistributor(ctx, req.DistributorID)
		if err != nil {
			return fmt.Errorf("distributor %s: %w", req.DistributorID, err)
		}
		if !distributor.Active {
			return fmt.Errorf("%w: distributor %s is inactive", store.ErrInvalidInput, distributor.ID)
		}

		order := domain.Order{
			ID:            xid.New("ord"),
			Type:          domain.OrderDistributorToClient,
			WarehouseID:   distributor.WarehouseID,
			DistributorID: distributor.ID,
			ClientID:      client.ID,
			Notes:         strings.TrimSpace(req.Notes),
		}
		created, err = s.insertOrder(ctx, tx, actor, order, lines)
		return err
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}

	s.afterOrderCreated(ctx, created)
	return domain.OrderResponse{Order: created}, nil
}

// insertOrder prices the lines, runs the upfront stock check for client
// orders, numbers the order and writes it with its items.
func (s *Service) insertOrder(ctx context.Context, tx store.Tx, actor domain.Actor, order domain.Order, lines []ledger.Line) (domain.Order, error) {
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	products, err := tx.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.Order{}, err
	}

	total := decimal.Zero
	items := make([]domain.OrderItem, 0, len(lines))
	for i, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			return domain.Order{}, fmt.Errorf("product %s: %w", line.ProductID, store.ErrNotFound)
		}
		if !product.Active {
			return domain.Order{}, fmt.Errorf("%w: product %s is not available", store.ErrInvalidInput, product.Name)
		}
		lines[i].ProductName = product.Name
		subtotal := product.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		total = total.Add(subtotal)
		items = append(items, domain.OrderItem{
			ID:          xid.New("item"),
			OrderID:     order.ID,
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			UnitPrice:   product.UnitPrice,
			Subtotal:    subtotal,
		})
	}

	if order.Type == domain.OrderDistributorToClient {
		if err := s.ledger.CheckAvailability(ctx, tx, order.SourceLocation(), lines); err != nil {
			return domain.Order{}, err
		}
	}

	now := s.now()
	prefix := order.Type.NumberPrefix()
	seq, err := tx.NextOrderSequence(ctx, prefix, now.Year())
	if err != nil {
		return domain.Order{}, err
	}

	order.OrderNumber = formatOrderNumber(prefix, now.Year(), seq)
	order.Status = domain.OrderPending
	order.PaymentStatus = domain.PaymentUnpaid
	order.TotalAmount = total
	order.CreatedBy = actor.Username
	order.CreatedAt = now
	order.UpdatedAt = now
	order.Items = items

	if err := tx.InsertOrder(ctx, order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (s *Service) afterOrderCreated(ctx context.Context, order domain.Order) {
	s.logger.Info("order created",
		zap.String("order_number", order.OrderNumber),
		zap.String("type", string(order.Type)),
		zap.String("total", order.TotalAmount.StringFixed(2)),
	)
	s.logAudit(ctx, "order_create", "order", order.ID, fmt.Sprintf("number=%s,items=%d,total=%s", order.OrderNumber, len(order.Items), order.TotalAmount.StringFixed(2)))
	s.publish(ctx, events.OrderCreated, order.ID, order)
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.OrderResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderResponse{}, store.ErrInvalidInput
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	if err := authorizeOrderView(actor, *order); err != nil {
		return domain.OrderResponse{}, err
	}

	resp := domain.OrderResponse{Order: *order}
	payment, err := s.repo.GetPaymentByOrder(ctx, order.ID)
	switch {
	case err == nil:
		resp.Payment = payment
	case errors.Is(err, store.ErrNotFound):
	default:
		return domain.OrderResponse{}, err
	}

	txs, err := s.repo.ListInventoryTransactions(ctx, domain.InventoryTransactionFilter{OrderID: order.ID})
	if err != nil {
		return domain.OrderResponse{}, err
	}
	resp.Transactions = txs
	return resp, nil
}

func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) (domain.OrderListResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.OrderListResponse{}, err
	}
	filter, err = scopeOrderFilter(actor, filter)
	if err != nil {
		return domain.OrderListResponse{}, err
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return domain.OrderListResponse{}, store.ErrInvalidInput
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}

	orders, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		return domain.OrderListResponse{}, err
	}
	return domain.OrderListResponse{Orders: orders}, nil
}

// normalizeLines merges repeated products and rejects empty or non-positive
// lines.
func normalizeLines(requested []domain.OrderLineRequest) ([]ledger.Line, error) {
	if len(requested) == 0 {
		return nil, fmt.Errorf("%w: order needs at least one item", store.ErrInvalidInput)
	}
	lines := make([]ledger.Line, 0, len(requested))
	for _, item := range requested {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" || item.Quantity < 1 {
			return nil, fmt.Errorf("%w: every item needs a product and a positive quantity", store.ErrInvalidInput)
		}
		lines = append(lines, ledger.Line{ProductID: productID, Quantity: item.Quantity})
	}
	return ledger.MergeLines(lines)
}

func formatOrderNumber(prefix string, year int, seq int) string {
	return fmt.Sprintf("%s-%d-%04d", prefix, year, seq)
}

func orderLines(order domain.Order) []ledger.Line {
	lines := make([]ledger.Line, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, ledger.Line{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
		})
	}
	return lines
}

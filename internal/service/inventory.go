package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/events"
	"depotflow/backend/internal/ledger"
	"depotflow/backend/internal/store"
)

const minAdjustNotesLength = 3

func (s *Service) RestockInventory(ctx context.Context, req domain.RestockRequest) (resp domain.InventoryMutationResponse, err error) {
	actor, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager)
	if err != nil {
		return domain.InventoryMutationResponse{}, err
	}
	req.WarehouseID = strings.TrimSpace(req.WarehouseID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Notes = strings.TrimSpace(req.Notes)
	if req.WarehouseID == "" || req.ProductID == "" {
		return domain.InventoryMutationResponse{}, fmt.Errorf("%w: warehouseId and productId are required", store.ErrInvalidInput)
	}
	if req.Quantity < 1 || req.Quantity > ledger.MaxQuantity {
		return domain.InventoryMutationResponse{}, fmt.Errorf("%w: restock quantity must be between 1 and %d", store.ErrInvalidInput, ledger.MaxQuantity)
	}

	ctx, span := s.startSpan(ctx, "RestockInventory",
		attribute.String("warehouse.id", req.WarehouseID),
		attribute.String("product.id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	)
	defer func() { endSpan(span, err) }()

	resp, err = s.moveWarehouseStock(ctx, req.WarehouseID, ledger.Movement{
		Location:  domain.WarehouseLocation(req.WarehouseID),
		ProductID: req.ProductID,
		Delta:     req.Quantity,
		Type:      domain.TxRestock,
		Actor:     actor.Username,
		Notes:     defaultString(req.Notes, "Restock"),
		Restock:   true,
	})
	if err != nil {
		return domain.InventoryMutationResponse{}, err
	}

	s.publish(ctx, events.InventoryRestocked, req.ProductID, resp)
	s.invalidateReports(ctx)
	return resp, nil
}

// AdjustInventory applies a signed correction to warehouse stock. It refuses
// a negative result the same way fulfillment does.
func (s *Service) AdjustInventory(ctx context.Context, req domain.AdjustRequest) (resp domain.InventoryMutationResponse, err error) {
	actor, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager)
	if err != nil {
		return domain.InventoryMutationResponse{}, err
	}
	req.WarehouseID = strings.TrimSpace(req.WarehouseID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Notes = strings.TrimSpace(req.Notes)
	if req.WarehouseID == "" || req.ProductID == "" {
		return domain.InventoryMutationResponse{}, fmt.Errorf("%w: warehouseId and productId are required", store.ErrInvalidInput)
	}
	if req.QuantityChange == 0 {
		return domain.InventoryMutationResponse{}, fmt.Errorf("%w: quantityChange must be non-zero", store.ErrInvalidInput)
	}
	if req.QuantityChange > ledger.MaxQuantity || req.QuantityChange < -ledger.MaxQuantity {
		return domain.InventoryMutationResponse{}, fmt.Errorf("%w: quantityChange must be within %d", store.ErrInvalidInput, ledger.MaxQuantity)
	}
	if len(req.Notes) < minAdjustNotesLength {
		return domain.InventoryMutationResponse{}, fmt.Errorf("%w: notes must be at least %d characters", store.ErrInvalidInput, minAdjustNotesLength)
	}

	ctx, span := s.startSpan(ctx, "AdjustInventory",
		attribute.String("warehouse.id", req.WarehouseID),
		attribute.String("product.id", req.ProductID),
		attribute.Int("quantity_change", req.QuantityChange),
	)
	defer func() { endSpan(span, err) }()

	resp, err = s.moveWarehouseStock(ctx, req.WarehouseID, ledger.Movement{
		Location:  domain.WarehouseLocation(req.WarehouseID),
		ProductID: req.ProductID,
		Delta:     req.QuantityChange,
		Type:      domain.TxAdjustment,
		Actor:     actor.Username,
		Notes:     req.Notes,
	})
	if err != nil {
		return domain.InventoryMutationResponse{}, err
	}

	s.publish(ctx, events.InventoryAdjusted, req.ProductID, resp)
	s.invalidateReports(ctx)
	return resp, nil
}

func (s *Service) moveWarehouseStock(ctx context.Context, warehouseID string, m ledger.Movement) (domain.InventoryMutationResponse, error) {
	var resp domain.InventoryMutationResponse
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetWarehouse(ctx, warehouseID); err != nil {
			return fmt.Errorf("warehouse %s: %w", warehouseID, err)
		}
		product, err := tx.GetProduct(ctx, m.ProductID)
		if err != nil {
			return fmt.Errorf("product %s: %w", m.ProductID, err)
		}

		record, entry, err := s.ledger.Apply(ctx, tx, m)
		if err != nil {
			var stockErr *store.InsufficientStockError
			if errors.As(err, &stockErr) {
				for i := range stockErr.Shortages {
					stockErr.Shortages[i].ProductName = product.Name
				}
			}
			return err
		}
		resp = domain.InventoryMutationResponse{
			Inventory:   toInventoryView(*record, *product),
			Transaction: *entry,
		}
		return nil
	})
	return resp, err
}

// ListInventory lists stock at a location joined with its products.
func (s *Service) ListInventory(ctx context.Context, filter domain.InventoryFilter) (domain.InventoryListResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.InventoryListResponse{}, err
	}
	if !filter.Location.Valid() {
		return domain.InventoryListResponse{}, fmt.Errorf("%w: location is required", store.ErrInvalidInput)
	}
	if err := s.authorizeInventoryView(ctx, actor, filter.Location); err != nil {
		return domain.InventoryListResponse{}, err
	}

	records, err := s.repo.ListInventory(ctx, filter.Location)
	if err != nil {
		return domain.InventoryListResponse{}, err
	}
	products, err := s.repo.ListProducts(ctx, true)
	if err != nil {
		return domain.InventoryListResponse{}, err
	}
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	category := strings.ToLower(strings.TrimSpace(filter.Category))
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	items := make([]domain.InventoryView, 0, len(records))
	for _, rec := range records {
		product, ok := byID[rec.ProductID]
		if !ok {
			continue
		}
		view := toInventoryView(rec, product)
		if filter.LowStockOnly && !view.IsLowStock {
			continue
		}
		if category != "" && strings.ToLower(product.Category) != category {
			continue
		}
		if search != "" && !matchesSearch(product, search) {
			continue
		}
		items = append(items, view)
	}
	slices.SortFunc(items, func(a, b domain.InventoryView) int {
		return strings.Compare(a.Product.Name, b.Product.Name)
	})
	return domain.InventoryListResponse{Items: items}, nil
}

func (s *Service) ListInventoryTransactions(ctx context.Context, filter domain.InventoryTransactionFilter) ([]domain.InventoryTransaction, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case domain.RoleOwner, domain.RoleManager:
	case domain.RoleDistributor:
		own := domain.DistributorLocation(actor.PartyID)
		if filter.Location == nil {
			filter.Location = &own
		}
		if *filter.Location != own {
			return nil, fmt.Errorf("%w: distributors see only their own ledger", store.ErrForbidden)
		}
	case domain.RoleClient:
		return nil, store.ErrForbidden
	}
	if filter.Location != nil && !filter.Location.Valid() {
		return nil, store.ErrInvalidInput
	}
	if filter.Limit < 1 || filter.Limit > 1000 {
		filter.Limit = 200
	}
	return s.repo.ListInventoryTransactions(ctx, filter)
}

func (s *Service) authorizeInventoryView(ctx context.Context, actor domain.Actor, loc domain.Location) error {
	switch actor.Role {
	case domain.RoleOwner, domain.RoleManager:
		return nil
	case domain.RoleDistributor:
		if loc.Kind == domain.LocationWarehouse {
			return nil
		}
		if loc.ID == actor.PartyID {
			return nil
		}
	case domain.RoleClient:
		if loc.Kind != domain.LocationDistributor {
			break
		}
		client, err := s.repo.GetClient(ctx, actor.PartyID)
		if err != nil {
			return err
		}
		if client.DistributorID == loc.ID {
			return nil
		}
	}
	return fmt.Errorf("%w: inventory at %s is not visible to %s", store.ErrForbidden, loc, actor.Role)
}

func toInventoryView(rec domain.InventoryRecord, product domain.Product) domain.InventoryView {
	return domain.InventoryView{
		InventoryRecord: rec,
		Product:         product,
		IsLowStock:      rec.IsLowStock(),
	}
}

func matchesSearch(product domain.Product, needle string) bool {
	for _, field := range []string{product.Name, product.SKU, product.Flavor} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

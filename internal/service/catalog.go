package service

import (
	"context"
	"fmt"
	"strings"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/store"
	"depotflow/backend/internal/xid"
)

// ListProducts returns active products. Staff may include inactive ones.
func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if !actor.Role.IsWarehouseStaff() {
		includeInactive = false
	}
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	if !product.Active && !actor.Role.IsWarehouseStaff() {
		return domain.Product{}, store.ErrNotFound
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager); err != nil {
		return domain.Product{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.Flavor = strings.TrimSpace(req.Flavor)
	if req.SKU == "" || req.Name == "" || req.Category == "" {
		return domain.Product{}, fmt.Errorf("%w: sku, name and category are required", store.ErrInvalidInput)
	}
	price := req.UnitPrice.Round(2)
	if !price.IsPositive() {
		return domain.Product{}, fmt.Errorf("%w: unit price must be at least 0.01", store.ErrInvalidInput)
	}

	now := s.now()
	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:        xid.New("prod"),
		Name:      req.Name,
		Flavor:    req.Flavor,
		Category:  req.Category,
		SKU:       req.SKU,
		UnitPrice: price,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("sku=%s,name=%s,price=%s", created.SKU, created.Name, created.UnitPrice.StringFixed(2)))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if _, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager); err != nil {
		return domain.Product{}, err
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrInvalidInput
	}
	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Name = name
	}
	if req.Category != nil {
		category := strings.TrimSpace(*req.Category)
		if category == "" {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Category = category
	}
	if req.Flavor != nil {
		updated.Flavor = strings.TrimSpace(*req.Flavor)
	}
	if req.UnitPrice != nil {
		price := req.UnitPrice.Round(2)
		if !price.IsPositive() {
			return domain.Product{}, fmt.Errorf("%w: unit price must be at least 0.01", store.ErrInvalidInput)
		}
		updated.UnitPrice = price
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	updated.UpdatedAt = s.now()

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("active=%t,price=%s", saved.Active, saved.UnitPrice.StringFixed(2)))
	return *saved, nil
}

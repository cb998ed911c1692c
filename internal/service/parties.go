package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/store"
	"depotflow/backend/internal/xid"
)

const minPasswordLength = 8

func (s *Service) ListWarehouses(ctx context.Context) ([]domain.Warehouse, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListWarehouses(ctx)
}

func (s *Service) CreateWarehouse(ctx context.Context, name string) (domain.Warehouse, error) {
	if _, err := requireRole(ctx, domain.RoleOwner); err != nil {
		return domain.Warehouse{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Warehouse{}, fmt.Errorf("%w: name is required", store.ErrInvalidInput)
	}
	created, err := s.repo.CreateWarehouse(ctx, domain.Warehouse{
		ID:        xid.New("wh"),
		Name:      name,
		Active:    true,
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.Warehouse{}, err
	}
	s.logAudit(ctx, "warehouse_create", "warehouse", created.ID, "name="+created.Name)
	return *created, nil
}

func (s *Service) ListDistributors(ctx context.Context) ([]domain.Distributor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case domain.RoleOwner, domain.RoleManager:
		return s.repo.ListDistributors(ctx)
	case domain.RoleDistributor:
		own, err := s.repo.GetDistributor(ctx, actor.PartyID)
		if err != nil {
			return nil, err
		}
		return []domain.Distributor{*own}, nil
	case domain.RoleClient:
	}
	return nil, store.ErrForbidden
}

func (s *Service) CreateDistributor(ctx context.Context, req domain.DistributorCreateRequest) (domain.Distributor, error) {
	if _, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager); err != nil {
		return domain.Distributor{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.WarehouseID = strings.TrimSpace(req.WarehouseID)
	if req.Name == "" || req.WarehouseID == "" {
		return domain.Distributor{}, fmt.Errorf("%w: name and warehouseId are required", store.ErrInvalidInput)
	}
	if _, err := s.repo.GetWarehouse(ctx, req.WarehouseID); err != nil {
		return domain.Distributor{}, fmt.Errorf("warehouse %s: %w", req.WarehouseID, err)
	}

	id := xid.New("dist")
	username, err := s.createAccount(ctx, req.Username, req.Password, domain.RoleDistributor, id)
	if err != nil {
		return domain.Distributor{}, err
	}
	created, err := s.repo.CreateDistributor(ctx, domain.Distributor{
		ID:          id,
		Name:        req.Name,
		Username:    username,
		WarehouseID: req.WarehouseID,
		Active:      true,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return domain.Distributor{}, err
	}
	s.logAudit(ctx, "distributor_create", "distributor", created.ID, fmt.Sprintf("name=%s,username=%s", created.Name, created.Username))
	return *created, nil
}

func (s *Service) ListClients(ctx context.Context, distributorID string) ([]domain.Client, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case domain.RoleOwner, domain.RoleManager:
		return s.repo.ListClients(ctx, strings.TrimSpace(distributorID))
	case domain.RoleDistributor:
		return s.repo.ListClients(ctx, actor.PartyID)
	case domain.RoleClient:
	}
	return nil, store.ErrForbidden
}

// CreateClient registers a client under a distributor. Distributors can only
// add clients to themselves.
func (s *Service) CreateClient(ctx context.Context, req domain.ClientCreateRequest) (domain.Client, error) {
	actor, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager, domain.RoleDistributor)
	if err != nil {
		return domain.Client{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.DistributorID = strings.TrimSpace(req.DistributorID)
	if actor.Role == domain.RoleDistributor {
		if req.DistributorID == "" {
			req.DistributorID = actor.PartyID
		}
		if req.DistributorID != actor.PartyID {
			return domain.Client{}, fmt.Errorf("%w: distributors add clients to themselves", store.ErrForbidden)
		}
	}
	if req.Name == "" || req.DistributorID == "" {
		return domain.Client{}, fmt.Errorf("%w: name and distributorId are required", store.ErrInvalidInput)
	}
	if _, err := s.repo.GetDistributor(ctx, req.DistributorID); err != nil {
		return domain.Client{}, fmt.Errorf("distributor %s: %w", req.DistributorID, err)
	}

	id := xid.New("client")
	username := ""
	if strings.TrimSpace(req.Username) != "" {
		username, err = s.createAccount(ctx, req.Username, req.Password, domain.RoleClient, id)
		if err != nil {
			return domain.Client{}, err
		}
	}
	created, err := s.repo.CreateClient(ctx, domain.Client{
		ID:            id,
		Name:          req.Name,
		Username:      username,
		DistributorID: req.DistributorID,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return domain.Client{}, err
	}
	s.logAudit(ctx, "client_create", "client", created.ID, fmt.Sprintf("name=%s,distributor=%s", created.Name, created.DistributorID))
	return *created, nil
}

func (s *Service) createAccount(ctx context.Context, username string, password string, role domain.Role, partyID string) (string, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return "", fmt.Errorf("%w: username is required", store.ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return "", fmt.Errorf("%w: password must be at least %d characters", store.ErrInvalidInput, minPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Join(store.ErrInvalidInput, err)
	}
	if err := s.repo.CreateUser(ctx, domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      role,
		PartyID:   partyID,
		Active:    true,
		CreatedAt: s.now(),
	}); err != nil {
		return "", err
	}
	return username, nil
}

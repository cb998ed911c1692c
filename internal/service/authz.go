package service

import (
	"context"
	"fmt"
	"slices"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/store"
)

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, store.ErrUnauthorized
	}
	if _, err := domain.ParseRole(string(actor.Role)); err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", store.ErrForbidden, err)
	}
	return actor, nil
}

func requireRole(ctx context.Context, roles ...domain.Role) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if !slices.Contains(roles, actor.Role) {
		return domain.Actor{}, fmt.Errorf("%w: role %s not permitted", store.ErrForbidden, actor.Role)
	}
	return actor, nil
}

// authorizeOrderView allows staff to see every order and parties to see the
// orders they are on.
func authorizeOrderView(actor domain.Actor, order domain.Order) error {
	switch actor.Role {
	case domain.RoleOwner, domain.RoleManager:
		return nil
	case domain.RoleDistributor:
		if actor.PartyID != "" && order.DistributorID == actor.PartyID {
			return nil
		}
	case domain.RoleClient:
		if actor.PartyID != "" && order.ClientID == actor.PartyID {
			return nil
		}
	}
	return fmt.Errorf("%w: order %s belongs to another party", store.ErrForbidden, order.OrderNumber)
}

// authorizeSeller checks the caller acts for the selling side of the order:
// warehouse staff for warehouse orders, the owning distributor for client
// orders.
func authorizeSeller(actor domain.Actor, order domain.Order) error {
	switch actor.Role {
	case domain.RoleOwner, domain.RoleManager:
		if order.Type == domain.OrderWarehouseToDistributor {
			return nil
		}
	case domain.RoleDistributor:
		if order.Type == domain.OrderDistributorToClient && order.DistributorID == actor.PartyID {
			return nil
		}
	case domain.RoleClient:
	}
	return fmt.Errorf("%w: only the selling party may do this", store.ErrForbidden)
}

// authorizeBuyer checks the caller acts for the buying side of the order.
func authorizeBuyer(actor domain.Actor, order domain.Order) error {
	switch actor.Role {
	case domain.RoleDistributor:
		if order.Type == domain.OrderWarehouseToDistributor && order.DistributorID == actor.PartyID {
			return nil
		}
	case domain.RoleClient:
		if order.Type == domain.OrderDistributorToClient && order.ClientID == actor.PartyID {
			return nil
		}
	case domain.RoleOwner, domain.RoleManager:
	}
	return fmt.Errorf("%w: only the buying party may do this", store.ErrForbidden)
}

// authorizeCancel lets either side of an order cancel it.
func authorizeCancel(actor domain.Actor, order domain.Order) error {
	if err := authorizeSeller(actor, order); err == nil {
		return nil
	}
	return authorizeBuyer(actor, order)
}

// scopeOrderFilter narrows a listing to what the caller may see.
func scopeOrderFilter(actor domain.Actor, filter domain.OrderFilter) (domain.OrderFilter, error) {
	switch actor.Role {
	case domain.RoleOwner, domain.RoleManager:
		return filter, nil
	case domain.RoleDistributor:
		if actor.PartyID == "" {
			return filter, store.ErrForbidden
		}
		filter.DistributorID = actor.PartyID
		return filter, nil
	case domain.RoleClient:
		if actor.PartyID == "" {
			return filter, store.ErrForbidden
		}
		filter.ClientID = actor.PartyID
		filter.Type = domain.OrderDistributorToClient
		return filter, nil
	default:
		return filter, store.ErrForbidden
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"depotflow/backend/internal/domain"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrStateConflict     = errors.New("operation not allowed in current state")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("concurrent update conflict, retry")
)

// Shortage describes one line that cannot be covered by stock on hand.
type Shortage struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName,omitempty"`
	Available   int    `json:"available"`
	Requested   int    `json:"requested"`
}

func (s Shortage) String() string {
	name := s.ProductName
	if name == "" {
		name = s.ProductID
	}
	return fmt.Sprintf("%s: available %d, requested %d", name, s.Available, s.Requested)
}

type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, s.String())
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Details lists one human-readable line per shortage.
func (e *InsufficientStockError) Details() []string {
	details := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		details = append(details, s.String())
	}
	return details
}

// Tx is the unit of work the fulfillment engine runs in. Reads of orders and
// inventory lock the underlying rows until the unit ends.
type Tx interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)

	// GetInventory returns ErrNotFound when no record exists for the pair.
	GetInventory(ctx context.Context, loc domain.Location, productID string) (*domain.InventoryRecord, error)
	SaveInventory(ctx context.Context, record domain.InventoryRecord) error
	AppendInventoryTransaction(ctx context.Context, entry domain.InventoryTransaction) error

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	InsertOrder(ctx context.Context, order domain.Order) error
	UpdateOrder(ctx context.Context, order domain.Order) error
	GetPaymentByOrder(ctx context.Context, orderID string) (*domain.Payment, error)
	UpsertPayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error)

	// NextOrderSequence atomically increments and returns the counter for
	// the prefix/year pair, starting at 1.
	NextOrderSequence(ctx context.Context, prefix string, year int) (int, error)

	GetWarehouse(ctx context.Context, id string) (*domain.Warehouse, error)
	GetDistributor(ctx context.Context, id string) (*domain.Distributor, error)
	GetClient(ctx context.Context, id string) (*domain.Client, error)
}

type Repository interface {
	// WithinTx runs fn in one atomic unit. Nothing fn wrote is visible if it
	// returns an error.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	ListInventory(ctx context.Context, loc domain.Location) ([]domain.InventoryRecord, error)
	ListInventoryTransactions(ctx context.Context, filter domain.InventoryTransactionFilter) ([]domain.InventoryTransaction, error)

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	GetPaymentByOrder(ctx context.Context, orderID string) (*domain.Payment, error)

	ListWarehouses(ctx context.Context) ([]domain.Warehouse, error)
	GetWarehouse(ctx context.Context, id string) (*domain.Warehouse, error)
	CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error)
	ListDistributors(ctx context.Context) ([]domain.Distributor, error)
	GetDistributor(ctx context.Context, id string) (*domain.Distributor, error)
	CreateDistributor(ctx context.Context, distributor domain.Distributor) (*domain.Distributor, error)
	ListClients(ctx context.Context, distributorID string) ([]domain.Client, error)
	GetClient(ctx context.Context, id string) (*domain.Client, error)
	CreateClient(ctx context.Context, client domain.Client) (*domain.Client, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

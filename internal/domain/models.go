package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleOwner       Role = "OWNER"
	RoleManager     Role = "MANAGER"
	RoleDistributor Role = "DISTRIBUTOR"
	RoleClient      Role = "CLIENT"
)

// ParseRole accepts the four known roles case-insensitively and rejects
// everything else.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleManager:
		return RoleManager, nil
	case RoleDistributor:
		return RoleDistributor, nil
	case RoleClient:
		return RoleClient, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

// IsWarehouseStaff reports whether the role manages warehouse stock and
// warehouse-tier orders.
func (r Role) IsWarehouseStaff() bool {
	switch r {
	case RoleOwner, RoleManager:
		return true
	case RoleDistributor, RoleClient:
		return false
	default:
		return false
	}
}

type Actor struct {
	Username string
	Role     Role
	PartyID  string
}

type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Flavor    string          `json:"flavor"`
	Category  string          `json:"category"`
	SKU       string          `json:"sku"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type ProductCreateRequest struct {
	Name      string          `json:"name"`
	Flavor    string          `json:"flavor"`
	Category  string          `json:"category"`
	SKU       string          `json:"sku"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type ProductUpdateRequest struct {
	Name      *string          `json:"name,omitempty"`
	Flavor    *string          `json:"flavor,omitempty"`
	Category  *string          `json:"category,omitempty"`
	UnitPrice *decimal.Decimal `json:"unitPrice,omitempty"`
	Active    *bool            `json:"active,omitempty"`
}

type LocationKind string

const (
	LocationWarehouse   LocationKind = "WAREHOUSE"
	LocationDistributor LocationKind = "DISTRIBUTOR"
)

// Location identifies the holder of an inventory record.
type Location struct {
	Kind LocationKind `json:"kind"`
	ID   string       `json:"id"`
}

func WarehouseLocation(id string) Location {
	return Location{Kind: LocationWarehouse, ID: id}
}

func DistributorLocation(id string) Location {
	return Location{Kind: LocationDistributor, ID: id}
}

func (l Location) String() string {
	return string(l.Kind) + ":" + l.ID
}

func (l Location) Valid() bool {
	if strings.TrimSpace(l.ID) == "" {
		return false
	}
	return l.Kind == LocationWarehouse || l.Kind == LocationDistributor
}

type InventoryRecord struct {
	Location        Location   `json:"location"`
	ProductID       string     `json:"productId"`
	Quantity        int        `json:"quantity"`
	ReorderLevel    int        `json:"reorderLevel"`
	LastRestockedAt *time.Time `json:"lastRestockedAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsLowStock is computed at read time and only applies to warehouse stock.
func (r InventoryRecord) IsLowStock() bool {
	return r.Location.Kind == LocationWarehouse && r.Quantity < r.ReorderLevel
}

type InventoryView struct {
	InventoryRecord
	Product    Product `json:"product"`
	IsLowStock bool    `json:"isLowStock"`
}

type InventoryFilter struct {
	Location     Location
	Category     string
	Search       string
	LowStockOnly bool
}

type TransactionType string

const (
	TxRestock        TransactionType = "RESTOCK"
	TxOrderFulfilled TransactionType = "ORDER_FULFILLED"
	TxOrderReceived  TransactionType = "ORDER_RECEIVED"
	TxAdjustment     TransactionType = "ADJUSTMENT"
)

// InventoryTransaction is the append-only audit row written with every
// quantity change.
type InventoryTransaction struct {
	ID            string          `json:"id"`
	Location      Location        `json:"location"`
	ProductID     string          `json:"productId"`
	Type          TransactionType `json:"type"`
	QuantityDelta int             `json:"quantityDelta"`
	BalanceAfter  int             `json:"balanceAfter"`
	Actor         string          `json:"actor"`
	OrderID       string          `json:"orderId,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type InventoryTransactionFilter struct {
	Location  *Location
	ProductID string
	OrderID   string
	Type      TransactionType
	From      time.Time
	To        time.Time
	Limit     int
}

type OrderType string

const (
	OrderWarehouseToDistributor OrderType = "WAREHOUSE_TO_DISTRIBUTOR"
	OrderDistributorToClient    OrderType = "DISTRIBUTOR_TO_CLIENT"
)

// NumberPrefix is the order-number prefix for the order type.
func (t OrderType) NumberPrefix() string {
	switch t {
	case OrderWarehouseToDistributor:
		return "WO"
	case OrderDistributorToClient:
		return "CO"
	default:
		return "ORD"
	}
}

type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderFulfilled  OrderStatus = "FULFILLED"
	OrderCancelled  OrderStatus = "CANCELLED"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderFulfilled || s == OrderCancelled
}

type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "UNPAID"
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

type Order struct {
	ID            string          `json:"id"`
	OrderNumber   string          `json:"orderNumber"`
	Type          OrderType       `json:"type"`
	Status        OrderStatus     `json:"status"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	WarehouseID   string          `json:"warehouseId,omitempty"`
	DistributorID string          `json:"distributorId"`
	ClientID      string          `json:"clientId,omitempty"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Notes         string          `json:"notes,omitempty"`
	CreatedBy     string          `json:"createdBy"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	FulfilledAt   *time.Time      `json:"fulfilledAt,omitempty"`
	ReceivedAt    *time.Time      `json:"receivedAt,omitempty"`
	Items         []OrderItem     `json:"items"`
}

// SourceLocation is the inventory debited when the order is fulfilled.
func (o Order) SourceLocation() Location {
	if o.Type == OrderDistributorToClient {
		return DistributorLocation(o.DistributorID)
	}
	return WarehouseLocation(o.WarehouseID)
}

func (o Order) PaymentTier() PaymentTier {
	if o.Type == OrderDistributorToClient {
		return PaymentTierClient
	}
	return PaymentTierWarehouse
}

// AppendNote adds a line to the order notes.
func (o *Order) AppendNote(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	if o.Notes == "" {
		o.Notes = note
		return
	}
	o.Notes = o.Notes + "\n" + note
}

type OrderItem struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type OrderLineRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type WarehouseOrderCreateRequest struct {
	WarehouseID   string             `json:"warehouseId"`
	DistributorID string             `json:"distributorId"`
	Notes         string             `json:"notes"`
	Items         []OrderLineRequest `json:"items"`
}

type ClientOrderCreateRequest struct {
	DistributorID string             `json:"distributorId"`
	ClientID      string             `json:"clientId"`
	Notes         string             `json:"notes"`
	Items         []OrderLineRequest `json:"items"`
}

type OrderFilter struct {
	Type          OrderType
	Status        OrderStatus
	PaymentStatus PaymentStatus
	WarehouseID   string
	DistributorID string
	ClientID      string
	From          time.Time
	To            time.Time
	Limit         int
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

type MarkPaidRequest struct {
	PaymentMethod string `json:"paymentMethod"`
	Notes         string `json:"notes"`
}

type SubmitPaymentRequest struct {
	PaymentMethod string `json:"paymentMethod"`
	Reference     string `json:"reference"`
}

type PaymentFailedRequest struct {
	Reason string `json:"reason"`
}

type OrderResponse struct {
	Order        Order                  `json:"order"`
	Payment      *Payment               `json:"payment,omitempty"`
	Transactions []InventoryTransaction `json:"transactions,omitempty"`
}

type OrderListResponse struct {
	Orders []Order `json:"orders"`
}

type PaymentTier string

const (
	PaymentTierWarehouse PaymentTier = "WAREHOUSE"
	PaymentTierClient    PaymentTier = "CLIENT"
)

// Payment is the single payment record kept per order.
type Payment struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	Tier        PaymentTier     `json:"tier"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method"`
	Status      PaymentStatus   `json:"status"`
	Reference   string          `json:"reference,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	ConfirmedBy string          `json:"confirmedBy,omitempty"`
	PaidAt      *time.Time      `json:"paidAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type RestockRequest struct {
	WarehouseID string `json:"warehouseId"`
	ProductID   string `json:"productId"`
	Quantity    int    `json:"quantity"`
	Notes       string `json:"notes"`
}

type AdjustRequest struct {
	WarehouseID    string `json:"warehouseId"`
	ProductID      string `json:"productId"`
	QuantityChange int    `json:"quantityChange"`
	Notes          string `json:"notes"`
}

type InventoryMutationResponse struct {
	Inventory   InventoryView        `json:"inventory"`
	Transaction InventoryTransaction `json:"transaction"`
}

type InventoryListResponse struct {
	Items []InventoryView `json:"items"`
}

type Warehouse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

type Distributor struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Username    string    `json:"username"`
	WarehouseID string    `json:"warehouseId"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Client struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Username      string    `json:"username,omitempty"`
	DistributorID string    `json:"distributorId"`
	CreatedAt     time.Time `json:"createdAt"`
}

type DistributorCreateRequest struct {
	Name        string `json:"name"`
	WarehouseID string `json:"warehouseId"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

type ClientCreateRequest struct {
	Name          string `json:"name"`
	DistributorID string `json:"distributorId"`
	Username      string `json:"username"`
	Password      string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	Role        Role   `json:"role"`
	PartyID     string `json:"partyId,omitempty"`
	ExpiresAt   string `json:"expiresAt"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      Role
	PartyID   string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actorUsername"`
	ActorRole     Role      `json:"actorRole"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entityType"`
	EntityID      string    `json:"entityId"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"createdAt"`
}

type RevenueBucket struct {
	Period  string          `json:"period"`
	Orders  int             `json:"orders"`
	Revenue decimal.Decimal `json:"revenue"`
}

type RevenueReport struct {
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
	Granularity  string          `json:"granularity"`
	OrderType    OrderType       `json:"orderType,omitempty"`
	TotalOrders  int             `json:"totalOrders"`
	TotalRevenue decimal.Decimal `json:"totalRevenue"`
	Buckets      []RevenueBucket `json:"buckets"`
}

type FulfillmentReport struct {
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	OrderType    OrderType `json:"orderType,omitempty"`
	Orders       int       `json:"orders"`
	AverageHours float64   `json:"averageHours"`
	MinHours     float64   `json:"minHours"`
	MaxHours     float64   `json:"maxHours"`
}

type TurnoverLine struct {
	ProductID        string  `json:"productId"`
	ProductName      string  `json:"productName"`
	UnitsSold        int     `json:"unitsSold"`
	OpeningBalance   int     `json:"openingBalance"`
	ClosingBalance   int     `json:"closingBalance"`
	AverageInventory float64 `json:"averageInventory"`
	TurnoverRate     float64 `json:"turnoverRate"`
}

type TurnoverReport struct {
	Location   Location       `json:"location"`
	WindowDays int            `json:"windowDays"`
	From       time.Time      `json:"from"`
	To         time.Time      `json:"to"`
	Lines      []TurnoverLine `json:"lines"`
}

type LowStockLine struct {
	Product      Product `json:"product"`
	Quantity     int     `json:"quantity"`
	ReorderLevel int     `json:"reorderLevel"`
	Shortfall    int     `json:"shortfall"`
}

type LowStockReport struct {
	WarehouseID string         `json:"warehouseId"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Items       []LowStockLine `json:"items"`
}

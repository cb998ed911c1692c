package memory

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/store"
)

const (
	SeedWarehouseID   = "wh-main"
	SeedDistributorID = "dist-north"
	SeedClientID      = "client-acme"
)

type state struct {
	products     map[string]domain.Product
	skuIndex     map[string]string
	inventory    map[string]domain.InventoryRecord
	inventoryLog []domain.InventoryTransaction
	orders       map[string]domain.Order
	payments     map[string]domain.Payment
	sequences    map[string]int
	warehouses   map[string]domain.Warehouse
	distributors map[string]domain.Distributor
	clients      map[string]domain.Client
	auditLogs    []domain.AuditLog
	usersByName  map[string]domain.UserAccount
}

func newState() *state {
	return &state{
		products:     make(map[string]domain.Product),
		skuIndex:     make(map[string]string),
		inventory:    make(map[string]domain.InventoryRecord),
		inventoryLog: make([]domain.InventoryTransaction, 0, 128),
		orders:       make(map[string]domain.Order),
		payments:     make(map[string]domain.Payment),
		sequences:    make(map[string]int),
		warehouses:   make(map[string]domain.Warehouse),
		distributors: make(map[string]domain.Distributor),
		clients:      make(map[string]domain.Client),
		auditLogs:    make([]domain.AuditLog, 0, 128),
		usersByName:  make(map[string]domain.UserAccount),
	}
}

// clone copies everything a unit of work can touch. Orders are deep-copied
// because their item slices are shared otherwise.
func (st *state) clone() *state {
	orders := make(map[string]domain.Order, len(st.orders))
	for id, order := range st.orders {
		orders[id] = cloneOrder(order)
	}
	return &state{
		products:     maps.Clone(st.products),
		skuIndex:     maps.Clone(st.skuIndex),
		inventory:    maps.Clone(st.inventory),
		inventoryLog: slices.Clone(st.inventoryLog),
		orders:       orders,
		payments:     maps.Clone(st.payments),
		sequences:    maps.Clone(st.sequences),
		warehouses:   maps.Clone(st.warehouses),
		distributors: maps.Clone(st.distributors),
		clients:      maps.Clone(st.clients),
		auditLogs:    st.auditLogs,
		usersByName:  st.usersByName,
	}
}

type Store struct {
	mu     sync.RWMutex
	st     *state
	logger *zap.Logger
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState(), logger: zap.NewNop()}
}

// NewSeeded returns a store with one warehouse, one distributor, one client,
// a small catalog and warehouse stock, plus a login for every role.
func NewSeeded(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := New()
	s.logger = logger
	now := time.Now().UTC()

	s.st.warehouses[SeedWarehouseID] = domain.Warehouse{ID: SeedWarehouseID, Name: "Main Warehouse", Active: true, CreatedAt: now}
	s.st.distributors[SeedDistributorID] = domain.Distributor{
		ID:          SeedDistributorID,
		Name:        "North Distribution",
		Username:    "distributor",
		WarehouseID: SeedWarehouseID,
		Active:      true,
		CreatedAt:   now,
	}
	s.st.clients[SeedClientID] = domain.Client{
		ID:            SeedClientID,
		Name:          "Acme Corner Store",
		Username:      "client",
		DistributorID: SeedDistributorID,
		CreatedAt:     now,
	}

	products := []domain.Product{
		{ID: "prod-cola", Name: "Cola Classic 330ml", Flavor: "cola", Category: "soda", SKU: "SODA-COLA-330", UnitPrice: decimal.RequireFromString("1.20")},
		{ID: "prod-lemon", Name: "Lemon Fizz 330ml", Flavor: "lemon", Category: "soda", SKU: "SODA-LEM-330", UnitPrice: decimal.RequireFromString("1.10")},
		{ID: "prod-orange", Name: "Orange Juice 1L", Flavor: "orange", Category: "juice", SKU: "JUICE-ORA-1L", UnitPrice: decimal.RequireFromString("2.75")},
		{ID: "prod-apple", Name: "Apple Juice 1L", Flavor: "apple", Category: "juice", SKU: "JUICE-APP-1L", UnitPrice: decimal.RequireFromString("2.60")},
		{ID: "prod-water", Name: "Spring Water 500ml", Flavor: "plain", Category: "water", SKU: "WATER-500", UnitPrice: decimal.RequireFromString("0.65")},
		{ID: "prod-tea", Name: "Iced Tea Peach 500ml", Flavor: "peach", Category: "tea", SKU: "TEA-PEA-500", UnitPrice: decimal.RequireFromString("1.45")},
	}
	for _, p := range products {
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.st.products[p.ID] = p
		s.st.skuIndex[p.SKU] = p.ID
		loc := domain.WarehouseLocation(SeedWarehouseID)
		s.st.inventory[inventoryKey(loc, p.ID)] = domain.InventoryRecord{
			Location:     loc,
			ProductID:    p.ID,
			Quantity:     120,
			ReorderLevel: 10,
			UpdatedAt:    now,
		}
	}

	s.st.usersByName = seedUsers(logger)
	return s
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Passwords come from SEED_<ROLE>_PASSWORD and fall back to dev defaults.
func seedUsers(logger *zap.Logger) map[string]domain.UserAccount {
	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	usedDefault := false
	for _, u := range []struct {
		username string
		env      string
		fallback string
		role     domain.Role
		partyID  string
	}{
		{"owner", "SEED_OWNER_PASSWORD", "owner123", domain.RoleOwner, ""},
		{"manager", "SEED_MANAGER_PASSWORD", "manager123", domain.RoleManager, ""},
		{"distributor", "SEED_DISTRIBUTOR_PASSWORD", "distributor123", domain.RoleDistributor, SeedDistributorID},
		{"client", "SEED_CLIENT_PASSWORD", "client123", domain.RoleClient, SeedClientID},
	} {
		password := os.Getenv(u.env)
		if password == "" {
			password = u.fallback
			usedDefault = true
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			logger.Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			PartyID:   u.partyID,
			Active:    true,
			CreatedAt: now,
		}
	}
	if usedDefault {
		logger.Warn("memory store is using default dev credentials; set SEED_*_PASSWORD to override")
	}
	return users
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.st.clone()
	if err := fn(&memTx{st: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	staged.auditLogs = s.st.auditLogs
	staged.usersByName = s.st.usersByName
	s.st = staged
	return nil
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.st.products))
	for _, p := range s.st.products {
		if !p.Active && !includeInactive {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProduct(s.st, id)
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.SKU == "" || product.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.st.skuIndex[product.SKU]; exists {
		return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidInput, product.SKU)
	}
	if _, exists := s.st.products[product.ID]; exists {
		return nil, fmt.Errorf("%w: product %s already exists", store.ErrInvalidInput, product.ID)
	}
	s.st.products[product.ID] = product
	s.st.skuIndex[product.SKU] = product.ID
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.st.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	product.SKU = existing.SKU
	product.CreatedAt = existing.CreatedAt
	s.st.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) ListInventory(_ context.Context, loc domain.Location) ([]domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.InventoryRecord, 0, 32)
	for _, rec := range s.st.inventory {
		if rec.Location == loc {
			records = append(records, rec)
		}
	}
	slices.SortFunc(records, func(a, b domain.InventoryRecord) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return records, nil
}

// ListInventoryTransactions returns matching entries oldest first. A positive
// limit keeps the most recent entries.
func (s *Store) ListInventoryTransactions(_ context.Context, filter domain.InventoryTransactionFilter) ([]domain.InventoryTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryTransaction, 0, 32)
	for _, entry := range s.st.inventoryLog {
		if filter.Location != nil && entry.Location != *filter.Location {
			continue
		}
		if filter.ProductID != "" && entry.ProductID != filter.ProductID {
			continue
		}
		if filter.OrderID != "" && entry.OrderID != filter.OrderID {
			continue
		}
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		if !filter.From.IsZero() && entry.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !entry.CreatedAt.Before(filter.To) {
			continue
		}
		result = append(result, entry)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getOrder(s.st, id)
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, 32)
	for _, order := range s.st.orders {
		if filter.Type != "" && order.Type != filter.Type {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.PaymentStatus != "" && order.PaymentStatus != filter.PaymentStatus {
			continue
		}
		if filter.WarehouseID != "" && order.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.DistributorID != "" && order.DistributorID != filter.DistributorID {
			continue
		}
		if filter.ClientID != "" && order.ClientID != filter.ClientID {
			continue
		}
		if !filter.From.IsZero() && order.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !order.CreatedAt.Before(filter.To) {
			continue
		}
		result = append(result, cloneOrder(order))
	}
	slices.SortFunc(result, func(a, b domain.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.OrderNumber, a.OrderNumber)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) GetPaymentByOrder(_ context.Context, orderID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPayment(s.st, orderID)
}

func (s *Store) ListWarehouses(_ context.Context) ([]domain.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := slices.Collect(maps.Values(s.st.warehouses))
	slices.SortFunc(result, func(a, b domain.Warehouse) int { return strings.Compare(a.Name, b.Name) })
	return result, nil
}

func (s *Store) GetWarehouse(_ context.Context, id string) (*domain.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWarehouse(s.st, id)
}

func (s *Store) CreateWarehouse(_ context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if warehouse.ID == "" || warehouse.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.st.warehouses[warehouse.ID]; exists {
		return nil, fmt.Errorf("%w: warehouse %s already exists", store.ErrInvalidInput, warehouse.ID)
	}
	s.st.warehouses[warehouse.ID] = warehouse
	created := warehouse
	return &created, nil
}

func (s *Store) ListDistributors(_ context.Context) ([]domain.Distributor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := slices.Collect(maps.Values(s.st.distributors))
	slices.SortFunc(result, func(a, b domain.Distributor) int { return strings.Compare(a.Name, b.Name) })
	return result, nil
}

func (s *Store) GetDistributor(_ context.Context, id string) (*domain.Distributor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDistributor(s.st, id)
}

func (s *Store) CreateDistributor(_ context.Context, distributor domain.Distributor) (*domain.Distributor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if distributor.ID == "" || distributor.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.st.distributors[distributor.ID]; exists {
		return nil, fmt.Errorf("%w: distributor %s already exists", store.ErrInvalidInput, distributor.ID)
	}
	s.st.distributors[distributor.ID] = distributor
	created := distributor
	return &created, nil
}

func (s *Store) ListClients(_ context.Context, distributorID string) ([]domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]domain.Client, 0, len(s.st.clients))
	for _, c := range s.st.clients {
		if distributorID != "" && c.DistributorID != distributorID {
			continue
		}
		result = append(result, c)
	}
	slices.SortFunc(result, func(a, b domain.Client) int { return strings.Compare(a.Name, b.Name) })
	return result, nil
}

func (s *Store) GetClient(_ context.Context, id string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getClient(s.st, id)
}

func (s *Store) CreateClient(_ context.Context, client domain.Client) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client.ID == "" || client.Name == "" || client.DistributorID == "" {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.st.clients[client.ID]; exists {
		return nil, fmt.Errorf("%w: client %s already exists", store.ErrInvalidInput, client.ID)
	}
	s.st.clients[client.ID] = client
	created := client
	return &created, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" || entry.Action == "" {
		return store.ErrInvalidInput
	}
	s.st.auditLogs = append(s.st.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.st.auditLogs) - 1; i >= 0; i-- {
		entry := s.st.auditLogs[i]
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.st.usersByName[username]; exists {
		return fmt.Errorf("%w: username already exists", store.ErrInvalidInput)
	}
	user.Username = username
	s.st.usersByName[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := slices.Collect(maps.Values(s.st.usersByName))
	slices.SortFunc(users, func(a, b domain.UserAccount) int { return strings.Compare(a.Username, b.Username) })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, ok := s.st.usersByName[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.st.usersByName[username] = user
	return nil
}

// memTx operates on a staged copy of the store state.
type memTx struct {
	st *state
}

func (t *memTx) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	return getProduct(t.st, id)
}

func (t *memTx) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.st.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (t *memTx) GetInventory(_ context.Context, loc domain.Location, productID string) (*domain.InventoryRecord, error) {
	rec, ok := t.st.inventory[inventoryKey(loc, productID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (t *memTx) SaveInventory(_ context.Context, record domain.InventoryRecord) error {
	if record.Quantity < 0 {
		return fmt.Errorf("%w: negative quantity for %s", store.ErrInsufficientStock, record.ProductID)
	}
	t.st.inventory[inventoryKey(record.Location, record.ProductID)] = record
	return nil
}

func (t *memTx) AppendInventoryTransaction(_ context.Context, entry domain.InventoryTransaction) error {
	if entry.ID == "" {
		return store.ErrInvalidInput
	}
	t.st.inventoryLog = append(t.st.inventoryLog, entry)
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	return getOrder(t.st, id)
}

func (t *memTx) InsertOrder(_ context.Context, order domain.Order) error {
	if order.ID == "" || order.OrderNumber == "" {
		return store.ErrInvalidInput
	}
	if _, exists := t.st.orders[order.ID]; exists {
		return fmt.Errorf("%w: order %s already exists", store.ErrInvalidInput, order.ID)
	}
	for _, existing := range t.st.orders {
		if existing.OrderNumber == order.OrderNumber {
			return fmt.Errorf("%w: order number %s already exists", store.ErrConflict, order.OrderNumber)
		}
	}
	t.st.orders[order.ID] = cloneOrder(order)
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, order domain.Order) error {
	existing, ok := t.st.orders[order.ID]
	if !ok {
		return store.ErrNotFound
	}
	// Items are immutable after creation.
	order.Items = existing.Items
	t.st.orders[order.ID] = order
	return nil
}

func (t *memTx) GetPaymentByOrder(_ context.Context, orderID string) (*domain.Payment, error) {
	return getPayment(t.st, orderID)
}

func (t *memTx) UpsertPayment(_ context.Context, payment domain.Payment) (*domain.Payment, error) {
	if payment.OrderID == "" {
		return nil, store.ErrInvalidInput
	}
	if existing, ok := t.st.payments[payment.OrderID]; ok {
		payment.ID = existing.ID
		payment.CreatedAt = existing.CreatedAt
	}
	t.st.payments[payment.OrderID] = payment
	saved := payment
	return &saved, nil
}

func (t *memTx) NextOrderSequence(_ context.Context, prefix string, year int) (int, error) {
	key := fmt.Sprintf("%s-%d", prefix, year)
	t.st.sequences[key]++
	return t.st.sequences[key], nil
}

func (t *memTx) GetWarehouse(_ context.Context, id string) (*domain.Warehouse, error) {
	return getWarehouse(t.st, id)
}

func (t *memTx) GetDistributor(_ context.Context, id string) (*domain.Distributor, error) {
	return getDistributor(t.st, id)
}

func (t *memTx) GetClient(_ context.Context, id string) (*domain.Client, error) {
	return getClient(t.st, id)
}

func getProduct(st *state, id string) (*domain.Product, error) {
	p, ok := st.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func getOrder(st *state, id string) (*domain.Order, error) {
	order, ok := st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := cloneOrder(order)
	return &copied, nil
}

func getPayment(st *state, orderID string) (*domain.Payment, error) {
	p, ok := st.payments[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func getWarehouse(st *state, id string) (*domain.Warehouse, error) {
	w, ok := st.warehouses[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &w, nil
}

func getDistributor(st *state, id string) (*domain.Distributor, error) {
	d, ok := st.distributors[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func getClient(st *state, id string) (*domain.Client, error) {
	c, ok := st.clients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func inventoryKey(loc domain.Location, productID string) string {
	return loc.String() + "|" + productID
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = slices.Clone(src.Items)
	return dst
}

var (
	_ store.Repository = (*Store)(nil)
	_ store.Tx         = (*memTx)(nil)
)

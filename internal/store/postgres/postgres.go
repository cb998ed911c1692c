package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/store"
	"depotflow/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx so reads can be shared
// between the pool and a unit of work.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// EnsureWarehouse inserts the warehouse when it does not exist yet so a fresh
// database can take orders against the configured default.
func (s *Store) EnsureWarehouse(ctx context.Context, id string, name string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return store.ErrInvalidInput
	}
	if strings.TrimSpace(name) == "" {
		name = id
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warehouses (id, name, active, created_at)
		VALUES ($1, $2, true, now())
		ON CONFLICT (id) DO NOTHING
	`, id, name)
	return err
}

// WithinTx runs fn inside a serializable transaction. Serialization failures
// and deadlocks surface as store.ErrConflict so callers can retry.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return mapTxError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapTxError(err)
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true OR $1
		ORDER BY category, name
	`, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, s.db, id)
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.SKU == "" || product.Name == "" {
		return nil, store.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, flavor, category, sku, unit_price, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, product.ID, product.Name, product.Flavor, product.Category, product.SKU, product.UnitPrice, product.Active, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidInput, product.SKU)
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, flavor = $3, category = $4, unit_price = $5, active = $6, updated_at = $7
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.Flavor, product.Category, product.UnitPrice, product.Active, product.UpdatedAt)
	updated, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) ListInventory(ctx context.Context, loc domain.Location) ([]domain.InventoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inventoryColumns+`
		FROM inventory_records
		WHERE location_kind = $1 AND location_id = $2
		ORDER BY product_id
	`, string(loc.Kind), loc.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.InventoryRecord, 0, 32)
	for rows.Next() {
		rec, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ListInventoryTransactions returns matching entries oldest first. A positive
// limit keeps the most recent entries.
func (s *Store) ListInventoryTransactions(ctx context.Context, filter domain.InventoryTransactionFilter) ([]domain.InventoryTransaction, error) {
	var kind, locationID string
	if filter.Location != nil {
		kind = string(filter.Location.Kind)
		locationID = filter.Location.ID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, location_kind, location_id, product_id, type, quantity_delta, balance_after, actor, order_id, notes, created_at
		FROM (
			SELECT *
			FROM inventory_transactions
			WHERE ($1 = '' OR (location_kind = $1 AND location_id = $2))
				AND ($3 = '' OR product_id = $3)
				AND ($4 = '' OR order_id = $4)
				AND ($5 = '' OR type = $5)
				AND ($6::timestamptz IS NULL OR created_at >= $6)
				AND ($7::timestamptz IS NULL OR created_at < $7)
			ORDER BY seq DESC
			LIMIT $8
		) recent
		ORDER BY seq ASC
	`, kind, locationID, filter.ProductID, filter.OrderID, string(filter.Type), nullIfZeroTime(filter.From), nullIfZeroTime(filter.To), nullIfZero(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectInventoryTransactions(rows)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, s.db, id, false)
}

// ListOrders returns newest orders first. A zero limit returns every match.
func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE ($1 = '' OR type = $1)
			AND ($2 = '' OR status = $2)
			AND ($3 = '' OR payment_status = $3)
			AND ($4 = '' OR warehouse_id = $4)
			AND ($5 = '' OR distributor_id = $5)
			AND ($6 = '' OR client_id = $6)
			AND ($7::timestamptz IS NULL OR created_at >= $7)
			AND ($8::timestamptz IS NULL OR created_at < $8)
		ORDER BY created_at DESC, order_number DESC
		LIMIT $9
	`, string(filter.Type), string(filter.Status), string(filter.PaymentStatus), filter.WarehouseID, filter.DistributorID, filter.ClientID,
		nullIfZeroTime(filter.From), nullIfZeroTime(filter.To), nullIfZero(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Order, 0, 32)
	ids := make([]string, 0, 32)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return result, nil
	}

	itemMap, err := loadOrderItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Items = itemMap[result[i].ID]
	}
	return result, nil
}

func (s *Store) GetPaymentByOrder(ctx context.Context, orderID string) (*domain.Payment, error) {
	return getPayment(ctx, s.db, orderID)
}

func (s *Store) ListWarehouses(ctx context.Context) ([]domain.Warehouse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, active, created_at
		FROM warehouses
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Warehouse, 0, 4)
	for rows.Next() {
		w, err := scanWarehouse(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetWarehouse(ctx context.Context, id string) (*domain.Warehouse, error) {
	return getWarehouse(ctx, s.db, id)
}

func (s *Store) CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	if warehouse.ID == "" || warehouse.Name == "" {
		return nil, store.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warehouses (id, name, active, created_at)
		VALUES ($1,$2,$3,$4)
	`, warehouse.ID, warehouse.Name, warehouse.Active, warehouse.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: warehouse %s already exists", store.ErrInvalidInput, warehouse.ID)
		}
		return nil, err
	}
	created := warehouse
	return &created, nil
}

func (s *Store) ListDistributors(ctx context.Context) ([]domain.Distributor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, username, warehouse_id, active, created_at
		FROM distributors
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Distributor, 0, 16)
	for rows.Next() {
		d, err := scanDistributor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetDistributor(ctx context.Context, id string) (*domain.Distributor, error) {
	return getDistributor(ctx, s.db, id)
}

func (s *Store) CreateDistributor(ctx context.Context, distributor domain.Distributor) (*domain.Distributor, error) {
	if distributor.ID == "" || distributor.Name == "" {
		return nil, store.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO distributors (id, name, username, warehouse_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, distributor.ID, distributor.Name, distributor.Username, distributor.WarehouseID, distributor.Active, distributor.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: distributor %s already exists", store.ErrInvalidInput, distributor.ID)
		}
		return nil, err
	}
	created := distributor
	return &created, nil
}

func (s *Store) ListClients(ctx context.Context, distributorID string) ([]domain.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, username, distributor_id, created_at
		FROM clients
		WHERE ($1 = '' OR distributor_id = $1)
		ORDER BY name
	`, distributorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Client, 0, 16)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	return getClient(ctx, s.db, id)
}

func (s *Store) CreateClient(ctx context.Context, client domain.Client) (*domain.Client, error) {
	if client.ID == "" || client.Name == "" || client.DistributorID == "" {
		return nil, store.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, username, distributor_id, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, client.ID, client.Name, client.Username, client.DistributorID, client.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: client %s already exists", store.ErrInvalidInput, client.ID)
		}
		return nil, err
	}
	created := client
	return &created, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Action == "" {
		return store.ErrInvalidInput
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, string(entry.ActorRole), entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
			AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, nullIfZeroTime(from), nullIfZeroTime(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		var role string
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &role, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.ActorRole = domain.Role(role)
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, err := domain.ParseRole(string(user.Role)); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, party_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, string(user.Role), user.PartyID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username already exists", store.ErrInvalidInput)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, party_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		var role string
		if err := rows.Scan(&user.Username, &user.Password, &role, &user.PartyID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.Role = domain.Role(role)
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func mapTxError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return &driverError{kind: store.ErrConflict, detail: "concurrent update, retry", cause: err}
	case "23514":
		switch pgErr.ConstraintName {
		case "inventory_records_quantity_check", "inventory_transactions_balance_after_check":
			return &driverError{kind: store.ErrInsufficientStock, detail: "stock would go negative", cause: err}
		}
		return &driverError{kind: store.ErrInvalidInput, detail: "value rejected by storage constraint", cause: err}
	case "22003":
		return &driverError{kind: store.ErrInvalidInput, detail: "numeric value out of range", cause: err}
	}
	return err
}

// driverError classifies a driver failure under a store sentinel. Error()
// never includes the driver message; the cause stays reachable for logging
// through errors.As.
type driverError struct {
	kind   error
	detail string
	cause  error
}

func (e *driverError) Error() string {
	return e.kind.Error() + ": " + e.detail
}

func (e *driverError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullIfZero(val int) any {
	if val <= 0 {
		return nil
	}
	return val
}

func nullIfZeroTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	at := val.Time.UTC()
	return &at
}

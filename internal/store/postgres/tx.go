package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/store"
	"depotflow/backend/internal/xid"
)

const (
	productColumns   = `id, name, flavor, category, sku, unit_price, active, created_at, updated_at`
	inventoryColumns = `location_kind, location_id, product_id, quantity, reorder_level, last_restocked_at, updated_at`
	orderColumns     = `id, order_number, type, status, payment_status, warehouse_id, distributor_id, client_id,
		total_amount, notes, created_by, created_at, updated_at, fulfilled_at, received_at`
	paymentColumns = `id, order_id, tier, amount, method, status, reference, notes, confirmed_by, paid_at, created_at, updated_at`
)

// pgTx is the unit of work handed to store.Repository.WithinTx callers.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, t.tx, id)
}

func (t *pgTx) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (t *pgTx) GetInventory(ctx context.Context, loc domain.Location, productID string) (*domain.InventoryRecord, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+inventoryColumns+`
		FROM inventory_records
		WHERE location_kind = $1 AND location_id = $2 AND product_id = $3
		FOR UPDATE
	`, string(loc.Kind), loc.ID, productID)
	rec, err := scanInventory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (t *pgTx) SaveInventory(ctx context.Context, record domain.InventoryRecord) error {
	if record.Quantity < 0 {
		return fmt.Errorf("%w: negative quantity for %s", store.ErrInsufficientStock, record.ProductID)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_records (location_kind, location_id, product_id, quantity, reorder_level, last_restocked_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (location_kind, location_id, product_id) DO UPDATE
		SET quantity = EXCLUDED.quantity,
			reorder_level = EXCLUDED.reorder_level,
			last_restocked_at = EXCLUDED.last_restocked_at,
			updated_at = EXCLUDED.updated_at
	`, string(record.Location.Kind), record.Location.ID, record.ProductID, record.Quantity, record.ReorderLevel, nullTime(record.LastRestockedAt), record.UpdatedAt)
	return err
}

func (t *pgTx) AppendInventoryTransaction(ctx context.Context, entry domain.InventoryTransaction) error {
	if entry.ID == "" {
		return store.ErrInvalidInput
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_transactions (
			id, location_kind, location_id, product_id, type, quantity_delta, balance_after, actor, order_id, notes, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, entry.ID, string(entry.Location.Kind), entry.Location.ID, entry.ProductID, string(entry.Type), entry.QuantityDelta, entry.BalanceAfter,
		entry.Actor, nullIfEmpty(entry.OrderID), entry.Notes, entry.CreatedAt)
	return err
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *pgTx) InsertOrder(ctx context.Context, order domain.Order) error {
	if order.ID == "" || order.OrderNumber == "" {
		return store.ErrInvalidInput
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, type, status, payment_status, warehouse_id, distributor_id, client_id,
			total_amount, notes, created_by, created_at, updated_at, fulfilled_at, received_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, order.ID, order.OrderNumber, string(order.Type), string(order.Status), string(order.PaymentStatus), order.WarehouseID,
		order.DistributorID, nullIfEmpty(order.ClientID), order.TotalAmount, order.Notes, order.CreatedBy, order.CreatedAt, order.UpdatedAt,
		nullTime(order.FulfilledAt), nullTime(order.ReceivedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: order number %s already exists", store.ErrConflict, order.OrderNumber)
		}
		return err
	}

	for i, item := range order.Items {
		if item.ID == "" {
			item.ID = xid.New("item")
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, product_name, quantity, unit_price, subtotal, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, item.ID, order.ID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.Subtotal, i); err != nil {
			return err
		}
	}
	return nil
}

// UpdateOrder writes the mutable order fields. Items never change after
// creation.
func (t *pgTx) UpdateOrder(ctx context.Context, order domain.Order) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
			payment_status = $3,
			notes = $4,
			updated_at = $5,
			fulfilled_at = $6,
			received_at = $7
		WHERE id = $1
	`, order.ID, string(order.Status), string(order.PaymentStatus), order.Notes, order.UpdatedAt, nullTime(order.FulfilledAt), nullTime(order.ReceivedAt))
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

func (t *pgTx) GetPaymentByOrder(ctx context.Context, orderID string) (*domain.Payment, error) {
	return getPayment(ctx, t.tx, orderID)
}

func (t *pgTx) UpsertPayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	if payment.OrderID == "" {
		return nil, store.ErrInvalidInput
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO payments (id, order_id, tier, amount, method, status, reference, notes, confirmed_by, paid_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (order_id) DO UPDATE
		SET amount = EXCLUDED.amount,
			method = EXCLUDED.method,
			status = EXCLUDED.status,
			reference = EXCLUDED.reference,
			notes = EXCLUDED.notes,
			confirmed_by = EXCLUDED.confirmed_by,
			paid_at = EXCLUDED.paid_at,
			updated_at = EXCLUDED.updated_at
		RETURNING `+paymentColumns,
		payment.ID, payment.OrderID, string(payment.Tier), payment.Amount, payment.Method, string(payment.Status), payment.Reference,
		payment.Notes, payment.ConfirmedBy, nullTime(payment.PaidAt), payment.CreatedAt, payment.UpdatedAt)
	saved, err := scanPayment(row)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (t *pgTx) NextOrderSequence(ctx context.Context, prefix string, year int) (int, error) {
	var value int
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO order_sequences (prefix, year, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, year) DO UPDATE
		SET last_value = order_sequences.last_value + 1
		RETURNING last_value
	`, prefix, year).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (t *pgTx) GetWarehouse(ctx context.Context, id string) (*domain.Warehouse, error) {
	return getWarehouse(ctx, t.tx, id)
}

func (t *pgTx) GetDistributor(ctx context.Context, id string) (*domain.Distributor, error) {
	return getDistributor(ctx, t.tx, id)
}

func (t *pgTx) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	return getClient(ctx, t.tx, id)
}

func getProduct(ctx context.Context, q querier, id string) (*domain.Product, error) {
	row := q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	order, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := loadOrderItems(ctx, q, []string{order.ID})
	if err != nil {
		return nil, err
	}
	order.Items = items[order.ID]
	return &order, nil
}

func loadOrderItems(ctx context.Context, q querier, orderIDs []string) (map[string][]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, unit_price, subtotal
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position ASC
	`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	itemMap := make(map[string][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, err
		}
		itemMap[item.OrderID] = append(itemMap[item.OrderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return itemMap, nil
}

func getPayment(ctx context.Context, q querier, orderID string) (*domain.Payment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func getWarehouse(ctx context.Context, q querier, id string) (*domain.Warehouse, error) {
	row := q.QueryRowContext(ctx, `SELECT id, name, active, created_at FROM warehouses WHERE id = $1`, id)
	w, err := scanWarehouse(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

func getDistributor(ctx context.Context, q querier, id string) (*domain.Distributor, error) {
	row := q.QueryRowContext(ctx, `SELECT id, name, username, warehouse_id, active, created_at FROM distributors WHERE id = $1`, id)
	d, err := scanDistributor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func getClient(ctx context.Context, q querier, id string) (*domain.Client, error) {
	row := q.QueryRowContext(ctx, `SELECT id, name, username, distributor_id, created_at FROM clients WHERE id = $1`, id)
	c, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.Name, &p.Flavor, &p.Category, &p.SKU, &p.UnitPrice, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func scanInventory(row rowScanner) (domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	var kind string
	var restocked sql.NullTime
	if err := row.Scan(&kind, &rec.Location.ID, &rec.ProductID, &rec.Quantity, &rec.ReorderLevel, &restocked, &rec.UpdatedAt); err != nil {
		return domain.InventoryRecord{}, err
	}
	rec.Location.Kind = domain.LocationKind(kind)
	rec.LastRestockedAt = timePtr(restocked)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var orderType, status, paymentStatus string
	var clientID sql.NullString
	var fulfilledAt, receivedAt sql.NullTime
	if err := row.Scan(
		&o.ID,
		&o.OrderNumber,
		&orderType,
		&status,
		&paymentStatus,
		&o.WarehouseID,
		&o.DistributorID,
		&clientID,
		&o.TotalAmount,
		&o.Notes,
		&o.CreatedBy,
		&o.CreatedAt,
		&o.UpdatedAt,
		&fulfilledAt,
		&receivedAt,
	); err != nil {
		return domain.Order{}, err
	}
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	o.PaymentStatus = domain.PaymentStatus(paymentStatus)
	o.ClientID = clientID.String
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	o.FulfilledAt = timePtr(fulfilledAt)
	o.ReceivedAt = timePtr(receivedAt)
	return o, nil
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var p domain.Payment
	var tier, status string
	var paidAt sql.NullTime
	if err := row.Scan(&p.ID, &p.OrderID, &tier, &p.Amount, &p.Method, &status, &p.Reference, &p.Notes, &p.ConfirmedBy, &paidAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Payment{}, err
	}
	p.Tier = domain.PaymentTier(tier)
	p.Status = domain.PaymentStatus(status)
	p.PaidAt = timePtr(paidAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func scanWarehouse(row rowScanner) (domain.Warehouse, error) {
	var w domain.Warehouse
	if err := row.Scan(&w.ID, &w.Name, &w.Active, &w.CreatedAt); err != nil {
		return domain.Warehouse{}, err
	}
	w.CreatedAt = w.CreatedAt.UTC()
	return w, nil
}

func scanDistributor(row rowScanner) (domain.Distributor, error) {
	var d domain.Distributor
	if err := row.Scan(&d.ID, &d.Name, &d.Username, &d.WarehouseID, &d.Active, &d.CreatedAt); err != nil {
		return domain.Distributor{}, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

func scanClient(row rowScanner) (domain.Client, error) {
	var c domain.Client
	if err := row.Scan(&c.ID, &c.Name, &c.Username, &c.DistributorID, &c.CreatedAt); err != nil {
		return domain.Client{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func collectInventoryTransactions(rows *sql.Rows) ([]domain.InventoryTransaction, error) {
	result := make([]domain.InventoryTransaction, 0, 32)
	for rows.Next() {
		var entry domain.InventoryTransaction
		var kind, txType string
		var orderID sql.NullString
		if err := rows.Scan(
			&entry.ID,
			&kind,
			&entry.Location.ID,
			&entry.ProductID,
			&txType,
			&entry.QuantityDelta,
			&entry.BalanceAfter,
			&entry.Actor,
			&orderID,
			&entry.Notes,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.Location.Kind = domain.LocationKind(kind)
		entry.Type = domain.TransactionType(txType)
		entry.OrderID = orderID.String
		entry.CreatedAt = entry.CreatedAt.UTC()
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

var (
	_ store.Repository = (*Store)(nil)
	_ store.Tx         = (*pgTx)(nil)
)

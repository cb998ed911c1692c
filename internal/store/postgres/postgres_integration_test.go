package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/ledger"
	"depotflow/backend/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("DEPOTFLOW_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DEPOTFLOW_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))
	return s
}

type fixtureIDs struct {
	warehouse   string
	distributor string
	product     string
}

func seedFixture(t *testing.T, s *Store, stock int) fixtureIDs {
	t.Helper()
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	ids := fixtureIDs{
		warehouse:   fmt.Sprintf("wh-it-%d", stamp),
		distributor: fmt.Sprintf("dist-it-%d", stamp),
		product:     fmt.Sprintf("prod-it-%d", stamp),
	}

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_transactions WHERE product_id = $1`, ids.product)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_records WHERE product_id = $1`, ids.product)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payments WHERE order_id IN (SELECT id FROM orders WHERE distributor_id = $1)`, ids.distributor)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_items WHERE product_id = $1`, ids.product)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE distributor_id = $1`, ids.distributor)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM distributors WHERE id = $1`, ids.distributor)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM warehouses WHERE id = $1`, ids.warehouse)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, ids.product)
	})

	now := time.Now().UTC()
	_, err := s.CreateWarehouse(ctx, domain.Warehouse{ID: ids.warehouse, Name: "IT Warehouse", Active: true, CreatedAt: now})
	require.NoError(t, err)
	_, err = s.CreateDistributor(ctx, domain.Distributor{ID: ids.distributor, Name: "IT Distributor", WarehouseID: ids.warehouse, Active: true, CreatedAt: now})
	require.NoError(t, err)
	_, err = s.CreateProduct(ctx, domain.Product{
		ID:        ids.product,
		Name:      "IT Cola",
		Category:  "soda",
		SKU:       fmt.Sprintf("SKU-IT-%d", stamp),
		UnitPrice: decimal.RequireFromString("1.20"),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inventory_records (location_kind, location_id, product_id, quantity, reorder_level, updated_at)
		VALUES ('WAREHOUSE', $1, $2, $3, 10, now())
	`, ids.warehouse, ids.product, stock)
	require.NoError(t, err)
	return ids
}

func insertPaidOrder(t *testing.T, s *Store, ids fixtureIDs, qty int) domain.Order {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	price := decimal.RequireFromString("1.20")
	var order domain.Order
	err := s.WithinTx(ctx, func(tx store.Tx) error {
		seq, err := tx.NextOrderSequence(ctx, "IT", now.Year())
		if err != nil {
			return err
		}
		order = domain.Order{
			ID:            fmt.Sprintf("ord-it-%d", now.UnixNano()),
			OrderNumber:   fmt.Sprintf("IT-%d-%d-%s", now.Year(), seq, ids.distributor),
			Type:          domain.OrderWarehouseToDistributor,
			Status:        domain.OrderPending,
			PaymentStatus: domain.PaymentPaid,
			WarehouseID:   ids.warehouse,
			DistributorID: ids.distributor,
			TotalAmount:   price.Mul(decimal.NewFromInt(int64(qty))),
			CreatedBy:     "it",
			CreatedAt:     now,
			UpdatedAt:     now,
			Items: []domain.OrderItem{{
				ProductID: ids.product,
				Quantity:  qty,
				UnitPrice: price,
				Subtotal:  price.Mul(decimal.NewFromInt(int64(qty))),
			}},
		}
		return tx.InsertOrder(ctx, order)
	})
	require.NoError(t, err)
	return order
}

func TestFulfillAndReceiveRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ids := seedFixture(t, s, 12)
	order := insertPaidOrder(t, s, ids, 10)
	inv := ledger.New(ledger.DefaultReorderLevel, nil)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		require.Len(t, locked.Items, 1)
		if _, _, err := inv.Apply(ctx, tx, ledger.Movement{
			Location:  domain.WarehouseLocation(ids.warehouse),
			ProductID: ids.product,
			Delta:     -10,
			Type:      domain.TxOrderFulfilled,
			Actor:     "it",
			OrderID:   order.ID,
		}); err != nil {
			return err
		}
		if _, _, err := inv.Apply(ctx, tx, ledger.Movement{
			Location:  domain.DistributorLocation(ids.distributor),
			ProductID: ids.product,
			Delta:     10,
			Type:      domain.TxOrderReceived,
			Actor:     "it",
			OrderID:   order.ID,
		}); err != nil {
			return err
		}
		now := time.Now().UTC()
		locked.Status = domain.OrderFulfilled
		locked.FulfilledAt = &now
		locked.ReceivedAt = &now
		return tx.UpdateOrder(ctx, *locked)
	})
	require.NoError(t, err)

	warehouseStock, err := s.ListInventory(ctx, domain.WarehouseLocation(ids.warehouse))
	require.NoError(t, err)
	require.Len(t, warehouseStock, 1)
	assert.Equal(t, 2, warehouseStock[0].Quantity)
	assert.True(t, warehouseStock[0].IsLowStock())

	distributorStock, err := s.ListInventory(ctx, domain.DistributorLocation(ids.distributor))
	require.NoError(t, err)
	require.Len(t, distributorStock, 1)
	assert.Equal(t, 10, distributorStock[0].Quantity)

	entries, err := s.ListInventoryTransactions(ctx, domain.InventoryTransactionFilter{OrderID: order.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.TxOrderFulfilled, entries[0].Type)
	assert.Equal(t, 2, entries[0].BalanceAfter)
	assert.Equal(t, domain.TxOrderReceived, entries[1].Type)

	saved, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFulfilled, saved.Status)
	assert.NotNil(t, saved.ReceivedAt)
	assert.True(t, order.TotalAmount.Equal(saved.TotalAmount))
}

func TestFailedUnitLeavesNoPartialState(t *testing.T) {
	s := openTestStore(t)
	ids := seedFixture(t, s, 5)
	inv := ledger.New(ledger.DefaultReorderLevel, nil)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if _, _, err := inv.Apply(ctx, tx, ledger.Movement{
			Location:  domain.WarehouseLocation(ids.warehouse),
			ProductID: ids.product,
			Delta:     -3,
			Type:      domain.TxAdjustment,
			Actor:     "it",
		}); err != nil {
			return err
		}
		_, _, err := inv.Apply(ctx, tx, ledger.Movement{
			Location:  domain.WarehouseLocation(ids.warehouse),
			ProductID: ids.product,
			Delta:     -3,
			Type:      domain.TxAdjustment,
			Actor:     "it",
		})
		return err
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	var shortage *store.InsufficientStockError
	require.True(t, errors.As(err, &shortage))

	records, err := s.ListInventory(ctx, domain.WarehouseLocation(ids.warehouse))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 5, records[0].Quantity)

	loc := domain.WarehouseLocation(ids.warehouse)
	entries, err := s.ListInventoryTransactions(ctx, domain.InventoryTransactionFilter{Location: &loc})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOrderSequenceIncrements(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("SQ%d", time.Now().UnixNano()%100000)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_sequences WHERE prefix = $1`, prefix)
	})

	var got []int
	for range 3 {
		err := s.WithinTx(ctx, func(tx store.Tx) error {
			n, err := tx.NextOrderSequence(ctx, prefix, 2026)
			got = append(got, n)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

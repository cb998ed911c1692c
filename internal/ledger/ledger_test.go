package ledger_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/ledger"
	"depotflow/backend/internal/store"
	"depotflow/backend/internal/store/memory"
)

func TestGetOrCreateDefaults(t *testing.T) {
	repo := memory.New()
	l := ledger.New(7, nil)
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		wh, err := l.GetOrCreate(ctx, tx, domain.WarehouseLocation("wh-1"), "prod-a")
		require.NoError(t, err)
		assert.Equal(t, 0, wh.Quantity)
		assert.Equal(t, 7, wh.ReorderLevel)

		dist, err := l.GetOrCreate(ctx, tx, domain.DistributorLocation("dist-1"), "prod-a")
		require.NoError(t, err)
		assert.Equal(t, 0, dist.ReorderLevel)
		assert.False(t, dist.IsLowStock())
		return nil
	})
	require.NoError(t, err)
}

func TestGetOrCreateRejectsInvalidLocation(t *testing.T) {
	repo := memory.New()
	l := ledger.New(10, nil)
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		_, err := l.GetOrCreate(ctx, tx, domain.Location{Kind: "SHELF", ID: "x"}, "prod-a")
		return err
	})
	require.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestApplyNeverGoesNegative(t *testing.T) {
	repo := memory.New()
	l := ledger.New(10, nil)
	ctx := context.Background()
	loc := domain.WarehouseLocation("wh-1")

	deltas := []int{5, -3, -4, 10, -12, -1, 2}
	succeeded := 0
	expected := 0
	for _, delta := range deltas {
		err := repo.WithinTx(ctx, func(tx store.Tx) error {
			_, _, err := l.Apply(ctx, tx, ledger.Movement{
				Location:  loc,
				ProductID: "prod-a",
				Delta:     delta,
				Type:      domain.TxAdjustment,
				Actor:     "tester",
			})
			return err
		})
		if expected+delta < 0 {
			require.ErrorIs(t, err, store.ErrInsufficientStock, "delta %d", delta)
			continue
		}
		require.NoError(t, err)
		expected += delta
		succeeded++
	}

	records, err := repo.ListInventory(ctx, loc)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, expected, records[0].Quantity)
	assert.GreaterOrEqual(t, records[0].Quantity, 0)

	entries, err := repo.ListInventoryTransactions(ctx, domain.InventoryTransactionFilter{Location: &loc, ProductID: "prod-a"})
	require.NoError(t, err)
	require.Len(t, entries, succeeded)
	assert.Equal(t, records[0].Quantity, entries[len(entries)-1].BalanceAfter)
}

func TestApplyShortageCarriesDetail(t *testing.T) {
	repo := memory.New()
	l := ledger.New(10, nil)
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		_, _, err := l.Apply(ctx, tx, ledger.Movement{
			Location:  domain.WarehouseLocation("wh-1"),
			ProductID: "prod-a",
			Delta:     -4,
			Type:      domain.TxAdjustment,
		})
		return err
	})

	var stockErr *store.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	require.Len(t, stockErr.Shortages, 1)
	assert.Equal(t, 0, stockErr.Shortages[0].Available)
	assert.Equal(t, 4, stockErr.Shortages[0].Requested)
}

func TestApplyRestockStampsTimestamp(t *testing.T) {
	repo := memory.New()
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := ledger.New(10, nil).WithClock(func() time.Time { return fixed })
	ctx := context.Background()

	var rec *domain.InventoryRecord
	var entry *domain.InventoryTransaction
	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		rec, entry, err = l.Apply(ctx, tx, ledger.Movement{
			Location:  domain.WarehouseLocation("wh-1"),
			ProductID: "prod-a",
			Delta:     20,
			Type:      domain.TxRestock,
			Restock:   true,
		})
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, rec.LastRestockedAt)
	assert.True(t, fixed.Equal(*rec.LastRestockedAt))
	assert.Equal(t, 20, entry.BalanceAfter)
	assert.Equal(t, domain.TxRestock, entry.Type)
}

func TestApplyRejectsZeroAndUnknownType(t *testing.T) {
	repo := memory.New()
	l := ledger.New(10, nil)
	ctx := context.Background()
	loc := domain.WarehouseLocation("wh-1")

	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		_, _, err := l.Apply(ctx, tx, ledger.Movement{Location: loc, ProductID: "p", Delta: 0, Type: domain.TxAdjustment})
		return err
	})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	err = repo.WithinTx(ctx, func(tx store.Tx) error {
		_, _, err := l.Apply(ctx, tx, ledger.Movement{Location: loc, ProductID: "p", Delta: 1, Type: "GIFT"})
		return err
	})
	require.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestFailedUnitLeavesNoPartialState(t *testing.T) {
	repo := memory.New()
	l := ledger.New(10, nil)
	ctx := context.Background()
	loc := domain.WarehouseLocation("wh-1")

	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, _, err := l.Apply(ctx, tx, ledger.Movement{Location: loc, ProductID: "prod-a", Delta: 5, Type: domain.TxRestock}); err != nil {
			return err
		}
		_, _, err := l.Apply(ctx, tx, ledger.Movement{Location: loc, ProductID: "prod-b", Delta: -1, Type: domain.TxAdjustment})
		return err
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	records, err := repo.ListInventory(ctx, loc)
	require.NoError(t, err)
	assert.Empty(t, records)

	entries, err := repo.ListInventoryTransactions(ctx, domain.InventoryTransactionFilter{Location: &loc})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheckAvailabilityAggregatesShortages(t *testing.T) {
	repo := memory.New()
	l := ledger.New(10, nil)
	ctx := context.Background()
	loc := domain.WarehouseLocation("wh-1")

	require.NoError(t, repo.WithinTx(ctx, func(tx store.Tx) error {
		for productID, qty := range map[string]int{"A": 5, "B": 2} {
			if _, _, err := l.Apply(ctx, tx, ledger.Movement{Location: loc, ProductID: productID, Delta: qty, Type: domain.TxRestock}); err != nil {
				return err
			}
		}
		return nil
	}))

	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		return l.CheckAvailability(ctx, tx, loc, []ledger.Line{
			{ProductID: "A", Quantity: 5},
			{ProductID: "B", ProductName: "Bravo", Quantity: 3},
			{ProductID: "C", Quantity: 1},
		})
	})

	var stockErr *store.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	require.Len(t, stockErr.Shortages, 2)
	assert.Equal(t, "B", stockErr.Shortages[0].ProductID)
	assert.Equal(t, 2, stockErr.Shortages[0].Available)
	assert.Equal(t, "C", stockErr.Shortages[1].ProductID)
	assert.Contains(t, stockErr.Details()[0], "Bravo")
}

func TestMergeLines(t *testing.T) {
	merged, err := ledger.MergeLines([]ledger.Line{
		{ProductID: "A", Quantity: 2},
		{ProductID: "B", Quantity: 1},
		{ProductID: "A", Quantity: 3},
	})
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, "A", merged[0].ProductID)
	assert.Equal(t, 5, merged[0].Quantity)
	assert.Equal(t, 1, merged[1].Quantity)
}

func TestMergeLinesRejectsOversizedTotals(t *testing.T) {
	_, err := ledger.MergeLines([]ledger.Line{
		{ProductID: "A", Quantity: ledger.MaxQuantity},
		{ProductID: "A", Quantity: ledger.MaxQuantity},
	})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = ledger.MergeLines([]ledger.Line{{ProductID: "A", Quantity: math.MaxInt}})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = ledger.MergeLines([]ledger.Line{{ProductID: "A", Quantity: 0}})
	require.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestApplyRejectsBalanceAboveMax(t *testing.T) {
	repo := memory.New()
	l := ledger.New(10, nil)
	ctx := context.Background()
	loc := domain.WarehouseLocation("wh-1")

	apply := func(delta int) error {
		return repo.WithinTx(ctx, func(tx store.Tx) error {
			_, _, err := l.Apply(ctx, tx, ledger.Movement{
				Location:  loc,
				ProductID: "prod-a",
				Delta:     delta,
				Type:      domain.TxRestock,
				Actor:     "tester",
			})
			return err
		})
	}

	require.NoError(t, apply(100))
	err := apply(ledger.MaxQuantity)
	require.ErrorIs(t, err, store.ErrInvalidInput)
	assert.False(t, errors.Is(err, store.ErrInsufficientStock))

	require.ErrorIs(t, apply(math.MaxInt), store.ErrInvalidInput)

	records, err := repo.ListInventory(ctx, loc)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 100, records[0].Quantity)
}

// Package ledger keeps per-location stock counters and their append-only
// transaction log. Every call runs inside a caller-supplied store.Tx so the
// quantity write and its transaction row commit together.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/store"
	"depotflow/backend/internal/xid"
)

const DefaultReorderLevel = 10

// MaxQuantity bounds any single quantity, merged line or balance. Stock
// columns are 32-bit in PostgreSQL.
const MaxQuantity = math.MaxInt32

// Movement is one signed stock change.
type Movement struct {
	Location  domain.Location
	ProductID string
	Delta     int
	Type      domain.TransactionType
	Actor     string
	OrderID   string
	Notes     string
	// Restock stamps LastRestockedAt on the record.
	Restock bool
}

// Line is a requested quantity of one product at a location.
type Line struct {
	ProductID   string
	ProductName string
	Quantity    int
}

type Ledger struct {
	reorderLevel int
	now          func() time.Time
	logger       *zap.Logger
}

func New(reorderLevel int, logger *zap.Logger) *Ledger {
	if reorderLevel < 0 {
		reorderLevel = DefaultReorderLevel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		reorderLevel: reorderLevel,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger,
	}
}

// WithClock replaces the time source. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// GetOrCreate returns the record for the pair, creating it with quantity 0
// when absent. Warehouse records get the default reorder level, distributor
// records get 0.
func (l *Ledger) GetOrCreate(ctx context.Context, tx store.Tx, loc domain.Location, productID string) (*domain.InventoryRecord, error) {
	if !loc.Valid() || productID == "" {
		return nil, store.ErrInvalidInput
	}

	rec, err := tx.GetInventory(ctx, loc, productID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	created := domain.InventoryRecord{
		Location:  loc,
		ProductID: productID,
		Quantity:  0,
		UpdatedAt: l.now(),
	}
	if loc.Kind == domain.LocationWarehouse {
		created.ReorderLevel = l.reorderLevel
	}
	if err := tx.SaveInventory(ctx, created); err != nil {
		return nil, err
	}
	l.logger.Debug("inventory record created",
		zap.String("location", loc.String()),
		zap.String("product_id", productID),
	)
	return &created, nil
}

// Apply adds m.Delta to the record and appends the matching transaction row.
// A result below zero fails with *store.InsufficientStockError and leaves the
// record untouched.
func (l *Ledger) Apply(ctx context.Context, tx store.Tx, m Movement) (*domain.InventoryRecord, *domain.InventoryTransaction, error) {
	if m.Delta == 0 {
		return nil, nil, fmt.Errorf("%w: quantity change must be non-zero", store.ErrInvalidInput)
	}
	if m.Delta > MaxQuantity || m.Delta < -MaxQuantity {
		return nil, nil, fmt.Errorf("%w: quantity change exceeds %d", store.ErrInvalidInput, MaxQuantity)
	}
	switch m.Type {
	case domain.TxRestock, domain.TxOrderFulfilled, domain.TxOrderReceived, domain.TxAdjustment:
	default:
		return nil, nil, fmt.Errorf("%w: unknown transaction type %q", store.ErrInvalidInput, m.Type)
	}

	rec, err := l.GetOrCreate(ctx, tx, m.Location, m.ProductID)
	if err != nil {
		return nil, nil, err
	}

	next := rec.Quantity + m.Delta
	if next > MaxQuantity {
		return nil, nil, fmt.Errorf("%w: balance for %s would exceed %d", store.ErrInvalidInput, m.ProductID, MaxQuantity)
	}
	if next < 0 {
		return nil, nil, &store.InsufficientStockError{Shortages: []store.Shortage{{
			ProductID: m.ProductID,
			Available: rec.Quantity,
			Requested: -m.Delta,
		}}}
	}

	now := l.now()
	updated := *rec
	updated.Quantity = next
	updated.UpdatedAt = now
	if m.Restock {
		stamp := now
		updated.LastRestockedAt = &stamp
	}
	if err := tx.SaveInventory(ctx, updated); err != nil {
		return nil, nil, err
	}

	entry := domain.InventoryTransaction{
		ID:            xid.New("itx"),
		Location:      m.Location,
		ProductID:     m.ProductID,
		Type:          m.Type,
		QuantityDelta: m.Delta,
		BalanceAfter:  next,
		Actor:         m.Actor,
		OrderID:       m.OrderID,
		Notes:         m.Notes,
		CreatedAt:     now,
	}
	if err := tx.AppendInventoryTransaction(ctx, entry); err != nil {
		return nil, nil, err
	}

	return &updated, &entry, nil
}

// CheckAvailability verifies every line against stock at loc before anything
// is written. All short lines are reported together.
func (l *Ledger) CheckAvailability(ctx context.Context, tx store.Tx, loc domain.Location, lines []Line) error {
	shortages := make([]store.Shortage, 0)
	for _, line := range lines {
		available := 0
		rec, err := tx.GetInventory(ctx, loc, line.ProductID)
		switch {
		case err == nil:
			available = rec.Quantity
		case errors.Is(err, store.ErrNotFound):
		default:
			return err
		}
		if available < line.Quantity {
			shortages = append(shortages, store.Shortage{
				ProductID:   line.ProductID,
				ProductName: line.ProductName,
				Available:   available,
				Requested:   line.Quantity,
			})
		}
	}
	if len(shortages) > 0 {
		return &store.InsufficientStockError{Shortages: shortages}
	}
	return nil
}

// MergeLines sums quantities of repeated products, keeping first-seen order.
// Every input and merged quantity must lie in [1, MaxQuantity].
func MergeLines(lines []Line) ([]Line, error) {
	index := make(map[string]int, len(lines))
	merged := make([]Line, 0, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 || line.Quantity > MaxQuantity {
			return nil, fmt.Errorf("%w: quantity for %s must be between 1 and %d", store.ErrInvalidInput, line.ProductID, MaxQuantity)
		}
		if i, ok := index[line.ProductID]; ok {
			if merged[i].Quantity > MaxQuantity-line.Quantity {
				return nil, fmt.Errorf("%w: total quantity for %s exceeds %d", store.ErrInvalidInput, line.ProductID, MaxQuantity)
			}
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

// Package report computes read-only rollups over orders and the inventory
// ledger.
package report

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"depotflow/backend/internal/cache"
	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/store"
)

const (
	GranularityDay   = "day"
	GranularityWeek  = "week"
	GranularityMonth = "month"

	keyPrefix = "report:"
)

// Source is the read side the aggregator needs.
type Source interface {
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	ListInventory(ctx context.Context, loc domain.Location) ([]domain.InventoryRecord, error)
	ListInventoryTransactions(ctx context.Context, filter domain.InventoryTransactionFilter) ([]domain.InventoryTransaction, error)
}

type Aggregator struct {
	source   Source
	cache    cache.ReportCache
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewAggregator(source Source, cacheStore cache.ReportCache, cacheTTL time.Duration, logger *zap.Logger) *Aggregator {
	if cacheStore == nil {
		cacheStore = cache.NoopReportCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		source:   source,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

type RevenueQuery struct {
	From          time.Time
	To            time.Time
	Granularity   string
	OrderType     domain.OrderType
	DistributorID string
}

type FulfillmentQuery struct {
	From          time.Time
	To            time.Time
	OrderType     domain.OrderType
	DistributorID string
}

func (a *Aggregator) Revenue(ctx context.Context, q RevenueQuery) (domain.RevenueReport, error) {
	q.Granularity = strings.ToLower(strings.TrimSpace(q.Granularity))
	if q.Granularity == "" {
		q.Granularity = GranularityDay
	}
	if err := validateWindow(q.From, q.To); err != nil {
		return domain.RevenueReport{}, err
	}
	switch q.Granularity {
	case GranularityDay, GranularityWeek, GranularityMonth:
	default:
		return domain.RevenueReport{}, fmt.Errorf("%w: granularity must be day, week or month", store.ErrInvalidInput)
	}

	key := cacheKey("revenue", string(q.OrderType), q.Granularity, q.DistributorID, q.From.Format(time.RFC3339), q.To.Format(time.RFC3339))
	var cached domain.RevenueReport
	if a.fromCache(ctx, key, &cached) {
		return cached, nil
	}

	orders, err := a.source.ListOrders(ctx, domain.OrderFilter{
		Type:          q.OrderType,
		Status:        domain.OrderFulfilled,
		PaymentStatus: domain.PaymentPaid,
		DistributorID: q.DistributorID,
	})
	if err != nil {
		return domain.RevenueReport{}, err
	}

	report := BuildRevenue(orders, q.From, q.To, q.Granularity)
	report.OrderType = q.OrderType
	a.toCache(ctx, key, report)
	return report, nil
}

func (a *Aggregator) Fulfillment(ctx context.Context, q FulfillmentQuery) (domain.FulfillmentReport, error) {
	if err := validateWindow(q.From, q.To); err != nil {
		return domain.FulfillmentReport{}, err
	}

	key := cacheKey("fulfillment", string(q.OrderType), q.DistributorID, q.From.Format(time.RFC3339), q.To.Format(time.RFC3339))
	var cached domain.FulfillmentReport
	if a.fromCache(ctx, key, &cached) {
		return cached, nil
	}

	orders, err := a.source.ListOrders(ctx, domain.OrderFilter{
		Type:          q.OrderType,
		Status:        domain.OrderFulfilled,
		DistributorID: q.DistributorID,
	})
	if err != nil {
		return domain.FulfillmentReport{}, err
	}

	report := BuildFulfillment(orders, q.From, q.To)
	report.OrderType = q.OrderType
	a.toCache(ctx, key, report)
	return report, nil
}

// Turnover computes per-product turnover at loc over the trailing window
// ending now.
func (a *Aggregator) Turnover(ctx context.Context, loc domain.Location, windowDays int) (domain.TurnoverReport, error) {
	if !loc.Valid() {
		return domain.TurnoverReport{}, store.ErrInvalidInput
	}
	if windowDays < 1 || windowDays > 366 {
		return domain.TurnoverReport{}, fmt.Errorf("%w: window must be between 1 and 366 days", store.ErrInvalidInput)
	}

	to := a.now().Truncate(time.Minute)
	from := to.AddDate(0, 0, -windowDays)
	key := cacheKey("turnover", loc.String(), fmt.Sprintf("%d", windowDays), to.Format(time.RFC3339))
	var cached domain.TurnoverReport
	if a.fromCache(ctx, key, &cached) {
		return cached, nil
	}

	records, err := a.source.ListInventory(ctx, loc)
	if err != nil {
		return domain.TurnoverReport{}, err
	}
	entries, err := a.source.ListInventoryTransactions(ctx, domain.InventoryTransactionFilter{Location: &loc, From: from})
	if err != nil {
		return domain.TurnoverReport{}, err
	}
	products, err := a.source.ListProducts(ctx, true)
	if err != nil {
		return domain.TurnoverReport{}, err
	}

	report := BuildTurnover(records, entries, products, from, to)
	report.Location = loc
	report.WindowDays = windowDays
	a.toCache(ctx, key, report)
	return report, nil
}

func (a *Aggregator) LowStock(ctx context.Context, warehouseID string) (domain.LowStockReport, error) {
	warehouseID = strings.TrimSpace(warehouseID)
	if warehouseID == "" {
		return domain.LowStockReport{}, store.ErrInvalidInput
	}
	records, err := a.source.ListInventory(ctx, domain.WarehouseLocation(warehouseID))
	if err != nil {
		return domain.LowStockReport{}, err
	}
	products, err := a.source.ListProducts(ctx, true)
	if err != nil {
		return domain.LowStockReport{}, err
	}

	report := BuildLowStock(records, products)
	report.WarehouseID = warehouseID
	report.GeneratedAt = a.now()
	return report, nil
}

func (a *Aggregator) fromCache(ctx context.Context, key string, dst any) bool {
	ok, err := a.cache.Get(ctx, key, dst)
	if err != nil {
		a.logger.Warn("report cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

func (a *Aggregator) toCache(ctx context.Context, key string, value any) {
	if err := a.cache.Set(ctx, key, value, a.cacheTTL); err != nil {
		a.logger.Warn("report cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// BuildRevenue sums paid, fulfilled orders whose fulfillment falls in
// [from, to), bucketed by granularity.
func BuildRevenue(orders []domain.Order, from time.Time, to time.Time, granularity string) domain.RevenueReport {
	report := domain.RevenueReport{
		From:         from,
		To:           to,
		Granularity:  granularity,
		TotalRevenue: decimal.Zero,
		Buckets:      []domain.RevenueBucket{},
	}

	buckets := map[string]*domain.RevenueBucket{}
	for _, order := range orders {
		if order.Status != domain.OrderFulfilled || order.PaymentStatus != domain.PaymentPaid || order.FulfilledAt == nil {
			continue
		}
		at := order.FulfilledAt.UTC()
		if at.Before(from) || !at.Before(to) {
			continue
		}
		period := bucketKey(at, granularity)
		bucket, ok := buckets[period]
		if !ok {
			bucket = &domain.RevenueBucket{Period: period, Revenue: decimal.Zero}
			buckets[period] = bucket
		}
		bucket.Orders++
		bucket.Revenue = bucket.Revenue.Add(order.TotalAmount)
		report.TotalOrders++
		report.TotalRevenue = report.TotalRevenue.Add(order.TotalAmount)
	}

	for _, bucket := range buckets {
		report.Buckets = append(report.Buckets, *bucket)
	}
	slices.SortFunc(report.Buckets, func(a, b domain.RevenueBucket) int {
		return strings.Compare(a.Period, b.Period)
	})
	return report
}

// BuildFulfillment reports latency from creation to fulfillment for orders
// fulfilled in [from, to).
func BuildFulfillment(orders []domain.Order, from time.Time, to time.Time) domain.FulfillmentReport {
	report := domain.FulfillmentReport{From: from, To: to}
	total := 0.0
	for _, order := range orders {
		if order.FulfilledAt == nil {
			continue
		}
		at := order.FulfilledAt.UTC()
		if at.Before(from) || !at.Before(to) {
			continue
		}
		hours := at.Sub(order.CreatedAt).Hours()
		if report.Orders == 0 || hours < report.MinHours {
			report.MinHours = hours
		}
		if hours > report.MaxHours {
			report.MaxHours = hours
		}
		total += hours
		report.Orders++
	}
	if report.Orders > 0 {
		report.AverageHours = round2(total / float64(report.Orders))
		report.MinHours = round2(report.MinHours)
		report.MaxHours = round2(report.MaxHours)
	}
	return report
}

// BuildTurnover derives balances by walking the ledger back from the current
// quantity. entries must include every movement at the location since from.
func BuildTurnover(records []domain.InventoryRecord, entries []domain.InventoryTransaction, products []domain.Product, from time.Time, to time.Time) domain.TurnoverReport {
	names := make(map[string]string, len(products))
	for _, p := range products {
		names[p.ID] = p.Name
	}

	type movement struct {
		inWindow int
		after    int
		sold     int
	}
	moves := map[string]*movement{}
	for _, entry := range entries {
		if entry.CreatedAt.Before(from) {
			continue
		}
		m, ok := moves[entry.ProductID]
		if !ok {
			m = &movement{}
			moves[entry.ProductID] = m
		}
		if !entry.CreatedAt.Before(to) {
			m.after += entry.QuantityDelta
			continue
		}
		m.inWindow += entry.QuantityDelta
		if entry.Type == domain.TxOrderFulfilled {
			m.sold -= entry.QuantityDelta
		}
	}

	report := domain.TurnoverReport{From: from, To: to, Lines: []domain.TurnoverLine{}}
	for _, rec := range records {
		m := moves[rec.ProductID]
		if m == nil {
			m = &movement{}
		}
		closing := rec.Quantity - m.after
		opening := closing - m.inWindow
		average := float64(opening+closing) / 2
		rate := 0.0
		if average > 0 {
			rate = round2(float64(m.sold) / average)
		}
		report.Lines = append(report.Lines, domain.TurnoverLine{
			ProductID:        rec.ProductID,
			ProductName:      names[rec.ProductID],
			UnitsSold:        m.sold,
			OpeningBalance:   opening,
			ClosingBalance:   closing,
			AverageInventory: average,
			TurnoverRate:     rate,
		})
	}
	slices.SortFunc(report.Lines, func(a, b domain.TurnoverLine) int {
		if a.TurnoverRate != b.TurnoverRate {
			if a.TurnoverRate > b.TurnoverRate {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return report
}

// BuildLowStock lists warehouse records under their reorder level, largest
// shortfall first.
func BuildLowStock(records []domain.InventoryRecord, products []domain.Product) domain.LowStockReport {
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	report := domain.LowStockReport{Items: []domain.LowStockLine{}}
	for _, rec := range records {
		if !rec.IsLowStock() {
			continue
		}
		product, ok := byID[rec.ProductID]
		if !ok || !product.Active {
			continue
		}
		report.Items = append(report.Items, domain.LowStockLine{
			Product:      product,
			Quantity:     rec.Quantity,
			ReorderLevel: rec.ReorderLevel,
			Shortfall:    rec.ReorderLevel - rec.Quantity,
		})
	}
	slices.SortFunc(report.Items, func(a, b domain.LowStockLine) int {
		if a.Shortfall != b.Shortfall {
			return b.Shortfall - a.Shortfall
		}
		return strings.Compare(a.Product.Name, b.Product.Name)
	})
	return report
}

func bucketKey(at time.Time, granularity string) string {
	switch granularity {
	case GranularityMonth:
		return at.Format("2006-01")
	case GranularityWeek:
		year, week := at.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	default:
		return at.Format("2006-01-02")
	}
}

func validateWindow(from time.Time, to time.Time) error {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return fmt.Errorf("%w: from must be before to", store.ErrInvalidInput)
	}
	if to.Sub(from) > 366*24*time.Hour {
		return fmt.Errorf("%w: window is limited to one year", store.ErrInvalidInput)
	}
	return nil
}

func cacheKey(kind string, parts ...string) string {
	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return keyPrefix + kind + ":" + hex.EncodeToString(hash[:])
}

func round2(val float64) float64 {
	return math.Round(val*100) / 100
}

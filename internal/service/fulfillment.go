package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/events"
	"depotflow/backend/internal/ledger"
	"depotflow/backend/internal/store"
	"depotflow/backend/internal/xid"
)

// orderMutation loads the order inside a unit of work, lets check authorize
// and validate it, then lets apply change it. The order is persisted when
// apply returns nil.
type orderMutation struct {
	name  string
	check func(actor domain.Actor, order domain.Order) error
	apply func(ctx context.Context, tx store.Tx, actor domain.Actor, order *domain.Order) ([]domain.InventoryTransaction, error)
}

func (s *Service) mutateOrder(ctx context.Context, orderID string, m orderMutation) (resp domain.OrderResponse, err error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderResponse{}, store.ErrInvalidInput
	}

	ctx, span := s.startSpan(ctx, m.name,
		attribute.String("order.id", orderID),
		attribute.String("actor.role", string(actor.Role)),
	)
	defer func() { endSpan(span, err) }()

	var (
		updated domain.Order
		written []domain.InventoryTransaction
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := m.check(actor, *order); err != nil {
			return err
		}
		written, err = m.apply(ctx, tx, actor, order)
		if err != nil {
			return err
		}
		order.UpdatedAt = s.now()
		if err := tx.UpdateOrder(ctx, *order); err != nil {
			return err
		}
		updated = *order
		return nil
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}

	span.SetAttributes(
		attribute.String("order.number", updated.OrderNumber),
		attribute.String("order.status", string(updated.Status)),
	)
	return domain.OrderResponse{Order: updated, Transactions: written}, nil
}

// StartProcessing moves a pending order to PROCESSING. Only the seller may do
// this.
func (s *Service) StartProcessing(ctx context.Context, orderID string) (domain.OrderResponse, error) {
	resp, err := s.mutateOrder(ctx, orderID, orderMutation{
		name:  "StartProcessing",
		check: authorizeSeller,
		apply: func(_ context.Context, _ store.Tx, _ domain.Actor, order *domain.Order) ([]domain.InventoryTransaction, error) {
			if order.Status != domain.OrderPending {
				return nil, fmt.Errorf("%w: only pending orders can start processing, order is %s", store.ErrStateConflict, order.Status)
			}
			order.Status = domain.OrderProcessing
			return nil, nil
		},
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}
	s.logAudit(ctx, "order_process", "order", resp.Order.ID, "number="+resp.Order.OrderNumber)
	s.publish(ctx, events.OrderProcessing, resp.Order.ID, resp.Order)
	return resp, nil
}

func (s *Service) CancelOrder(ctx context.Context, orderID string, req domain.CancelOrderRequest) (domain.OrderResponse, error) {
	reason := strings.TrimSpace(req.Reason)
	resp, err := s.mutateOrder(ctx, orderID, orderMutation{
		name:  "CancelOrder",
		check: authorizeCancel,
		apply: func(_ context.Context, _ store.Tx, actor domain.Actor, order *domain.Order) ([]domain.InventoryTransaction, error) {
			switch order.Status {
			case domain.OrderFulfilled:
				return nil, fmt.Errorf("%w: cannot cancel fulfilled order", store.ErrStateConflict)
			case domain.OrderCancelled:
				return nil, fmt.Errorf("%w: order is already cancelled", store.ErrStateConflict)
			case domain.OrderPending, domain.OrderProcessing:
			}
			order.Status = domain.OrderCancelled
			order.AppendNote(fmt.Sprintf("Cancelled by %s: %s", actor.Username, defaultString(reason, "no reason given")))
			return nil, nil
		},
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}
	s.logAudit(ctx, "order_cancel", "order", resp.Order.ID, fmt.Sprintf("number=%s,reason=%s", resp.Order.OrderNumber, reason))
	s.publish(ctx, events.OrderCancelled, resp.Order.ID, resp.Order)
	return resp, nil
}

// FulfillWarehouseOrder debits warehouse stock for every line of a paid
// warehouse order. Either every line is debited or none is.
func (s *Service) FulfillWarehouseOrder(ctx context.Context, orderID string) (domain.OrderResponse, error) {
	resp, err := s.mutateOrder(ctx, orderID, orderMutation{
		name: "FulfillWarehouseOrder",
		check: func(actor domain.Actor, order domain.Order) error {
			if order.Type != domain.OrderWarehouseToDistributor {
				return fmt.Errorf("%w: not a warehouse order", store.ErrInvalidInput)
			}
			return authorizeSeller(actor, order)
		},
		apply: s.fulfill,
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}
	s.afterFulfilled(ctx, resp)
	return resp, nil
}

// FulfillClientOrder debits the owning distributor's stock for a paid client
// order. Ownership is checked before stock.
func (s *Service) FulfillClientOrder(ctx context.Context, orderID string) (domain.OrderResponse, error) {
	resp, err := s.mutateOrder(ctx, orderID, orderMutation{
		name: "FulfillClientOrder",
		check: func(actor domain.Actor, order domain.Order) error {
			if order.Type != domain.OrderDistributorToClient {
				return fmt.Errorf("%w: not a client order", store.ErrInvalidInput)
			}
			if actor.Role != domain.RoleDistributor || order.DistributorID != actor.PartyID {
				return fmt.Errorf("%w: only the owning distributor can fulfill this order", store.ErrForbidden)
			}
			return nil
		},
		apply: s.fulfill,
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}
	s.afterFulfilled(ctx, resp)
	return resp, nil
}

func (s *Service) fulfill(ctx context.Context, tx store.Tx, actor domain.Actor, order *domain.Order) ([]domain.InventoryTransaction, error) {
	if order.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: order is already %s", store.ErrStateConflict, order.Status)
	}
	if order.PaymentStatus != domain.PaymentPaid {
		return nil, fmt.Errorf("%w: order must be paid before fulfillment, payment is %s", store.ErrStateConflict, order.PaymentStatus)
	}
	if len(order.Items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", store.ErrInvalidInput)
	}

	source := order.SourceLocation()
	lines := orderLines(*order)
	if err := s.ledger.CheckAvailability(ctx, tx, source, lines); err != nil {
		return nil, err
	}

	written := make([]domain.InventoryTransaction, 0, len(lines))
	for _, line := range lines {
		_, entry, err := s.ledger.Apply(ctx, tx, ledger.Movement{
			Location:  source,
			ProductID: line.ProductID,
			Delta:     -line.Quantity,
			Type:      domain.TxOrderFulfilled,
			Actor:     actor.Username,
			OrderID:   order.ID,
			Notes:     "Fulfilled " + order.OrderNumber,
		})
		if err != nil {
			return nil, err
		}
		written = append(written, *entry)
	}

	now := s.now()
	order.Status = domain.OrderFulfilled
	order.FulfilledAt = &now
	return written, nil
}

func (s *Service) afterFulfilled(ctx context.Context, resp domain.OrderResponse) {
	s.logger.Info("order fulfilled",
		zap.String("order_number", resp.Order.OrderNumber),
		zap.Int("movements", len(resp.Transactions)),
	)
	s.logAudit(ctx, "order_fulfill", "order", resp.Order.ID, fmt.Sprintf("number=%s,lines=%d", resp.Order.OrderNumber, len(resp.Transactions)))
	s.publish(ctx, events.OrderFulfilled, resp.Order.ID, resp)
	s.invalidateReports(ctx)
}

// ReceiveOrder credits the recipient distributor's stock for a fulfilled
// warehouse order. ReceivedAt is checked and set in the same unit, so a
// second call fails without crediting again.
func (s *Service) ReceiveOrder(ctx context.Context, orderID string) (domain.OrderResponse, error) {
	resp, err := s.mutateOrder(ctx, orderID, orderMutation{
		name: "ReceiveOrder",
		check: func(actor domain.Actor, order domain.Order) error {
			if order.Type != domain.OrderWarehouseToDistributor {
				return fmt.Errorf("%w: only warehouse orders are received", store.ErrInvalidInput)
			}
			if actor.Role != domain.RoleDistributor || order.DistributorID != actor.PartyID {
				return fmt.Errorf("%w: only the recipient distributor can receive this order", store.ErrForbidden)
			}
			return nil
		},
		apply: func(ctx context.Context, tx store.Tx, actor domain.Actor, order *domain.Order) ([]domain.InventoryTransaction, error) {
			if order.Status != domain.OrderFulfilled {
				return nil, fmt.Errorf("%w: order must be fulfilled before it is received, order is %s", store.ErrStateConflict, order.Status)
			}
			if order.ReceivedAt != nil {
				return nil, fmt.Errorf("%w: order was already received", store.ErrStateConflict)
			}

			target := domain.DistributorLocation(order.DistributorID)
			lines := orderLines(*order)
			written := make([]domain.InventoryTransaction, 0, len(lines))
			for _, line := range lines {
				_, entry, err := s.ledger.Apply(ctx, tx, ledger.Movement{
					Location:  target,
					ProductID: line.ProductID,
					Delta:     line.Quantity,
					Type:      domain.TxOrderReceived,
					Actor:     actor.Username,
					OrderID:   order.ID,
					Notes:     "Received " + order.OrderNumber,
				})
				if err != nil {
					return nil, err
				}
				written = append(written, *entry)
			}

			now := s.now()
			order.ReceivedAt = &now
			return written, nil
		},
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}
	s.logAudit(ctx, "order_receive", "order", resp.Order.ID, fmt.Sprintf("number=%s,lines=%d", resp.Order.OrderNumber, len(resp.Transactions)))
	s.publish(ctx, events.OrderReceived, resp.Order.ID, resp)
	s.invalidateReports(ctx)
	return resp, nil
}

// MarkPaid confirms payment for an order and upserts its single payment
// record.
func (s *Service) MarkPaid(ctx context.Context, orderID string, req domain.MarkPaidRequest) (domain.OrderResponse, error) {
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	notes := strings.TrimSpace(req.Notes)
	if method != "" && !isSupportedPaymentMethod(method) {
		return domain.OrderResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidInput, method)
	}

	var payment *domain.Payment
	resp, err := s.mutateOrder(ctx, orderID, orderMutation{
		name:  "MarkPaid",
		check: authorizeSeller,
		apply: func(ctx context.Context, tx store.Tx, actor domain.Actor, order *domain.Order) ([]domain.InventoryTransaction, error) {
			if order.Status.IsTerminal() {
				return nil, fmt.Errorf("%w: order is already %s", store.ErrStateConflict, order.Status)
			}
			if order.PaymentStatus == domain.PaymentPaid {
				return nil, fmt.Errorf("%w: order is already paid", store.ErrStateConflict)
			}

			now := s.now()
			record, err := s.loadPayment(ctx, tx, *order)
			if err != nil {
				return nil, err
			}
			record.Method = defaultString(method, defaultString(record.Method, "manual"))
			record.Status = domain.PaymentPaid
			record.Notes = defaultString(notes, record.Notes)
			record.ConfirmedBy = actor.Username
			record.PaidAt = &now
			record.UpdatedAt = now
			payment, err = tx.UpsertPayment(ctx, record)
			if err != nil {
				return nil, err
			}

			order.PaymentStatus = domain.PaymentPaid
			return nil, nil
		},
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}
	resp.Payment = payment
	s.logAudit(ctx, "order_mark_paid", "order", resp.Order.ID, fmt.Sprintf("number=%s,method=%s,amount=%s", resp.Order.OrderNumber, payment.Method, payment.Amount.StringFixed(2)))
	s.publish(ctx, events.OrderPaid, resp.Order.ID, resp)
	s.invalidateReports(ctx)
	return resp, nil
}

// SubmitPayment records that the buyer has sent a payment awaiting
// confirmation.
func (s *Service) SubmitPayment(ctx context.Context, orderID string, req domain.SubmitPaymentRequest) (domain.OrderResponse, error) {
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	reference := strings.TrimSpace(req.Reference)
	if !isSupportedPaymentMethod(method) {
		return domain.OrderResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidInput, method)
	}
	if method != "cash" && reference == "" {
		return domain.OrderResponse{}, fmt.Errorf("%w: reference is required for %s payments", store.ErrInvalidInput, method)
	}

	var payment *domain.Payment
	resp, err := s.mutateOrder(ctx, orderID, orderMutation{
		name:  "SubmitPayment",
		check: authorizeBuyer,
		apply: func(ctx context.Context, tx store.Tx, _ domain.Actor, order *domain.Order) ([]domain.InventoryTransaction, error) {
			if order.Status.IsTerminal() {
				return nil, fmt.Errorf("%w: order is already %s", store.ErrStateConflict, order.Status)
			}
			switch order.PaymentStatus {
			case domain.PaymentUnpaid, domain.PaymentFailed:
			case domain.PaymentPending:
				return nil, fmt.Errorf("%w: a payment is already awaiting confirmation", store.ErrStateConflict)
			case domain.PaymentPaid:
				return nil, fmt.Errorf("%w: order is already paid", store.ErrStateConflict)
			}

			record, err := s.loadPayment(ctx, tx, *order)
			if err != nil {
				return nil, err
			}
			record.Method = method
			record.Reference = reference
			record.Status = domain.PaymentPending
			record.UpdatedAt = s.now()
			payment, err = tx.UpsertPayment(ctx, record)
			if err != nil {
				return nil, err
			}

			order.PaymentStatus = domain.PaymentPending
			return nil, nil
		},
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}
	resp.Payment = payment
	s.logAudit(ctx, "order_submit_payment", "order", resp.Order.ID, fmt.Sprintf("number=%s,method=%s", resp.Order.OrderNumber, method))
	return resp, nil
}

// MarkPaymentFailed rejects a submitted payment so the buyer can resubmit.
func (s *Service) MarkPaymentFailed(ctx context.Context, orderID string, req domain.PaymentFailedRequest) (domain.OrderResponse, error) {
	reason := strings.TrimSpace(req.Reason)
	var payment *domain.Payment
	resp, err := s.mutateOrder(ctx, orderID, orderMutation{
		name:  "MarkPaymentFailed",
		check: authorizeSeller,
		apply: func(ctx context.Context, tx store.Tx, actor domain.Actor, order *domain.Order) ([]domain.InventoryTransaction, error) {
			if order.Status.IsTerminal() {
				return nil, fmt.Errorf("%w: order is already %s", store.ErrStateConflict, order.Status)
			}
			if order.PaymentStatus != domain.PaymentPending {
				return nil, fmt.Errorf("%w: only pending payments can fail, payment is %s", store.ErrStateConflict, order.PaymentStatus)
			}

			record, err := s.loadPayment(ctx, tx, *order)
			if err != nil {
				return nil, err
			}
			record.Status = domain.PaymentFailed
			record.Notes = defaultString(reason, record.Notes)
			record.ConfirmedBy = actor.Username
			record.UpdatedAt = s.now()
			payment, err = tx.UpsertPayment(ctx, record)
			if err != nil {
				return nil, err
			}

			order.PaymentStatus = domain.PaymentFailed
			return nil, nil
		},
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}
	resp.Payment = payment
	s.logAudit(ctx, "order_payment_failed", "order", resp.Order.ID, fmt.Sprintf("number=%s,reason=%s", resp.Order.OrderNumber, reason))
	s.publish(ctx, events.OrderPaymentFailed, resp.Order.ID, resp)
	return resp, nil
}

// loadPayment returns the order's payment record or a fresh one.
func (s *Service) loadPayment(ctx context.Context, tx store.Tx, order domain.Order) (domain.Payment, error) {
	existing, err := tx.GetPaymentByOrder(ctx, order.ID)
	if err == nil {
		existing.Amount = order.TotalAmount
		return *existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.Payment{}, err
	}
	now := s.now()
	return domain.Payment{
		ID:        xid.New("pay"),
		OrderID:   order.ID,
		Tier:      order.PaymentTier(),
		Amount:    order.TotalAmount,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case "cash", "bank_transfer", "card", "ewallet", "manual":
		return true
	default:
		return false
	}
}

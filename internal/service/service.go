package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"depotflow/backend/internal/cache"
	"depotflow/backend/internal/domain"
	"depotflow/backend/internal/events"
	"depotflow/backend/internal/ledger"
	"depotflow/backend/internal/store"
	"depotflow/backend/internal/xid"
)

const reportCachePrefix = "report:"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo        store.Repository
	ledger      *ledger.Ledger
	publisher   events.Publisher
	reportCache cache.ReportCache
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

func New(repo store.Repository, inventory *ledger.Ledger, publisher events.Publisher, reportCache cache.ReportCache, logger *zap.Logger) *Service {
	if inventory == nil {
		inventory = ledger.New(ledger.DefaultReorderLevel, logger)
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if reportCache == nil {
		reportCache = cache.NoopReportCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:        repo,
		ledger:      inventory,
		publisher:   publisher,
		reportCache: reportCache,
		logger:      logger,
		tracer:      otel.Tracer("depotflow/service"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// publish emits an event after commit. Failures are logged and never surface.
func (s *Service) publish(ctx context.Context, eventType events.Type, key string, payload any) {
	actor, _ := ActorFromContext(ctx)
	err := s.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		Key:        key,
		Actor:      actor.Username,
		OccurredAt: s.now(),
		Payload:    payload,
	})
	if err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("type", string(eventType)),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

// invalidateReports drops cached reports after stock or revenue changes.
func (s *Service) invalidateReports(ctx context.Context) {
	if err := s.reportCache.Invalidate(ctx, reportCachePrefix); err != nil {
		s.logger.Warn("failed to invalidate report cache", zap.Error(err))
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if _, err := requireRole(ctx, domain.RoleOwner, domain.RoleManager); err != nil {
		return nil, err
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, store.ErrInvalidInput
	}
	if limit < 1 || limit > 1000 {
		limit = 200
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

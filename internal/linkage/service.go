// Package linkage is the reconciliation core for entity-to-profile linkages.
//
// It records tri-state decisions, merges profiles without losing decided
// judgments, and answers whether pairs of entities are already known to be
// the same or different. Every operation takes the caller's unit of work
// (a storage.Querier) and stages its writes there; nothing here commits.
package linkage

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/musubi/internal/authz"
	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/storage"
	"github.com/ashita-ai/musubi/internal/telemetry"
)

// Service bundles the linkage record store, the profile merge engine and the
// decision resolver over one storage.DB.
type Service struct {
	db     *storage.DB
	logger *slog.Logger
	tracer trace.Tracer

	mergeDuration metric.Float64Histogram
	mergeRecords  metric.Int64Counter
	decisionPairs metric.Int64Counter
}

// New creates a new linkage Service.
func New(db *storage.DB, logger *slog.Logger) *Service {
	meter := telemetry.Meter("musubi/linkage")
	mergeDur, _ := meter.Float64Histogram("musubi.merge.duration",
		metric.WithDescription("Time to merge two profiles (ms)"),
		metric.WithUnit("ms"),
	)
	mergeRecs, _ := meter.Int64Counter("musubi.merge.records",
		metric.WithDescription("Linkage records touched by profile merges, by outcome"),
	)
	pairs, _ := meter.Int64Counter("musubi.decisions.pairs",
		metric.WithDescription("Entity pairs submitted for decision lookup"),
	)
	return &Service{
		db:            db,
		logger:        logger,
		tracer:        telemetry.Tracer("musubi/linkage"),
		mergeDuration: mergeDur,
		mergeRecords:  mergeRecs,
		decisionPairs: pairs,
	}
}

// SaveInput identifies the linkage to record and the decision to record on it.
type SaveInput struct {
	ProfileID    string
	EntityID     string
	CollectionID *int64
	ContextID    *int64
	Decision     *bool
	DeciderID    *int64
}

// Save upserts the linkage for (profile, entity, collection, context) and
// records the decision on it. See storage.DB.SaveLinkage.
func (s *Service) Save(ctx context.Context, q storage.Querier, in SaveInput) (model.Linkage, error) {
	ctx, span := s.tracer.Start(ctx, "linkage.Save", trace.WithAttributes(
		attribute.String("profile_id", in.ProfileID),
		attribute.String("entity_id", in.EntityID),
	))
	defer span.End()

	l, err := s.db.SaveLinkage(ctx, q, storage.SaveLinkageParams{
		Key: model.LinkageKey{
			ProfileID:    in.ProfileID,
			EntityID:     in.EntityID,
			CollectionID: in.CollectionID,
			ContextID:    in.ContextID,
		},
		Decision:  in.Decision,
		DeciderID: in.DeciderID,
	})
	if err != nil {
		return model.Linkage{}, spanError(span, err)
	}
	return l, nil
}

// DeleteByCollection removes every linkage of a collection in bulk, typically
// while tearing the collection down.
func (s *Service) DeleteByCollection(ctx context.Context, q storage.Querier, collectionID int64) error {
	ctx, span := s.tracer.Start(ctx, "linkage.DeleteByCollection",
		trace.WithAttributes(attribute.Int64("collection_id", collectionID)))
	defer span.End()

	n, err := s.db.DeleteLinkagesByCollection(ctx, q, collectionID)
	if err != nil {
		return spanError(span, err)
	}
	s.logger.Info("linkage: deleted by collection", "collection_id", collectionID, "count", n)
	return nil
}

// DeleteByEntity removes every linkage of an entity in bulk.
func (s *Service) DeleteByEntity(ctx context.Context, q storage.Querier, entityID string) error {
	ctx, span := s.tracer.Start(ctx, "linkage.DeleteByEntity",
		trace.WithAttributes(attribute.String("entity_id", entityID)))
	defer span.End()

	n, err := s.db.DeleteLinkagesByEntity(ctx, q, entityID)
	if err != nil {
		return spanError(span, err)
	}
	s.logger.Info("linkage: deleted by entity", "entity_id", entityID, "count", n)
	return nil
}

// ByProfile returns all linkages of a profile.
func (s *Service) ByProfile(ctx context.Context, q storage.Querier, profileID string) ([]model.Linkage, error) {
	return s.db.LinkagesByProfile(ctx, q, profileID)
}

// ByEntity returns the linkages of an entity, narrowed by any set filter.
func (s *Service) ByEntity(ctx context.Context, q storage.Querier, entityID string, f storage.EntityFilter) ([]model.Linkage, error) {
	return s.db.LinkagesByEntity(ctx, q, entityID, f)
}

// ByAuthz returns the linkages the principal may read: records in readable
// collections (unless admin) made under one of the principal's private roles.
// A non-empty contextIDs narrows the roles considered.
func (s *Service) ByAuthz(ctx context.Context, q storage.Querier, a authz.Authorizer, contextIDs []int64) ([]model.Linkage, error) {
	ctx, span := s.tracer.Start(ctx, "linkage.ByAuthz")
	defer span.End()

	scope := authz.ScopeFor(a, contextIDs)
	span.SetAttributes(
		attribute.Bool("admin", scope.Admin),
		attribute.Int("collections", len(scope.Collections)),
		attribute.Int("contexts", len(scope.Contexts)),
	)
	out, err := s.db.LinkagesByScope(ctx, q, scope)
	if err != nil {
		return nil, spanError(span, err)
	}
	return out, nil
}

// Get returns the linkage with the given id if the principal may read it.
// A record outside the principal's scope is reported as storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, q storage.Querier, a authz.Authorizer, id int64) (model.Linkage, error) {
	ctx, span := s.tracer.Start(ctx, "linkage.Get", trace.WithAttributes(attribute.Int64("id", id)))
	defer span.End()

	l, err := s.db.GetLinkage(ctx, q, id)
	if err != nil {
		return model.Linkage{}, spanError(span, err)
	}
	scope := authz.ScopeFor(a, nil)
	if !scope.AllowsCollection(l.CollectionID) || !scope.AllowsContext(l.ContextID) {
		return model.Linkage{}, spanError(span, fmt.Errorf("%w: linkage %d", storage.ErrNotFound, id))
	}
	return l, nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

package storage

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/ashita-ai/musubi/internal/authz"
	"github.com/ashita-ai/musubi/internal/model"
)

const linkageTable = "linkage"

var linkageColumns = []string{
	"id", "profile_id", "entity_id", "collection_id", "decision",
	"decider_id", "context_id", "created_at", "updated_at",
}

// maxInListSize bounds the number of bind parameters in one IN (...) list.
const maxInListSize = 1000

// SaveLinkageParams is the input of SaveLinkage.
type SaveLinkageParams struct {
	Key       model.LinkageKey
	Decision  *bool
	DeciderID *int64
}

// EntityFilter narrows LinkagesByEntity. Nil fields are not filtered on.
type EntityFilter struct {
	Decision     *bool
	CollectionID *int64
	ContextID    *int64
}

// conder is the condition half of the sqlbuilder builders.
type conder interface {
	Equal(field string, value interface{}) string
	IsNull(field string) string
}

// SaveLinkage records a decision for the linkage with the given key, creating
// the record if none exists. created_at is set on creation only; the decision,
// decider and updated_at change only when the incoming decision differs from
// the stored one. The write is staged in q; committing is the caller's job.
func (db *DB) SaveLinkage(ctx context.Context, q Querier, p SaveLinkageParams) (model.Linkage, error) {
	q = db.querier(q)

	l, err := db.findLinkage(ctx, q, p.Key)
	created := errors.Is(err, ErrNotFound)
	if err != nil && !created {
		return model.Linkage{}, err
	}

	now := db.clock()
	if created {
		l = model.Linkage{
			ProfileID:    p.Key.ProfileID,
			EntityID:     p.Key.EntityID,
			CollectionID: p.Key.CollectionID,
			ContextID:    p.Key.ContextID,
			DeciderID:    p.DeciderID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	changed := !model.SameDecision(p.Decision, l.Decision)
	if changed {
		l.Decision = p.Decision
		l.DeciderID = p.DeciderID
		l.UpdatedAt = now
	}

	switch {
	case created:
		query, args := insertLinkageQuery(db.flavor, l)
		if err := q.QueryRowxContext(ctx, query, args...).Scan(&l.ID); err != nil {
			return model.Linkage{}, fmt.Errorf("storage: save linkage: insert: %w", err)
		}
	case changed:
		ub := db.flavor.NewUpdateBuilder()
		ub.Update(linkageTable)
		ub.Set(
			ub.Assign("decision", nullable(l.Decision)),
			ub.Assign("decider_id", nullable(l.DeciderID)),
			ub.Assign("updated_at", l.UpdatedAt),
		)
		ub.Where(ub.Equal("id", l.ID))
		query, args := ub.Build()
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return model.Linkage{}, fmt.Errorf("storage: save linkage: update: %w", err)
		}
	}
	return l, nil
}

func (db *DB) findLinkage(ctx context.Context, q Querier, key model.LinkageKey) (model.Linkage, error) {
	query, args := linkageKeyQuery(db.flavor, key)
	var l model.Linkage
	if err := sqlx.GetContext(ctx, q, &l, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Linkage{}, ErrNotFound
		}
		return model.Linkage{}, fmt.Errorf("storage: find linkage: %w", err)
	}
	return l, nil
}

// GetLinkage returns the linkage with the given id.
func (db *DB) GetLinkage(ctx context.Context, q Querier, id int64) (model.Linkage, error) {
	sb := selectLinkages(db.flavor)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var l model.Linkage
	if err := sqlx.GetContext(ctx, db.querier(q), &l, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Linkage{}, fmt.Errorf("%w: linkage %d", ErrNotFound, id)
		}
		return model.Linkage{}, fmt.Errorf("storage: get linkage: %w", err)
	}
	return l, nil
}

// DeleteLinkagesByCollection removes every linkage referencing the collection
// in one statement and returns the number of rows removed. Removing nothing
// is not an error.
func (db *DB) DeleteLinkagesByCollection(ctx context.Context, q Querier, collectionID int64) (int64, error) {
	dlb := db.flavor.NewDeleteBuilder()
	dlb.DeleteFrom(linkageTable)
	dlb.Where(dlb.Equal("collection_id", collectionID))
	n, err := db.execRows(ctx, q, dlb)
	if err != nil {
		return 0, fmt.Errorf("storage: delete linkages by collection: %w", err)
	}
	return n, nil
}

// DeleteLinkagesByEntity removes every linkage of the entity in one statement
// and returns the number of rows removed. Removing nothing is not an error.
func (db *DB) DeleteLinkagesByEntity(ctx context.Context, q Querier, entityID string) (int64, error) {
	dlb := db.flavor.NewDeleteBuilder()
	dlb.DeleteFrom(linkageTable)
	dlb.Where(dlb.Equal("entity_id", entityID))
	n, err := db.execRows(ctx, q, dlb)
	if err != nil {
		return 0, fmt.Errorf("storage: delete linkages by entity: %w", err)
	}
	return n, nil
}

// DeleteLinkage removes a single linkage by id.
func (db *DB) DeleteLinkage(ctx context.Context, q Querier, id int64) error {
	dlb := db.flavor.NewDeleteBuilder()
	dlb.DeleteFrom(linkageTable)
	dlb.Where(dlb.Equal("id", id))
	n, err := db.execRows(ctx, q, dlb)
	if err != nil {
		return fmt.Errorf("storage: delete linkage: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: linkage %d", ErrNotFound, id)
	}
	return nil
}

// RehomeLinkage moves a linkage onto another profile and stamps updated_at.
func (db *DB) RehomeLinkage(ctx context.Context, q Querier, id int64, profileID string, at time.Time) error {
	ub := db.flavor.NewUpdateBuilder()
	ub.Update(linkageTable)
	ub.Set(
		ub.Assign("profile_id", profileID),
		ub.Assign("updated_at", at),
	)
	ub.Where(ub.Equal("id", id))
	n, err := db.execRows(ctx, q, ub)
	if err != nil {
		return fmt.Errorf("storage: rehome linkage: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: linkage %d", ErrNotFound, id)
	}
	return nil
}

// Now returns the store's current time, at the precision it persists.
func (db *DB) Now() time.Time {
	return db.clock()
}

// LinkagesByProfile returns all linkages of a profile in insertion order.
func (db *DB) LinkagesByProfile(ctx context.Context, q Querier, profileID string) ([]model.Linkage, error) {
	sb := selectLinkages(db.flavor)
	sb.Where(sb.Equal("profile_id", profileID))
	sb.OrderBy("id").Asc()
	out, err := db.selectLinkages(ctx, q, sb)
	if err != nil {
		return nil, fmt.Errorf("storage: linkages by profile: %w", err)
	}
	return out, nil
}

// LinkagesByEntity returns all linkages of an entity, narrowed by whichever
// filter fields are set.
func (db *DB) LinkagesByEntity(ctx context.Context, q Querier, entityID string, f EntityFilter) ([]model.Linkage, error) {
	out, err := db.selectLinkages(ctx, q, entityQuery(db.flavor, entityID, f))
	if err != nil {
		return nil, fmt.Errorf("storage: linkages by entity: %w", err)
	}
	return out, nil
}

// LinkagesByScope returns the linkages visible under an authorization scope.
// A scope that can match nothing returns without querying.
func (db *DB) LinkagesByScope(ctx context.Context, q Querier, s authz.Scope) ([]model.Linkage, error) {
	if s.Empty() {
		return []model.Linkage{}, nil
	}
	out, err := db.selectLinkages(ctx, q, scopeQuery(db.flavor, s))
	if err != nil {
		return nil, fmt.Errorf("storage: linkages by scope: %w", err)
	}
	return out, nil
}

// DecidedLinkagesForContext returns the decided linkages made under a context
// for any of the given entities, ordered by profile then id.
func (db *DB) DecidedLinkagesForContext(ctx context.Context, q Querier, contextID int64, entityIDs []string) ([]model.Linkage, error) {
	ids := slices.Clone(entityIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var out []model.Linkage
	for chunk := range slices.Chunk(ids, maxInListSize) {
		rows, err := db.selectLinkages(ctx, q, decidedQuery(db.flavor, contextID, chunk))
		if err != nil {
			return nil, fmt.Errorf("storage: decided linkages for context: %w", err)
		}
		out = append(out, rows...)
	}

	slices.SortFunc(out, func(a, b model.Linkage) int {
		return cmp.Or(cmp.Compare(a.ProfileID, b.ProfileID), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (db *DB) selectLinkages(ctx context.Context, q Querier, sb *sqlbuilder.SelectBuilder) ([]model.Linkage, error) {
	query, args := sb.Build()
	out := []model.Linkage{}
	if err := sqlx.SelectContext(ctx, db.querier(q), &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) execRows(ctx context.Context, q Querier, b sqlbuilder.Builder) (int64, error) {
	query, args := b.Build()
	res, err := db.querier(q).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func selectLinkages(flavor sqlbuilder.Flavor) *sqlbuilder.SelectBuilder {
	sb := flavor.NewSelectBuilder()
	sb.Select(linkageColumns...).From(linkageTable)
	return sb
}

func insertLinkageQuery(flavor sqlbuilder.Flavor, l model.Linkage) (string, []any) {
	ib := flavor.NewInsertBuilder()
	ib.InsertInto(linkageTable)
	ib.Cols("profile_id", "entity_id", "collection_id", "decision", "decider_id", "context_id", "created_at", "updated_at")
	ib.Values(
		l.ProfileID, l.EntityID, nullable(l.CollectionID), nullable(l.Decision),
		nullable(l.DeciderID), nullable(l.ContextID), l.CreatedAt, l.UpdatedAt,
	)
	query, args := ib.Build()
	// Both PostgreSQL and SQLite (3.35+) support RETURNING.
	return query + " RETURNING id", args
}

// linkageKeyQuery selects the linkage matching a full key. Nil key members
// match NULL columns.
func linkageKeyQuery(flavor sqlbuilder.Flavor, key model.LinkageKey) (string, []any) {
	sb := selectLinkages(flavor)
	sb.Where(
		sb.Equal("profile_id", key.ProfileID),
		sb.Equal("entity_id", key.EntityID),
		nullableEqual(sb, "collection_id", key.CollectionID),
		nullableEqual(sb, "context_id", key.ContextID),
	)
	sb.OrderBy("id").Asc()
	sb.Limit(1)
	return sb.Build()
}

func entityQuery(flavor sqlbuilder.Flavor, entityID string, f EntityFilter) *sqlbuilder.SelectBuilder {
	sb := selectLinkages(flavor)
	sb.Where(sb.Equal("entity_id", entityID))
	if f.Decision != nil {
		sb.Where(sb.Equal("decision", *f.Decision))
	}
	if f.CollectionID != nil {
		sb.Where(sb.Equal("collection_id", *f.CollectionID))
	}
	if f.ContextID != nil {
		sb.Where(sb.Equal("context_id", *f.ContextID))
	}
	sb.OrderBy("id").Asc()
	return sb
}

func scopeQuery(flavor sqlbuilder.Flavor, s authz.Scope) *sqlbuilder.SelectBuilder {
	sb := selectLinkages(flavor)
	if !s.Admin {
		sb.Where(sb.In("collection_id", toArgs(s.Collections)...))
	}
	sb.Where(sb.In("context_id", toArgs(s.Contexts)...))
	sb.OrderBy("id").Asc()
	return sb
}

func decidedQuery(flavor sqlbuilder.Flavor, contextID int64, entityIDs []string) *sqlbuilder.SelectBuilder {
	sb := selectLinkages(flavor)
	sb.Where(
		sb.Equal("context_id", contextID),
		sb.IsNotNull("decision"),
		sb.In("entity_id", toArgs(entityIDs)...),
	)
	sb.OrderBy("profile_id", "id").Asc()
	return sb
}

func nullableEqual(c conder, field string, v *int64) string {
	if v == nil {
		return c.IsNull(field)
	}
	return c.Equal(field, *v)
}

// nullable unwraps an optional value into a bind argument, nil meaning NULL.
func nullable[T any](v *T) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func toArgs[T any](vs []T) []interface{} {
	out := make([]interface{}, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

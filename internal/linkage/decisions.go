package linkage

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/storage"
)

// Decisions reports, for each pair, whether some profile already decided the
// two entities under the given context. A pair maps to true when both have a
// confirmed linkage on one profile, to false when one is confirmed and the
// other rejected there, and is absent otherwise. Pairs with an empty id are
// skipped. A nil context or no pairs answers empty without touching q.
//
// When several profiles, or several records of one entity on a profile,
// produce verdicts for a pair, profiles are visited in ascending id order and
// records by ascending id; the last verdict wins.
func (s *Service) Decisions(ctx context.Context, q storage.Querier, pairs []model.Pair, contextID *int64) (map[model.Pair]bool, error) {
	out := make(map[model.Pair]bool)
	if len(pairs) == 0 || contextID == nil {
		return out, nil
	}

	ctx, span := s.tracer.Start(ctx, "linkage.Decisions", trace.WithAttributes(
		attribute.Int64("context_id", *contextID),
		attribute.Int("pairs", len(pairs)),
	))
	defer span.End()
	s.decisionPairs.Add(ctx, int64(len(pairs)))

	valid := make([]model.Pair, 0, len(pairs))
	entityIDs := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		if !p.Valid() {
			continue
		}
		valid = append(valid, p)
		entityIDs = append(entityIDs, p.EntityID, p.MatchID)
	}
	if len(valid) == 0 {
		return out, nil
	}

	rows, err := s.db.DecidedLinkagesForContext(ctx, q, *contextID, entityIDs)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("linkage: decisions: %w", err))
	}
	resolveDecisions(out, valid, rows)

	span.SetAttributes(attribute.Int("verdicts", len(out)))
	s.logger.Debug("linkage: resolved decisions",
		"context_id", *contextID, "pairs", len(valid), "rows", len(rows), "verdicts", len(out))
	return out, nil
}

// profileDecisions holds one profile's decided linkages, by entity, in id order.
type profileDecisions struct {
	profileID string
	byEntity  map[string][]bool
}

// groupByProfile splits rows, already sorted by profile then id, into
// per-profile groups.
func groupByProfile(rows []model.Linkage) []profileDecisions {
	var groups []profileDecisions
	for _, l := range rows {
		if !l.Decided() {
			continue
		}
		if len(groups) == 0 || groups[len(groups)-1].profileID != l.ProfileID {
			groups = append(groups, profileDecisions{profileID: l.ProfileID, byEntity: map[string][]bool{}})
		}
		g := groups[len(groups)-1]
		g.byEntity[l.EntityID] = append(g.byEntity[l.EntityID], *l.Decision)
	}
	return groups
}

// resolveDecisions joins each pair's two sides within every profile and
// writes the verdicts into out.
func resolveDecisions(out map[model.Pair]bool, pairs []model.Pair, rows []model.Linkage) {
	for _, g := range groupByProfile(rows) {
		for _, p := range pairs {
			left, right := g.byEntity[p.EntityID], g.byEntity[p.MatchID]
			for _, a := range left {
				for _, b := range right {
					switch {
					case a && b:
						out[p] = true
					case a != b:
						out[p] = false
					}
				}
			}
		}
	}
}

package linkage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/storage"
)

// MergeResult summarizes a profile merge.
type MergeResult struct {
	Target  string `json:"target"`  // surviving profile, the greater of the two ids
	Source  string `json:"source"`  // absorbed profile
	Kept    int    `json:"kept"`    // entities with a surviving linkage on Target
	Rehomed int    `json:"rehomed"` // linkages moved from Source onto Target
	Deleted int    `json:"deleted"` // undecided and superseded linkages removed
}

// Merge folds two profiles into one. The merge always runs into the greater
// profile id, so argument order does not matter. It is irreversible: which
// profile an entity came from is not retained.
//
// Undecided linkages do not survive. For each entity exactly one decided
// linkage is kept: a confirmed match seen first keeps precedence over
// anything after it, otherwise the later linkage replaces the earlier one.
// Target's linkages are considered before Source's. Survivors are re-homed
// onto Target.
func (s *Service) Merge(ctx context.Context, q storage.Querier, profileA, profileB string) (MergeResult, error) {
	start := time.Now()
	target, source := max(profileA, profileB), min(profileA, profileB)

	ctx, span := s.tracer.Start(ctx, "linkage.Merge", trace.WithAttributes(
		attribute.String("target", target),
		attribute.String("source", source),
	))
	defer span.End()

	res := MergeResult{Target: target, Source: source}

	linkages, err := s.db.LinkagesByProfile(ctx, q, target)
	if err != nil {
		return res, spanError(span, fmt.Errorf("linkage: merge: %w", err))
	}
	if source != target {
		sourceLinkages, err := s.db.LinkagesByProfile(ctx, q, source)
		if err != nil {
			return res, spanError(span, fmt.Errorf("linkage: merge: %w", err))
		}
		linkages = append(linkages, sourceLinkages...)
	}

	now := s.db.Now()
	winners := make(map[string]model.Linkage, len(linkages))
	for _, l := range linkages {
		if !l.Decided() {
			if err := s.db.DeleteLinkage(ctx, q, l.ID); err != nil {
				return res, spanError(span, fmt.Errorf("linkage: merge: %w", err))
			}
			res.Deleted++
			continue
		}

		if existing, ok := winners[l.EntityID]; ok {
			loser := existing
			if *existing.Decision {
				loser, l = l, existing
			}
			if err := s.db.DeleteLinkage(ctx, q, loser.ID); err != nil {
				return res, spanError(span, fmt.Errorf("linkage: merge: %w", err))
			}
			res.Deleted++
		}

		if l.ProfileID != target {
			if err := s.db.RehomeLinkage(ctx, q, l.ID, target, now); err != nil {
				return res, spanError(span, fmt.Errorf("linkage: merge: %w", err))
			}
			l.ProfileID = target
			l.UpdatedAt = now
			res.Rehomed++
		}
		winners[l.EntityID] = l
	}
	res.Kept = len(winners)

	s.mergeDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	for outcome, n := range map[string]int{"kept": res.Kept, "rehomed": res.Rehomed, "deleted": res.Deleted} {
		s.mergeRecords.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	span.SetAttributes(
		attribute.Int("kept", res.Kept),
		attribute.Int("rehomed", res.Rehomed),
		attribute.Int("deleted", res.Deleted),
	)
	s.logger.Info("linkage: merged profiles",
		"target", target, "source", source,
		"kept", res.Kept, "rehomed", res.Rehomed, "deleted", res.Deleted)
	return res, nil
}

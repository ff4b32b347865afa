package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/musubi/internal/auth"
	"github.com/ashita-ai/musubi/internal/authz"
	"github.com/ashita-ai/musubi/internal/linkage"
	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/storage"
)

func newMergeCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <profile> <profile>",
		Short: "Merge two profiles into the one with the greater id",
		Long: `Merge two profiles. Undecided linkages are dropped and each entity keeps a
single decided linkage, re-homed onto the surviving profile. Irreversible.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, logger, func(ctx context.Context, e *env) error {
				var res linkage.MergeResult
				err := e.db.WithTx(ctx, func(q storage.Querier) error {
					var err error
					res, err = e.svc.Merge(ctx, q, args[0], args[1])
					return err
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd, res)
			})
		},
	}
}

func newPurgeCmd(logger *slog.Logger) *cobra.Command {
	var (
		collectionID int64
		entityID     string
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every linkage of a collection or an entity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			byCollection := cmd.Flags().Changed("collection")
			if byCollection == (entityID != "") {
				return errors.New("purge: exactly one of --collection or --entity is required")
			}
			return withEnv(cmd, logger, func(ctx context.Context, e *env) error {
				return e.db.WithTx(ctx, func(q storage.Querier) error {
					if byCollection {
						return e.svc.DeleteByCollection(ctx, q, collectionID)
					}
					return e.svc.DeleteByEntity(ctx, q, entityID)
				})
			})
		},
	}
	cmd.Flags().Int64Var(&collectionID, "collection", 0, "collection id")
	cmd.Flags().StringVar(&entityID, "entity", "", "entity id")
	return cmd
}

type verdict struct {
	EntityID string `json:"entity_id"`
	MatchID  string `json:"match_id"`
	Same     bool   `json:"same"`
}

func newDecisionsCmd(logger *slog.Logger) *cobra.Command {
	var contextID int64
	cmd := &cobra.Command{
		Use:   "decisions <entity>:<match>...",
		Short: "Report known match decisions for entity pairs under a context",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs, err := parsePairs(args)
			if err != nil {
				return err
			}
			return withEnv(cmd, logger, func(ctx context.Context, e *env) error {
				got, err := e.svc.Decisions(ctx, nil, pairs, &contextID)
				if err != nil {
					return err
				}
				out := make([]verdict, 0, len(got))
				for _, p := range pairs {
					if same, ok := got[p]; ok {
						out = append(out, verdict{EntityID: p.EntityID, MatchID: p.MatchID, Same: same})
						delete(got, p)
					}
				}
				return writeJSON(cmd, out)
			})
		},
	}
	cmd.Flags().Int64Var(&contextID, "context", 0, "role id the decisions were made under")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func parsePairs(args []string) ([]model.Pair, error) {
	pairs := make([]model.Pair, 0, len(args))
	for _, arg := range args {
		entity, match, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, fmt.Errorf("pair %q: expected <entity>:<match>", arg)
		}
		pairs = append(pairs, model.Pair{EntityID: entity, MatchID: match})
	}
	return pairs, nil
}

func newLinkagesCmd(logger *slog.Logger) *cobra.Command {
	var (
		token      string
		id         int64
		contextIDs []int64
	)
	cmd := &cobra.Command{
		Use:   "linkages",
		Short: "List the linkages visible to a token's principal",
		Long: `List the linkages visible to a token's principal, or with --id fetch one
record. A record outside the principal's scope is reported as not found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			byID := cmd.Flags().Changed("id")
			if byID && len(contextIDs) > 0 {
				return errors.New("linkages: --id and --context are mutually exclusive")
			}
			return withEnv(cmd, logger, func(ctx context.Context, e *env) error {
				jwtMgr, err := auth.NewJWTManager(e.cfg.JWTPrivateKeyPath, e.cfg.JWTPublicKeyPath, e.cfg.JWTExpiration)
				if err != nil {
					return err
				}
				claims, err := jwtMgr.ValidateToken(token)
				if err != nil {
					return err
				}
				principal := authz.Cached(claims.Subject, claims, e.cache)

				if byID {
					l, err := e.svc.Get(ctx, nil, principal, id)
					if err != nil {
						return err
					}
					return writeJSON(cmd, l)
				}
				out, err := e.svc.ByAuthz(ctx, nil, principal, contextIDs)
				if err != nil {
					return err
				}
				return writeJSON(cmd, out)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "signed principal token (see `musubi token`)")
	cmd.Flags().Int64Var(&id, "id", 0, "fetch a single linkage by id")
	cmd.Flags().Int64SliceVar(&contextIDs, "context", nil, "narrow to these role ids")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

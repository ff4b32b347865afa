package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/musubi/internal/auth"
	"github.com/ashita-ai/musubi/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		userID string
		p      auth.Principal
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed principal token",
		Long: `Issue a token carrying a principal's grants. Requires configured key files;
tokens signed with an ephemeral key cannot be validated by another process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.JWTPrivateKeyPath == "" || cfg.JWTPublicKeyPath == "" {
				return fmt.Errorf("token: MUSUBI_JWT_PRIVATE_KEY and MUSUBI_JWT_PUBLIC_KEY are required")
			}

			p.UserID = uuid.New()
			if userID != "" {
				if p.UserID, err = uuid.Parse(userID); err != nil {
					return fmt.Errorf("token: --user: %w", err)
				}
			}

			jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
			if err != nil {
				return err
			}
			token, expiresAt, err := jwtMgr.IssueToken(p)
			if err != nil {
				return err
			}
			return writeJSON(cmd, map[string]string{
				"token":      token,
				"subject":    p.UserID.String(),
				"expires_at": expiresAt.Format(time.RFC3339),
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&userID, "user", "", "user id (UUID); random when empty")
	f.Int64Var(&p.RoleID, "role", 0, "role id")
	f.BoolVar(&p.Admin, "admin", false, "grant access to every collection")
	f.Int64SliceVar(&p.ReadCollections, "read", nil, "readable collection ids")
	f.Int64SliceVar(&p.WriteCollections, "write", nil, "writable collection ids")
	f.Int64SliceVar(&p.PrivateRoles, "private-roles", nil, "role ids whose linkages are visible")
	return cmd
}

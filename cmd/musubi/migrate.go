package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/musubi/migrations"
)

var errNoLinkageTable = errors.New("linkage table does not exist")

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Apply the embedded SQL migrations for the configured database dialect.
Applied files are tracked in schema_migrations, so running this twice is safe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, logger, func(ctx context.Context, e *env) error {
				logger.Info("musubi migrating", "version", version, "dialect", e.db.Dialect())
				if err := e.db.RunMigrations(ctx, migrations.FS); err != nil {
					return err
				}
				ok, err := e.db.HasLinkageTable(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("schema verification: %w after migration", errNoLinkageTable)
				}
				logger.Info("migrations complete")
				return nil
			})
		},
	}
}

func newCheckCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify database connectivity and schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, logger, func(ctx context.Context, e *env) error {
				green := color.New(color.FgGreen).SprintFunc()
				red := color.New(color.FgRed).SprintFunc()
				out := cmd.OutOrStdout()

				if err := e.db.Ping(ctx); err != nil {
					fmt.Fprintf(out, "%s database: %v\n", red("✗"), err)
					return fmt.Errorf("ping: %w", err)
				}
				fmt.Fprintf(out, "%s database (%s)\n", green("✓"), e.db.Dialect())

				ok, err := e.db.HasLinkageTable(ctx)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(out, "%s schema: linkage table missing, run `musubi migrate`\n", red("✗"))
					return errNoLinkageTable
				}
				fmt.Fprintf(out, "%s schema\n", green("✓"))
				return nil
			})
		},
	}
}

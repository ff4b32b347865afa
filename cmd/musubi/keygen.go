package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/musubi/internal/auth"
)

func newKeygenCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair for token signing",
		Long: `Generate an Ed25519 key pair for MUSUBI_JWT_PRIVATE_KEY and
MUSUBI_JWT_PUBLIC_KEY. Refuses to overwrite existing keys; delete them first
to rotate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath, pubPath, err := auth.GenerateKeyPair(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "MUSUBI_JWT_PRIVATE_KEY=%s\n", privPath)
			fmt.Fprintf(out, "MUSUBI_JWT_PUBLIC_KEY=%s\n", pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "directory to write the PEM files into")
	return cmd
}

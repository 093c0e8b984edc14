package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/oochat/internal/identity"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show or manage the local identity",
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the address, and the recovery phrase if not yet dismissed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIdentity(cmd.Context(), func(m *identity.Manager) error {
			printIdentity(cmd.OutOrStdout(), m)
			return nil
		})
	},
}

var identityResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Replace the identity with a freshly generated one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIdentity(cmd.Context(), func(m *identity.Manager) error {
			if _, err := m.ResetIdentity(cmd.Context()); err != nil {
				return err
			}
			printIdentity(cmd.OutOrStdout(), m)
			return nil
		})
	},
}

var identityImportCmd = &cobra.Command{
	Use:   "import <recovery phrase | hex private key>",
	Short: "Replace the identity with an imported one",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIdentity(cmd.Context(), func(m *identity.Manager) error {
			if _, err := m.ImportIdentity(cmd.Context(), strings.Join(args, " ")); err != nil {
				return err
			}
			printIdentity(cmd.OutOrStdout(), m)
			return nil
		})
	},
}

var identityExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the recovery phrase or private key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIdentity(cmd.Context(), func(m *identity.Manager) error {
			secret, kind, err := m.ExportIdentity()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", kind, secret)
			return nil
		})
	},
}

func init() {
	identityCmd.AddCommand(identityShowCmd, identityResetCmd, identityImportCmd, identityExportCmd)
}

// withIdentity loads the identity without an authority; the CLI never
// authenticates.
func withIdentity(ctx context.Context, fn func(m *identity.Manager) error) error {
	repo, err := openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepository(repo)

	m := identity.NewManager(repo, nil)
	if _, err := m.EnsureIdentity(ctx); err != nil {
		return err
	}
	return fn(m)
}

func printIdentity(w io.Writer, m *identity.Manager) {
	fmt.Fprintf(w, "address: %s\n", m.Address())
	if phrase, ok := m.RecoveryPhrase(); ok {
		fmt.Fprintf(w, "recovery phrase (write it down, it is shown once): %s\n", phrase)
	}
}

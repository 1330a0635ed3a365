package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manages the source catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <catalog.yaml>",
		Short: "Upserts every source of a YAML catalog into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.SyncSources(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("import sources: %w", err)
			}
			appInstance.Logger().Info("sources imported", zap.String("path", args[0]), zap.Int("count", n))
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d sources\n", n)
			return nil
		},
	})
	return cmd
}

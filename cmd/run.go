package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
	"github.com/JakeFAU/edital-crawler/internal/orchestrator"
)

func newRunCmd() *cobra.Command {
	var opts orchestrator.RunOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one scrape session over the active sources and prints its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			session, runErr := appInstance.RunSession(cmd.Context(), opts)
			if session.ID != "" {
				if err := writeJSON(cmd.OutOrStdout(), orchestrator.SummaryOf(session)); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			appInstance.Logger().Info("session finished",
				zap.String("session_id", session.ID),
				zap.String("status", string(session.Status)),
				zap.Int("saved", session.Totals.Saved),
			)
			if session.Status == crawler.SessionFailed {
				return fmt.Errorf("session %s failed", session.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&opts.SourceIDs, "source", nil, "limit the session to these source ids (repeatable)")
	cmd.Flags().BoolVar(&opts.LocalOnly, "local-only", false, "categorize with rules only, skipping the LLM pass")
	return cmd
}

func newRunSourceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-source <source-id>",
		Short: "Crawls a single source in its own session and prints its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, runErr := appInstance.RunSource(cmd.Context(), args[0])
			if res.SourceID != "" {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if res.State == crawler.StateFailed {
				return fmt.Errorf("source %s failed: %s", res.SourceID, res.Error)
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/config"
	"github.com/xkilldash9x/droidpatrol/internal/observability"
	"github.com/xkilldash9x/droidpatrol/internal/patrol"
)

// newReportCmd creates the `report` command, which prints a stored patrol report.
func newReportCmd(stores storeProvider) *cobra.Command {
	var outputPath string

	reportCmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Print a stored patrol report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runReport(ctx, observability.GetLogger(), cfg, cmd.OutOrStdout(), args[0], outputPath, stores)
		},
	}
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the report to this file instead of stdout")
	return reportCmd
}

func runReport(ctx context.Context, logger *zap.Logger, cfg config.Interface, out io.Writer, runID, outputPath string, stores storeProvider) error {
	s, cleanup, err := stores.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer cleanup()

	report, err := s.GetReport(ctx, runID)
	if err != nil {
		return err
	}
	logger.Debug("Report loaded", zap.String("run_id", runID), zap.Int("posts", len(report.VisitedPosts)))
	return writeReports(out, outputPath, []*patrol.Report{report})
}

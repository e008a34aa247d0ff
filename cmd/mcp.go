package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/config"
	"github.com/xkilldash9x/droidpatrol/internal/mcp"
	"github.com/xkilldash9x/droidpatrol/internal/observability"
	"github.com/xkilldash9x/droidpatrol/internal/patrol"
)

// newMCPCmd creates the `mcp` command, which serves the macro tools on stdio.
func newMCPCmd(sessions sessionProvider, stores storeProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve verified device macros as MCP tools on stdin/stdout",
		Long: `Starts an MCP server on stdio for an agent to drive the device with verified macros
(find_and_click, type_and_submit, scroll_and_find, navigate_back, run_patrol, ...).
Logs go to stderr and the log file; stdout carries only the protocol.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			srv, cleanup, err := buildMacroServer(ctx, observability.GetLogger(), cfg, sessions, stores)
			if err != nil {
				return err
			}
			defer cleanup()
			return srv.ServeStdio(ctx)
		},
	}
}

// buildMacroServer opens the device session and wires the macro server over it.
func buildMacroServer(ctx context.Context, logger *zap.Logger, cfg config.Interface, sessions sessionProvider, stores storeProvider) (*mcp.Server, func(), error) {
	sess, err := sessions.Open(ctx, cfg, firstSerial(cfg))
	if err != nil {
		return nil, nil, err
	}

	opts := []mcp.Option{
		mcp.WithPollInterval(cfg.MCP().PollInterval),
		mcp.WithPatrolDefaults(cfg.Patrol().ToPatrol()),
	}
	if cfg.MCP().EnablePatrol {
		opts = append(opts, mcp.WithPatrol(func(ctx context.Context, pc patrol.Config) (*patrol.Report, error) {
			platform, err := cfg.Platform(pc.Platform)
			if err != nil {
				return nil, err
			}
			report, err := newPatrol(sess, cfg, pc, platform).Run(ctx)
			if err != nil {
				return nil, fmt.Errorf("patrol failed: %w", err)
			}
			saveReports(context.WithoutCancel(ctx), logger, cfg, stores, []*patrol.Report{report})
			return report, nil
		}))
	}

	srv := mcp.NewServer(sess.Exec, cfg.Navigation().ToNavigation(), Version, sess.logger, opts...)
	return srv, sess.Close, nil
}

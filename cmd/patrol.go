package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidpatrol/internal/config"
	"github.com/xkilldash9x/droidpatrol/internal/observability"
	"github.com/xkilldash9x/droidpatrol/internal/patrol"
)

// newPatrolCmd creates the `patrol` command. Budget flags are bound to viper keys so they
// override the config file and environment.
func newPatrolCmd(v *viper.Viper, sessions sessionProvider, stores storeProvider) *cobra.Command {
	var outputPath string

	patrolCmd := &cobra.Command{
		Use:   "patrol",
		Short: "Search a keyword on a social app and visit the result posts",
		Long: `Launches the platform's app, searches the keyword, and opens result posts one at a
time within the post, scroll, error, and time budgets. With several --device flags the
devices patrol concurrently. The report is printed as JSON, or written to --output.`,
		Example: `  droidpatrol patrol --platform threads --keyword "coffee" --max-posts 5
  droidpatrol patrol -d emulator-5554 -d R58M123 --keyword "latte" -o report.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runPatrol(ctx, observability.GetLogger(), cfg, cmd.OutOrStdout(), outputPath, sessions, stores)
		},
	}

	flags := patrolCmd.Flags()
	flags.String("platform", "", "platform profile (threads, instagram, tiktok, x, facebook, youtube)")
	flags.StringP("keyword", "k", "", "search keyword (required)")
	flags.Int("max-posts", 0, "maximum posts to visit")
	flags.Int("max-scrolls", 0, "maximum result-list scrolls")
	flags.Int("max-errors", 0, "errors tolerated before aborting")
	flags.Int("max-time", 0, "time budget in seconds")
	flags.Int("read-scrolls", 0, "scrolls while reading each post")
	flags.Int("concurrency", 0, "devices patrolling at once (0 means all)")
	flags.StringVarP(&outputPath, "output", "o", "", "write the report to this file instead of stdout")

	mustBind(v, "patrol.platform", flags.Lookup("platform"))
	mustBind(v, "patrol.keyword", flags.Lookup("keyword"))
	mustBind(v, "patrol.max_posts", flags.Lookup("max-posts"))
	mustBind(v, "patrol.max_scrolls", flags.Lookup("max-scrolls"))
	mustBind(v, "patrol.max_errors", flags.Lookup("max-errors"))
	mustBind(v, "patrol.max_time_seconds", flags.Lookup("max-time"))
	mustBind(v, "patrol.read_scrolls", flags.Lookup("read-scrolls"))
	mustBind(v, "patrol.concurrency", flags.Lookup("concurrency"))

	return patrolCmd
}

// runPatrol opens a session per device, runs the patrols, stores and prints the reports.
// Device trouble ends up in the reports; only setup failures are returned as errors.
func runPatrol(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	out io.Writer,
	outputPath string,
	sessions sessionProvider,
	stores storeProvider,
) error {
	pc := cfg.Patrol().ToPatrol()
	if err := pc.Validate(); err != nil {
		return fmt.Errorf("invalid patrol config: %w", err)
	}
	platform, err := cfg.Platform(pc.Platform)
	if err != nil {
		return err
	}

	serials := cfg.Device().Serials
	if len(serials) == 0 {
		serials = []string{""}
	}

	var runs []patrol.Session
	for _, serial := range serials {
		sess, err := sessions.Open(ctx, cfg, serial)
		if err != nil {
			logger.Error("Device session failed to open", zap.String("device", serial), zap.Error(err))
			continue
		}
		defer sess.Close()
		runs = append(runs, patrol.Session{
			Device: serial,
			Patrol: newPatrol(sess, cfg, pc, platform),
		})
	}
	if len(runs) == 0 {
		return fmt.Errorf("no device session could be opened")
	}

	logger.Info("Patrol starting",
		zap.String("platform", platform.Name),
		zap.String("keyword", pc.Keyword),
		zap.Int("devices", len(runs)))

	reports, runErr := patrol.RunAll(ctx, runs, cfg.Patrol().Concurrency)
	completed := make([]*patrol.Report, 0, len(reports))
	for _, r := range reports {
		if r != nil {
			completed = append(completed, r)
			logger.Info("Patrol finished", zap.String("run_id", r.RunID), zap.String("device", r.Device), zap.String("summary", r.Summary()))
		}
	}

	// An interrupted run still ends with a report worth keeping.
	saveReports(context.WithoutCancel(ctx), logger, cfg, stores, completed)

	if err := writeReports(out, outputPath, completed); err != nil {
		return err
	}
	return runErr
}

// writeReports prints one report as an object and several as an array.
func writeReports(out io.Writer, outputPath string, reports []*patrol.Report) error {
	if len(reports) != 1 {
		return writeJSON(out, outputPath, reports)
	}
	if outputPath != "" {
		return reports[0].WriteFile(outputPath)
	}
	return reports[0].Encode(out)
}

func newPatrol(sess *deviceSession, cfg config.Interface, pc patrol.Config, platform patrol.Platform) *patrol.Patrol {
	opts := []patrol.Option{
		patrol.WithDeviceName(sess.Serial),
		patrol.WithNavigation(cfg.Navigation().ToNavigation()),
	}
	if cfg.Patrol().Sentiment {
		opts = append(opts, patrol.WithClassifier(patrol.DefaultLexicon()))
	}
	return patrol.New(sess.Exec, pc, platform, sess.logger, opts...)
}

// saveReports persists reports when a database is configured. Store failures are logged;
// the reports are still printed.
func saveReports(ctx context.Context, logger *zap.Logger, cfg config.Interface, stores storeProvider, reports []*patrol.Report) {
	if cfg.Database().URL == "" || !cfg.Database().SaveReports || len(reports) == 0 {
		return
	}
	s, cleanup, err := stores.Create(ctx, cfg)
	if err != nil {
		logger.Warn("Reports not stored", zap.Error(err))
		return
	}
	defer cleanup()
	for _, r := range reports {
		if err := s.SaveReport(ctx, r); err != nil {
			logger.Warn("Failed to store report", zap.String("run_id", r.RunID), zap.Error(err))
			continue
		}
		logger.Info("Report stored", zap.String("run_id", r.RunID))
	}
}

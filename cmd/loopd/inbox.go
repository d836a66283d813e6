package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/basket/loopd/internal/coordinator"
	"github.com/basket/loopd/internal/cron"
	"github.com/basket/loopd/internal/persistence"
	"github.com/basket/loopd/internal/telemetry"
	"github.com/spf13/cobra"
)

var (
	inboxLimit  int
	sweepRetain bool
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Inspect and drain loop signal inboxes",
}

var inboxListCmd = &cobra.Command{
	Use:   "list <loop-id>",
	Short: "List a loop's inbox through the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config load: %w", err)
		}
		path := "/api/loops/" + url.PathEscape(args[0]) + "/inbox?limit=" + strconv.Itoa(inboxLimit)
		out, err := callAPI(cmd.Context(), cfg, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		writeIndented(cmd.OutOrStdout(), out)
		return nil
	},
}

var inboxSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Apply committed signals offline while the daemon is stopped",
	Long: `Open the database directly and run one catch-up sweep: every loop with
committed unprocessed signals or an unpublished state is ticked. Loop
leases keep this safe next to a running daemon, but the daemon's own
sweeper already does the same work.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runSweep(cmd, cmd.OutOrStdout())
	},
}

func init() {
	inboxListCmd.Flags().IntVar(&inboxLimit, "limit", 100, "maximum entries")
	inboxSweepCmd.Flags().BoolVar(&sweepRetain, "retain", false, "also purge rows outside the retention windows")
	inboxCmd.AddCommand(inboxListCmd, inboxSweepCmd)
	rootCmd.AddCommand(inboxCmd)
}

func runSweep(cmd *cobra.Command, w io.Writer) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	logger, _, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer closer.Close()

	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	runner := coordinator.NewRunner(coordinator.RunnerConfig{
		Store:         store,
		Publication:   coordinator.NewPublicationCoordinator(store, publisher, nil, logger),
		MaxIterations: cfg.Sweeper.MaxIterations,
		Logger:        logger,
	})
	defer runner.Close(ctx)

	sweeper, err := cron.NewSweeper(cron.Config{
		Store:             store,
		Runner:            runner,
		Schedule:          cfg.Sweeper.Schedule,
		RetentionSchedule: cfg.Sweeper.RetentionSchedule,
		Retention: cron.Retention{
			AuditLogDays: cfg.Retention.AuditLogDays,
			MessagesDays: cfg.Retention.MessagesDays,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	res, err := sweeper.CatchUp(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "swept %d loops: %d signals applied, %d published, %d failed\n",
		res.Loops, res.Applied, res.Published, res.Failed)

	if sweepRetain {
		rr, err := sweeper.Retain(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "purged %d audit rows, %d messages\n", rr.PurgedAuditLog, rr.PurgedMessages)
	}
	return nil
}

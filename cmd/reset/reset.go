package reset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/veridoc/veridoc-ops/cmd/output"
	"github.com/veridoc/veridoc-ops/cmd/prompt"
	cfgpkg "github.com/veridoc/veridoc-ops/internal/config"
	"github.com/veridoc/veridoc-ops/internal/ops"
	"github.com/veridoc/veridoc-ops/internal/paths"
	"github.com/veridoc/veridoc-ops/internal/setup"
)

var (
	flagPreserve    []string
	flagDryRun      bool
	flagConfirm     bool
	flagSkipQuiesce bool
	flagJSON        bool
)

var ResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Purge all data stores back to a fresh install",
	Long: `Purge all data stores back to a fresh install.

Preserved row sets (--preserve, default admins) survive byte-identical.
Settings are never touched. Destructive; requires --confirm or an
interactive yes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}

		confirmed := flagConfirm
		if !confirmed && !flagDryRun {
			confirmed, err = prompt.Confirm(
				"About to ERASE all documents, audits, vectors, and files.",
				"reset", cfg.AssumeYes)
			if err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		stores, err := setup.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer stores.Close()

		r := ops.NewReset(stores.Set, stores.Relational, paths.Home(), ops.NewQuiescer(cfg.App.AdminURL), setup.Timeout(cfg))
		rep, err := r.Run(ctx, ops.ResetOptions{
			Preserve:    flagPreserve,
			DryRun:      flagDryRun,
			Confirmed:   confirmed,
			SkipQuiesce: flagSkipQuiesce,
		})
		if perr := output.Report(rep, flagJSON); perr != nil {
			return perr
		}
		if errors.Is(err, ops.ErrNotConfirmed) {
			return fmt.Errorf("aborted: %w (pass --confirm to proceed)", err)
		}
		if errors.Is(err, ops.ErrPreservationLost) {
			return fmt.Errorf("FATAL, do not retry blindly: %w", err)
		}
		return err
	},
}

func init() {
	ResetCmd.Flags().StringSliceVar(&flagPreserve, "preserve", []string{"admins"}, "Row sets that must survive the reset")
	ResetCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Report what would be purged without touching anything")
	ResetCmd.Flags().BoolVar(&flagConfirm, "confirm", false, "Skip the interactive confirmation")
	ResetCmd.Flags().BoolVar(&flagSkipQuiesce, "skip-quiesce", false, "Proceed even if the application cannot be paused (e.g. it is already stopped)")
	ResetCmd.Flags().BoolVar(&flagJSON, "json", false, "Output JSON")
}

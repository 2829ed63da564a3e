package restore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/veridoc/veridoc-ops/cmd/output"
	"github.com/veridoc/veridoc-ops/cmd/prompt"
	"github.com/veridoc/veridoc-ops/internal/archive"
	cfgpkg "github.com/veridoc/veridoc-ops/internal/config"
	"github.com/veridoc/veridoc-ops/internal/ops"
	"github.com/veridoc/veridoc-ops/internal/paths"
	"github.com/veridoc/veridoc-ops/internal/setup"
	"github.com/veridoc/veridoc-ops/internal/store"
)

var (
	flagOnly        []string
	flagDryRun      bool
	flagConfirm     bool
	flagSkipQuiesce bool
	flagJSON        bool
)

var RestoreCmd = &cobra.Command{
	Use:   "restore <archive>",
	Short: "Replace live store state from an archive",
	Long: `Replace live store state from an archive.

The archive is fully validated before anything is touched. Pass the
archive file path, or a bare archive name resolved against the archive
directory. Destructive; requires --confirm or an interactive yes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		archivePath := args[0]
		if filepath.Dir(archivePath) == "." {
			archivePath = filepath.Join(cfg.ArchiveDir, archivePath)
		}

		var only []store.Kind
		for _, name := range flagOnly {
			k, ok := store.ParseKind(name)
			if !ok {
				return fmt.Errorf("unknown store %q (one of relational, vectors, files, config)", name)
			}
			only = append(only, k)
		}

		confirmed := flagConfirm
		if !confirmed && !flagDryRun {
			confirmed, err = prompt.Confirm(
				fmt.Sprintf("About to OVERWRITE all live data from %s.", filepath.Base(archivePath)),
				"restore", cfg.AssumeYes)
			if err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()
		stores, err := setup.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer stores.Close()

		r := ops.NewRestore(stores.Set, paths.Home(), ops.NewQuiescer(cfg.App.AdminURL), setup.Timeout(cfg))
		rep, err := r.Run(ctx, ops.RestoreOptions{
			ArchivePath: archivePath,
			Only:        only,
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
		if errors.Is(err, archive.ErrArchiveCorrupt) || errors.Is(err, archive.ErrArchiveIncompatible) {
			return fmt.Errorf("refusing to restore, nothing was touched: %w", err)
		}
		return err
	},
}

func init() {
	RestoreCmd.Flags().StringSliceVar(&flagOnly, "only", nil, "Restore only these stores (relational, vectors, files, config)")
	RestoreCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Report what would be replaced without touching anything")
	RestoreCmd.Flags().BoolVar(&flagConfirm, "confirm", false, "Skip the interactive confirmation")
	RestoreCmd.Flags().BoolVar(&flagSkipQuiesce, "skip-quiesce", false, "Proceed even if the application cannot be paused (e.g. it is already stopped)")
	RestoreCmd.Flags().BoolVar(&flagJSON, "json", false, "Output JSON")
}

package backup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/veridoc/veridoc-ops/cmd/output"
	"github.com/veridoc/veridoc-ops/internal/archive"
	cfgpkg "github.com/veridoc/veridoc-ops/internal/config"
	"github.com/veridoc/veridoc-ops/internal/ops"
	"github.com/veridoc/veridoc-ops/internal/paths"
	"github.com/veridoc/veridoc-ops/internal/setup"
)

var (
	flagTarget    string
	flagUpload    bool
	flagRetention int
	flagJSON      bool
)

var BackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Capture every store into one validated archive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		if _, err := paths.EnsureHome(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
		defer cancel()

		stores, err := setup.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer stores.Close()

		var uploader *archive.Uploader
		if flagUpload {
			uploader, err = archive.NewUploaderFromConfig(&cfg.Remote)
			if err != nil {
				return err
			}
			if uploader == nil {
				return fmt.Errorf("--upload requires remote.endpoint in %s", cfgpkg.Path())
			}
		}

		retention := cfg.Retention
		if cmd.Flags().Changed("retention") {
			retention = flagRetention
		}
		target := cfg.ArchiveDir
		if flagTarget != "" {
			target = flagTarget
		}

		b := ops.NewBackup(stores.Set, target, uploader, setup.Timeout(cfg))
		rep, err := b.Run(ctx, ops.BackupOptions{Retention: retention, Upload: flagUpload})
		if perr := output.Report(rep, flagJSON); perr != nil {
			return perr
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "backup complete: %s\n", rep.ArchivePath)
		return nil
	},
}

func init() {
	BackupCmd.Flags().StringVar(&flagTarget, "target", "", "Archive directory (default from config)")
	BackupCmd.Flags().BoolVar(&flagUpload, "upload", false, "Upload the archive to the configured offsite target")
	BackupCmd.Flags().IntVar(&flagRetention, "retention", 0, "Keep only the newest N archives (default from config)")
	BackupCmd.Flags().BoolVar(&flagJSON, "json", false, "Output JSON")
}

package archivecmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/veridoc/veridoc-ops/internal/archive"
	cfgpkg "github.com/veridoc/veridoc-ops/internal/config"
)

var flagPruneKeep int

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove archives beyond the keep-count, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		keep := cfg.Retention
		if cmd.Flags().Changed("keep") {
			keep = flagPruneKeep
		}
		if keep < 1 {
			return fmt.Errorf("keep must be >= 1, got %d", keep)
		}
		removed, err := archive.Prune(cfg.ArchiveDir, keep)
		if err != nil {
			return err
		}
		for _, p := range removed {
			fmt.Fprintf(os.Stderr, "removed %s\n", filepath.Base(p))
		}
		fmt.Fprintf(os.Stderr, "pruned %d archive(s), keeping %d\n", len(removed), keep)
		return nil
	},
}

func init() {
	ArchiveCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().IntVar(&flagPruneKeep, "keep", 0, "Keep only the newest N archives (default from config)")
}

package archivecmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/veridoc/veridoc-ops/internal/archive"
	cfgpkg "github.com/veridoc/veridoc-ops/internal/config"
)

var flagListJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List local archives, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		infos, err := archive.List(cfg.ArchiveDir)
		if err != nil {
			return err
		}
		if flagListJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}
		if len(infos) == 0 {
			fmt.Fprintf(os.Stderr, "no archives in %s\n", cfg.ArchiveDir)
			return nil
		}
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"NAME", "CREATED", "SIZE", "ID"})
		for _, info := range infos {
			tw.Append([]string{
				info.Name,
				info.CreatedAt.Format(time.RFC3339),
				fmt.Sprintf("%d", info.Size),
				info.ID,
			})
		}
		tw.Render()
		return nil
	},
}

func init() {
	ArchiveCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&flagListJSON, "json", false, "Output JSON")
}

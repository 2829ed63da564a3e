package archivecmd

import (
	"github.com/spf13/cobra"
)

var ArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect and manage the local archive directory",
}

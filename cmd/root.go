package cmd

import (
	"github.com/spf13/cobra"

	archivecmd "github.com/veridoc/veridoc-ops/cmd/archive"
	backupcmd "github.com/veridoc/veridoc-ops/cmd/backup"
	configcmd "github.com/veridoc/veridoc-ops/cmd/config"
	resetcmd "github.com/veridoc/veridoc-ops/cmd/reset"
	restorecmd "github.com/veridoc/veridoc-ops/cmd/restore"
	verifycmd "github.com/veridoc/veridoc-ops/cmd/verify"
)

var rootCmd = &cobra.Command{
	Use:   "veridoc-ops",
	Short: "Backup, restore, and reset the Veridoc stores as one unit",
	Long: `veridoc-ops moves the Veridoc document platform's four stores
(PostgreSQL, the vector index, the file trees, and runtime settings)
through backup, restore, and reset as a single consistent unit.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(backupcmd.BackupCmd)
	rootCmd.AddCommand(restorecmd.RestoreCmd)
	rootCmd.AddCommand(resetcmd.ResetCmd)
	rootCmd.AddCommand(archivecmd.ArchiveCmd)
	rootCmd.AddCommand(verifycmd.VerifyCmd)
	rootCmd.AddCommand(configcmd.ConfigCmd)
}

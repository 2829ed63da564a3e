package configcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cfgpkg "github.com/veridoc/veridoc-ops/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for problems",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		problems := cfg.Validate()
		if len(problems) == 0 {
			fmt.Fprintln(os.Stderr, "configuration is valid")
			return nil
		}
		for _, p := range problems {
			fmt.Fprintf(os.Stderr, "problem: %s\n", p)
		}
		return fmt.Errorf("%d configuration problem(s)", len(problems))
	},
}

func init() {
	ConfigCmd.AddCommand(validateCmd)
}

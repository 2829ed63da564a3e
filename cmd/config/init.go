package configcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cfgpkg "github.com/veridoc/veridoc-ops/internal/config"
	"github.com/veridoc/veridoc-ops/internal/paths"
)

var flagInitForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config.yaml with defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := cfgpkg.Path()
		if _, err := os.Stat(p); err == nil && !flagInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", p)
		}
		if _, err := paths.EnsureHome(); err != nil {
			return err
		}
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := os.WriteFile(p, b, 0o600); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", p)
		return nil
	},
}

func init() {
	ConfigCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "Overwrite an existing config file")
}

package configcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cfgpkg "github.com/veridoc/veridoc-ops/internal/config"
)

var printCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		if cfg.Postgres.Password != "" {
			cfg.Postgres.Password = "********"
		}
		if cfg.Qdrant.APIKey != "" {
			cfg.Qdrant.APIKey = "********"
		}
		if cfg.Remote.SecretKey != "" {
			cfg.Remote.SecretKey = "********"
		}
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "# %s\n", cfgpkg.Path())
		_, err = os.Stdout.Write(b)
		return err
	},
}

func init() {
	ConfigCmd.AddCommand(printCmd)
}

package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/veridoc/veridoc-ops/cmd/output"
	cfgpkg "github.com/veridoc/veridoc-ops/internal/config"
	"github.com/veridoc/veridoc-ops/internal/ops"
	"github.com/veridoc/veridoc-ops/internal/setup"
)

var flagJSON bool

var VerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Probe every store and report health and counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := cfgpkg.Load()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		stores, err := setup.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer stores.Close()

		rep := ops.NewVerifier(stores.Set, setup.Timeout(cfg)).Run(ctx)
		if perr := output.Report(rep, flagJSON); perr != nil {
			return perr
		}
		for _, h := range rep.Health {
			if !h.Reachable {
				return fmt.Errorf("store %s is unhealthy: %s", h.Kind, h.Err)
			}
		}
		return nil
	},
}

func init() {
	VerifyCmd.Flags().BoolVar(&flagJSON, "json", false, "Output JSON")
}

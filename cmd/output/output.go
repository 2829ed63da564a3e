// Package output renders coordinator reports for the terminal, as tables
// on stdout or as JSON for automation.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/veridoc/veridoc-ops/internal/ops"
)

// Report prints a coordinator report. JSON mode emits the full structure;
// table mode shows the per-store outcomes plus any planned actions.
func Report(rep *ops.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	if rep.ArchivePath != "" {
		fmt.Fprintf(os.Stderr, "archive: %s\n", rep.ArchivePath)
	}
	if len(rep.Stores) > 0 {
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"STORE", "ACTION", "RECORDS", "ELAPSED", "ERROR"})
		for _, s := range rep.Stores {
			tw.Append([]string{
				string(s.Kind), s.Action,
				fmt.Sprintf("%d", s.Records),
				s.Elapsed.Round(time.Millisecond).String(),
				s.Err,
			})
		}
		tw.Render()
	}
	if len(rep.Planned) > 0 {
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"STORE", "CONTAINER", "ACTION", "RECORDS"})
		for _, p := range rep.Planned {
			tw.Append([]string{string(p.Kind), p.Container, p.Action, fmt.Sprintf("%d", p.Records)})
		}
		tw.Render()
	}
	if len(rep.Health) > 0 {
		tw := tablewriter.NewWriter(os.Stdout)
		tw.SetHeader([]string{"STORE", "REACHABLE", "RECORDS", "GROUPS", "ERROR"})
		for _, h := range rep.Health {
			tw.Append([]string{
				string(h.Kind), fmt.Sprintf("%t", h.Reachable),
				fmt.Sprintf("%d", h.Records), fmt.Sprintf("%d", h.Groups), h.Err,
			})
		}
		tw.Render()
	}
	return nil
}

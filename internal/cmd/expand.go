package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rjboer/rfsweep/internal/config"
	"github.com/rjboer/rfsweep/internal/logging"
	"github.com/rjboer/rfsweep/internal/sweep"
)

type expandOptions struct {
	configPath string
	asJSON     bool
}

// NewExpandCommand creates the expand subcommand.
func NewExpandCommand(g *globalOptions) *cobra.Command {
	opts := &expandOptions{}
	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Print the expanded sweep without touching any instrument",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, closer, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			plan, err := config.LoadPlan(opts.configPath, logger)
			if err != nil {
				return err
			}
			return printExpansion(cmd.OutOrStdout(), plan, opts.asJSON, logger)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "test_inputs.yaml", "test-parameter file (YAML or JSON)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the points as JSON")
	return cmd
}

type expansion struct {
	Family  sweep.Family       `json:"family"`
	Points  []sweep.SweepPoint `json:"points"`
	Skipped []sweep.Skipped    `json:"skipped,omitempty"`
}

func expandPlan(plan *config.Plan, logger logging.Logger) []expansion {
	var out []expansion
	for _, f := range sweep.Families {
		cases := plan.Cases[f]
		if len(cases) == 0 {
			continue
		}
		points, skipped := sweep.ExpandFamily(f, cases, logger)
		out = append(out, expansion{Family: f, Points: points, Skipped: skipped})
	}
	return out
}

func printExpansion(w io.Writer, plan *config.Plan, asJSON bool, logger logging.Logger) error {
	families := expandPlan(plan, logger)
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(families)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)
	total := 0
	for _, fe := range families {
		cyan.Fprintf(w, "%s: %d points\n", fe.Family, len(fe.Points))
		for _, p := range fe.Points {
			power := "default"
			if p.PowerDBm != nil {
				power = fmt.Sprintf("%.2f dBm", *p.PowerDBm)
			}
			fmt.Fprintf(w, "  %4d  entry %-3d %14.6f GHz  %s\n", p.Index, p.Entry, p.FrequencyHz/1e9, power)
		}
		for _, s := range fe.Skipped {
			yellow.Fprintf(w, "  skipped entry %d: %s\n", s.Entry, s.Reason)
		}
		total += len(fe.Points)
	}
	fmt.Fprintf(w, "total: %d points\n", total)
	return nil
}

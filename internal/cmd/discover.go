package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rjboer/rfsweep/internal/logging"
	"github.com/rjboer/rfsweep/internal/mdns"
)

// NewDiscoverCommand creates the discover subcommand.
func NewDiscoverCommand(g *globalOptions) *cobra.Command {
	var (
		timeout  time.Duration
		services []string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List SCPI and LXI instruments announced over mDNS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, closer, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			logger.Info("browsing for instruments", logging.F("timeout", timeout))
			found, err := mdns.Discover(cmd.Context(), timeout, services)
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			printInstruments(cmd.OutOrStdout(), found)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "browse duration")
	cmd.Flags().StringSliceVar(&services, "service", mdns.DefaultServices, "DNS-SD service types to browse")
	return cmd
}

func printInstruments(w io.Writer, found []mdns.Instrument) {
	if len(found) == 0 {
		color.New(color.FgYellow).Fprintln(w, "No instruments found.")
		return
	}
	bold := color.New(color.Bold)
	for _, inst := range found {
		bold.Fprintf(w, "%s\n", inst.Instance)
		fmt.Fprintf(w, "  endpoint: %s\n", inst.Endpoint())
		fmt.Fprintf(w, "  host:     %s\n", strings.TrimSuffix(inst.Hostname, "."))
		fmt.Fprintf(w, "  service:  %s\n", inst.Service)
		if len(inst.TXT) > 0 {
			fmt.Fprintf(w, "  txt:      %s\n", strings.Join(inst.TXT, " "))
		}
	}
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rjboer/rfsweep/internal/instrument"
	"github.com/rjboer/rfsweep/internal/logging"
)

// NewSimulateCommand creates the simulate subcommand.
func NewSimulateCommand(g *globalOptions) *cobra.Command {
	cfg := instrument.SimulatorConfig{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a simulated generator and analyzer until interrupted",
		Long: `Simulate listens on two SCPI raw sockets that behave like a signal
generator and a signal analyzer. Point the settings file at them to develop
and test plans without a bench.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, closer, err := g.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			cfg.Logger = logger
			sim := instrument.NewSimulator(cfg)
			if err := sim.Start(); err != nil {
				return fmt.Errorf("start simulator: %w", err)
			}
			defer sim.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "vsg listening on %s\nvsa listening on %s\n", sim.VSGAddr(), sim.VSAAddr())
			logger.Info("simulator running, interrupt to stop", logging.F("vsg", sim.VSGAddr()), logging.F("vsa", sim.VSAAddr()))
			<-cmd.Context().Done()
			logger.Info("simulator stopping")
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.VSGAddr, "vsg", "127.0.0.1:5026", "generator listen address")
	cmd.Flags().StringVar(&cfg.VSAAddr, "vsa", "127.0.0.1:5025", "analyzer listen address")
	cmd.Flags().IntVar(&cfg.BusyPolls, "busy-polls", 0, "status polls that report a running measurement after each trigger")
	cmd.Flags().Float64Var(&cfg.CableLossDB, "cable-loss", 0, "loss between generator and analyzer in dB")
	return cmd
}

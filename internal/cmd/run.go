package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/rfsweep/internal/app"
	"github.com/rjboer/rfsweep/internal/calibration"
	"github.com/rjboer/rfsweep/internal/config"
	"github.com/rjboer/rfsweep/internal/instrument"
	"github.com/rjboer/rfsweep/internal/link"
	"github.com/rjboer/rfsweep/internal/logging"
	"github.com/rjboer/rfsweep/internal/mdns"
	"github.com/rjboer/rfsweep/internal/report"
	"github.com/rjboer/rfsweep/internal/results"
	"github.com/rjboer/rfsweep/internal/telemetry"
)

const discoveryTimeout = 3 * time.Second

type runOptions struct {
	configPath string
	calPath    string
	outDir     string
	simulate   bool
	webAddr    string
}

// NewRunCommand creates the run subcommand.
func NewRunCommand(g *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every enabled test family and write the results",
		Long: `Run connects to the generator and the analyzer, measures every enabled
family of the test-parameter file in the order lte, nr5g, STN, spur_search and
writes <out>/<prefix>.json and <out>/<prefix>.xlsx.

Failed points are recorded and the run continues. The exit code is non-zero
only when the configuration cannot be read, the output cannot be written, or
the run is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd, g, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "test_inputs.yaml", "test-parameter file (YAML or JSON)")
	cmd.Flags().StringVar(&opts.calPath, "cal", "", "calibration table (.xlsx, .yaml or .json; default from settings)")
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "output directory (default from settings)")
	cmd.Flags().BoolVar(&opts.simulate, "simulate", false, "measure against built-in simulated instruments")
	cmd.Flags().StringVar(&opts.webAddr, "web-addr", "", "serve live progress over HTTP on this address (e.g. :8080)")
	return cmd
}

func runSweep(cmd *cobra.Command, g *globalOptions, opts *runOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	settings, logger, closer, err := g.setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closer.Close()

	plan, err := config.LoadPlan(opts.configPath, logger)
	if err != nil {
		return err
	}

	vocab := instrument.DefaultVocabulary()
	if settings.VocabularyFile != "" {
		if vocab, err = instrument.LoadVocabulary(settings.VocabularyFile); err != nil {
			return err
		}
		logger.Info("command vocabulary loaded", logging.F("path", settings.VocabularyFile))
	}

	cal, err := loadCalibration(settings, opts.calPath, logger)
	if err != nil {
		return err
	}

	linkOpts := settings.LinkOptions()
	vsgAddr, vsaAddr := settings.VSG.HostPort(), settings.VSA.HostPort()
	if opts.simulate {
		sim := instrument.NewSimulator(instrument.SimulatorConfig{Logger: logger})
		if err := sim.Start(); err != nil {
			return fmt.Errorf("start simulator: %w", err)
		}
		defer sim.Close()
		vsgAddr, vsaAddr = sim.VSGAddr(), sim.VSAAddr()
		logger.Info("using simulated instruments", logging.F("vsg", vsgAddr), logging.F("vsa", vsaAddr))
	} else {
		vsgAddr, vsaAddr = resolveEndpoints(ctx, settings, logger)
	}

	vsg := link.New(app.VSGName, vsgAddr, linkOpts, logger)
	vsa := link.New(app.VSAName, vsaAddr, linkOpts, logger)
	defer vsg.Close()
	defer vsa.Close()

	hub := telemetry.NewHub(0)
	reporter := telemetry.MultiReporter{hub, telemetry.NewStdoutReporter(logger)}
	if opts.webAddr != "" {
		webCtx, stopWeb := context.WithCancel(ctx)
		defer stopWeb()
		ws := telemetry.NewWebServer(opts.webAddr, hub, logger)
		go func() {
			if err := ws.Start(webCtx); err != nil {
				logger.Error("progress server failed", logging.F("error", err))
			}
		}()
	}

	agg := results.NewAggregator()
	orch := app.NewOrchestrator(vsg, vsa, vocab, agg, reporter, logger, app.Config{
		MeasureTimeout: settings.Measure.Timeout,
		PollInterval:   settings.Measure.PollInterval,
		Calibration:    cal,
	})
	runErr := orch.Run(ctx, plan)

	outDir := settings.Output.Dir
	if opts.outDir != "" {
		outDir = opts.outDir
	}
	snap := agg.Snapshot()
	paths, writeErr := report.NewWriter(outDir, settings.Output.Prefix, logger).Write(snap)
	telemetry.PrintSummary(cmd.OutOrStdout(), snap, paths)

	if writeErr != nil {
		return fmt.Errorf("write results: %w", writeErr)
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Warn("run interrupted, partial results written")
			return fmt.Errorf("run interrupted: %w", runErr)
		}
		return fmt.Errorf("run: %w", runErr)
	}
	return nil
}

// loadCalibration reads the calibration table named by the flag or the
// settings. No file means the entries' own offsets apply.
func loadCalibration(s *config.Settings, flagPath string, logger logging.Logger) (*calibration.Table, error) {
	path := s.CalibrationFile
	if flagPath != "" {
		path = flagPath
	}
	if path == "" {
		return nil, nil
	}
	cal, err := calibration.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Info("calibration table loaded", logging.F("path", path), logging.F("frequencies", cal.Len()))
	return cal, nil
}

// resolveEndpoints replaces configured addresses with mDNS matches where a
// match pattern is set. The configured address is kept when nothing matches.
func resolveEndpoints(ctx context.Context, s *config.Settings, logger logging.Logger) (vsgAddr, vsaAddr string) {
	vsgAddr, vsaAddr = s.VSG.HostPort(), s.VSA.HostPort()
	if s.VSG.MDNSMatch == "" && s.VSA.MDNSMatch == "" {
		return vsgAddr, vsaAddr
	}

	found, err := mdns.Discover(ctx, discoveryTimeout, mdns.DefaultServices)
	if err != nil {
		logger.Warn("instrument discovery failed, using configured addresses", logging.F("error", err))
		return vsgAddr, vsaAddr
	}
	pick := func(name string, ep config.Endpoint, fallback string) string {
		if ep.MDNSMatch == "" {
			return fallback
		}
		inst, ok := mdns.Match(found, ep.MDNSMatch)
		if !ok {
			logger.Warn("no discovered instrument matches, using configured address",
				logging.F("instrument", name), logging.F("match", ep.MDNSMatch), logging.F("address", fallback))
			return fallback
		}
		logger.Info("instrument discovered", logging.F("instrument", name), logging.F("name", inst.Instance), logging.F("address", inst.Endpoint()))
		return inst.Endpoint()
	}
	return pick(app.VSGName, s.VSG, vsgAddr), pick(app.VSAName, s.VSA, vsaAddr)
}

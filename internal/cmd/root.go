// Package cmd holds the rfsweep command tree.
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rjboer/rfsweep/internal/config"
	"github.com/rjboer/rfsweep/internal/logging"
)

// Version is injected at build time via -ldflags
var Version = "dev"

type globalOptions struct {
	settingsPath string
	logLevel     string
	logFormat    string
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "rfsweep",
		Short: "RF bench sweep automation",
		Long: `rfsweep drives a vector signal generator and a vector signal analyzer
over SCPI raw sockets. It expands the sweeps described in a test-parameter
file, measures every point (LTE, 5G NR, sub-thermal noise, spur search) and
writes the results as JSON and as an Excel workbook.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.settingsPath, "settings", "settings.ini", "bench settings file (INI, YAML, TOML or JSON)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "override log format (text|json)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewExpandCommand(opts))
	cmd.AddCommand(NewDiscoverCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	return cmd
}

// setup loads the settings and builds the run logger. The returned closer
// releases the log file.
func (o *globalOptions) setup(stderr io.Writer) (*config.Settings, logging.Logger, io.Closer, error) {
	boot := logging.New(logging.Info, logging.Text, stderr)
	settings, err := config.LoadSettings(o.settingsPath, boot)
	if err != nil {
		return nil, nil, nil, err
	}
	if o.logLevel != "" {
		settings.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		settings.Log.Format = o.logFormat
	}

	level, err := logging.ParseLevel(settings.Log.Level)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("log level: %w", err)
	}
	format, err := logging.ParseFormat(settings.Log.Format)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("log format: %w", err)
	}
	logger, closer, err := logging.NewWithFile(level, format, stderr, settings.Log.File)
	if err != nil {
		return nil, nil, nil, err
	}
	logging.SetDefault(logger)
	return settings, logger, closer, nil
}

package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/evhandl/internal/capability"
	"github.com/danmuck/evhandl/internal/config"
	"github.com/danmuck/evhandl/internal/logging"
)

// version is replaced at link time.
var version = "dev"

const (
	ConfigOptionName           = "config"
	LogLevelOptionName         = "log-level"
	OutputDirOptionName        = "output-dir"
	YesOptionName              = "yes"
	KeepCapabilitiesOptionName = "keep-capabilities"
)

// app carries what every subcommand shares.
type app struct {
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer

	configPath string
	logLevel   string
	outputDir  string
	yes        bool
	keepCaps   bool

	settings         config.Settings
	dropCapabilities func() (bool, error)
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{
		in:               bufio.NewReader(in),
		out:              out,
		errOut:           errOut,
		settings:         config.DefaultSettings(),
		dropCapabilities: capability.DropSysResource,
	}
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "evhandl",
		Short:         "Capture BSC event handler streams to a file",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	cmd.SetIn(a.in)
	cmd.SetOut(a.out)
	cmd.SetErr(a.errOut)

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, ConfigOptionName, "", "TOML file with operator defaults")
	flags.StringVar(&a.logLevel, LogLevelOptionName, "", "Log level: trace, debug, info, warn, error, off")
	flags.StringVar(&a.outputDir, OutputDirOptionName, "", "Directory for capture files")
	flags.BoolVarP(&a.yes, YesOptionName, "y", false, "Overwrite an existing capture file without asking")
	flags.BoolVar(&a.keepCaps, KeepCapabilitiesOptionName, false, "Do not clear CAP_SYS_RESOURCE before writing")

	cmd.AddCommand(newCaptureCommand(a, captureGMLog))
	cmd.AddCommand(newCaptureCommand(a, captureRPMO))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (a *app) setup() error {
	logging.ConfigureRuntime()
	if a.configPath != "" {
		settings, err := config.LoadSettings(a.configPath)
		if err != nil {
			return err
		}
		a.settings = settings
	}
	if dir := strings.TrimSpace(a.outputDir); dir != "" {
		a.settings.OutputDir = dir
	}
	level := a.settings.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	if !logging.SetLevel(level) {
		return fmt.Errorf("unknown log level %q", level)
	}
	log.Debug().Str("config", a.configPath).Str("output_dir", a.settings.OutputDir).Msg("settings resolved")
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "evhandl %s\n", version)
			return err
		},
	}
}

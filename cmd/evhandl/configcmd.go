package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danmuck/evhandl/internal/config"
)

const (
	defaultConfigPath = "evhandl.toml"
	ForceOptionName   = "force"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check an operator defaults file",
	}
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigValidateCommand())
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write an annotated defaults file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := defaultConfigPath
			if len(args) == 1 {
				target = args[0]
			}
			if err := config.WriteTemplate(target, force); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", target)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, ForceOptionName, false, "Overwrite an existing file")
	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Check a defaults file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Validated %s (output_dir=%s max_file_size_mb=%d max_logging_minutes=%d)\n",
				args[0], settings.OutputDir, settings.MaxFileSizeMB, settings.MaxLoggingMinutes)
			return err
		},
	}
}

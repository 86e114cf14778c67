package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/cloudbridge/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // config file; empty means ./cloudbridge.yaml if present
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the cloudbridge CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cloudbridge",
		Short: "CloudBridge - sync local objects with a cloud backend",
		Long: `Tools for CloudBridge schemas and stores.

Validate and inspect entity schemas, preview how cloud objects map onto
persistent objects, and list changes queued while offline.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (default ./cloudbridge.yaml)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewTransformCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // keeps JSON on stdout clean
		Verbose:   o.Verbose,
	}
}

// loadConfig reads the config file and environment.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, ErrCodeConfig+": invalid configuration", err)
	}
	return cfg, nil
}

// logger builds the configured logger; --verbose forces debug level.
func (o *RootOptions) logger(cfg config.Config, cmd *cobra.Command) (*slog.Logger, io.Closer, error) {
	lc := cfg.Log
	if o.Verbose {
		lc.Level = "debug"
	}
	logger, closer, err := lc.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, ErrCodeConfig+": invalid log settings", err)
	}
	return logger, closer, nil
}

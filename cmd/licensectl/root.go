package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"licensekit/internal/config"
	"licensekit/internal/infrastructure"
	"licensekit/internal/license"
)

// refusedError reports a negative license result that was already printed
type refusedError struct {
	result string
}

func (e *refusedError) Error() string {
	return "license service returned " + e.result
}

// cli holds state shared by all subcommands
type cli struct {
	configPath string
	logLevel   string
	opts       []license.Option

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(opts ...license.Option) *cobra.Command {
	c := &cli{opts: opts}

	root := &cobra.Command{
		Use:           "licensectl",
		Short:         "Check and activate the license of this computer",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to licensekit.yaml")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		c.checkCmd(),
		c.activateCmd(),
		c.parseKeyCmd(),
		c.statusCmd(),
		c.serveCmd(),
	)
	return root
}

func (c *cli) setup() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	cfg.Logging.FilePath = cfg.LogFilePath()

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	c.cfg = cfg
	c.logger = logger
	return nil
}

// initClient installs the process wide license client
func (c *cli) initClient(extra ...license.Option) (*license.LicenseClient, error) {
	opts := append([]license.Option{license.WithLogger(c.logger)}, c.opts...)
	return license.Initialize(c.cfg, append(opts, extra...)...)
}

func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return infrastructure.EnsureTraceID(ctx)
}

func printResult(w io.Writer, name, message string) {
	fmt.Fprintf(w, "%s: %s\n", name, message)
}

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"licensekit/internal/app"
	"licensekit/internal/config"
	"licensekit/internal/infrastructure"
	"licensekit/internal/license"
)

func (c *cli) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the activation of this computer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.initClient(); err != nil {
				return err
			}

			result, err := license.CheckComputer(commandContext(cmd))
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result.String(), result.Message())
			if !result.Valid() {
				return &refusedError{result: result.String()}
			}
			return nil
		},
	}
}

func (c *cli) activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate [KEY]",
		Short: "Activate this computer with a license key",
		Long:  "Activate this computer with a license key. The key is read from stdin when omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyArgument(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			client, err := c.initClient()
			if err != nil {
				return err
			}

			// The format check only warns, the service has the final word
			if _, ok, _ := license.TryParseLicenseKey(key); !ok {
				fmt.Fprintln(cmd.ErrOrStderr(), client.KeyFormatter().Hint())
			}

			result, err := license.ActivateComputer(commandContext(cmd), key)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result.String(), result.Message())
			if !result.Valid() {
				return &refusedError{result: result.String()}
			}
			return nil
		},
	}
}

func (c *cli) parseKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse-key KEY",
		Short: "Check a license key against the project's key format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.initClient()
			if err != nil {
				return err
			}

			normalized, ok, err := license.TryParseLicenseKey(args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), client.KeyFormatter().Hint())
				return &refusedError{result: "InvalidLicenseKeyFormat"}
			}
			fmt.Fprintln(cmd.OutOrStdout(), normalized)
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the license and print its details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.initClient()
			if err != nil {
				return err
			}

			result, err := license.CheckComputer(commandContext(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printResult(out, result.String(), result.Message())
			if !result.Valid() {
				return &refusedError{result: result.String()}
			}

			session := client.Session()
			if session == nil {
				return errors.New("license confirmed but no session is available")
			}
			printSession(out, session)
			if c.cfg.Features.AllowOffline {
				path := c.cfg.LicenseFilePath()
				if config.FileExists(path) {
					fmt.Fprintf(out, "Offline file: %s\n", path)
				} else {
					fmt.Fprintf(out, "Offline file: %s (missing)\n", path)
				}
			}
			return nil
		},
	}
}

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local license API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("address"); addr != "" {
				c.cfg.Server.Address = addr
			}

			providers, err := infrastructure.InitializeOTel(c.cfg.Telemetry, version, c.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
			}
			metrics, err := license.InitializeLicenseMetrics(providers.Meter)
			if err != nil {
				return fmt.Errorf("failed to initialize license metrics: %w", err)
			}

			client, err := c.initClient(license.WithMetrics(metrics))
			if err != nil {
				return err
			}

			application, err := app.NewApplication(c.cfg, client, providers, c.logger, version)
			if err != nil {
				return err
			}
			defer infrastructure.CloseLogFile()

			c.logger.Info("licensectl serve", slog.String("address", c.cfg.Server.Address))
			return application.Run()
		},
	}
	cmd.Flags().String("address", "", "override server.address")
	return cmd
}

// keyArgument returns the key from args or the first line of stdin
func keyArgument(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		if key := strings.TrimSpace(scanner.Text()); key != "" {
			return key, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read license key: %w", err)
	}
	return "", errors.New("a license key is required")
}

func printSession(w io.Writer, s *license.Session) {
	expires := "Never"
	if s.Record.ExpirationDateUTC != nil {
		expires = s.Record.ExpirationDateUTC.Format(time.RFC3339)
	}
	source := "online"
	if s.Offline {
		source = "offline"
	}

	fmt.Fprintf(w, "License type: %d\n", s.Record.LicenseType)
	fmt.Fprintf(w, "Expires:      %s\n", expires)
	if s.Record.CustomerName != "" {
		fmt.Fprintf(w, "Customer:     %s\n", s.Record.CustomerName)
	}
	if s.Record.CustomerEmail != "" {
		fmt.Fprintf(w, "E-Mail:       %s\n", s.Record.CustomerEmail)
	}
	fmt.Fprintf(w, "Confirmed:    %s (%s)\n", s.CheckedAt.Format(time.RFC3339), source)
}
